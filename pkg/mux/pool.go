package mux

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/registry"
	"github.com/nazq/tei-manager/pkg/types"
)

const poolShardCount = 32

// Registry is the subset of registry.Registry the pool needs: lookup plus
// the lifecycle event stream that drives eviction.
type Registry interface {
	Get(name string) (types.WorkerView, error)
	List() []types.WorkerView
	Subscribe() registry.Subscriber
	Unsubscribe(sub registry.Subscriber)
}

type poolEntry struct {
	conn       *grpc.ClientConn
	lastUsedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

// BackendPool is the sharded, lock-cheap connection pool keyed by worker
// name. Connection creation is lazy and single-flighted so a burst of
// concurrent requests for the same cold worker dials exactly once.
type BackendPool struct {
	reg     Registry
	shards  [poolShardCount]*shard
	dialing singleflight.Group
	idleTTL time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	logger zerolog.Logger
}

// Options configures a BackendPool.
type Options struct {
	IdleTTL      time.Duration
	PruneInterval time.Duration
}

// New constructs a BackendPool and starts its eviction goroutines. Close
// must be called to stop them and tear down every pooled connection.
func New(reg Registry, opts Options) *BackendPool {
	if opts.IdleTTL == 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.PruneInterval == 0 {
		opts.PruneInterval = 30 * time.Second
	}

	p := &BackendPool{
		reg:     reg,
		idleTTL: opts.IdleTTL,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  log.WithComponent("backend_pool"),
	}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[string]*poolEntry)}
	}

	go p.run(opts.PruneInterval)
	return p
}

// Close stops the pool's background goroutines and tears down every pooled
// connection.
func (p *BackendPool) Close() {
	close(p.stopCh)
	<-p.doneCh
	p.clear()
}

func (p *BackendPool) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return p.shards[h.Sum32()%poolShardCount]
}

func (p *BackendPool) run(pruneInterval time.Duration) {
	defer close(p.doneCh)

	sub := p.reg.Subscribe()
	defer p.reg.Unsubscribe(sub)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-sub:
			switch evt.Kind {
			case types.EventStopped, types.EventRemoved:
				p.evict(evt.Name)
			}
		case <-ticker.C:
			p.pruneIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *BackendPool) pruneIdle() {
	cutoff := time.Now().Add(-p.idleTTL)
	for _, s := range p.shards {
		s.mu.Lock()
		for name, entry := range s.entries {
			if entry.lastUsedAt.Before(cutoff) {
				delete(s.entries, name)
				go closeConn(entry.conn)
				p.logger.Debug().Str("instance", name).Msg("evicted idle backend connection")
			}
		}
		s.mu.Unlock()
	}
}

func (p *BackendPool) evict(name string) {
	s := p.shardFor(name)
	s.mu.Lock()
	entry, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if ok {
		closeConn(entry.conn)
		p.logger.Debug().Str("instance", name).Msg("evicted backend connection on lifecycle event")
	}
}

func (p *BackendPool) clear() {
	for _, s := range p.shards {
		s.mu.Lock()
		for name, entry := range s.entries {
			delete(s.entries, name)
			closeConn(entry.conn)
		}
		s.mu.Unlock()
	}
}

func closeConn(conn *grpc.ClientConn) {
	if conn == nil {
		return
	}
	_ = conn.Close()
}

// GetConn returns a ready connection to name's backend, dialing lazily if
// necessary. Unknown name is NotFound; a known worker that is not Running
// is Unavailable — matching the status-code contract in
// original_source/src/grpc/pool.rs's test suite.
func (p *BackendPool) GetConn(ctx context.Context, name string) (*grpc.ClientConn, error) {
	view, err := p.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if view.Runtime.Status != types.StatusRunning {
		return nil, apierrors.New(apierrors.Unavailable, "instance %q is %s, not running", name, view.Runtime.Status)
	}

	s := p.shardFor(name)

	s.mu.Lock()
	entry, ok := s.entries[name]
	if ok {
		entry.lastUsedAt = time.Now()
		s.mu.Unlock()
		return entry.conn, nil
	}
	s.mu.Unlock()

	result, err, _ := p.dialing.Do(name, func() (interface{}, error) {
		s.mu.Lock()
		if entry, ok := s.entries[name]; ok {
			s.mu.Unlock()
			return entry.conn, nil
		}
		s.mu.Unlock()

		conn, dialErr := dialBackend(view.Config.Port)
		if dialErr != nil {
			return nil, apierrors.Wrap(apierrors.Unavailable, dialErr, "failed to connect to backend for %q", name)
		}

		s.mu.Lock()
		s.entries[name] = &poolEntry{conn: conn, lastUsedAt: time.Now()}
		s.mu.Unlock()

		p.logger.Debug().Str("instance", name).Int("port", view.Config.Port).Msg("created backend connection")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*grpc.ClientConn), nil
}

func dialBackend(port int) (*grpc.ClientConn, error) {
	return grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Probe implements health.Prober: it issues the backend's info RPC through
// the pool, so the health monitor is just another pooled client. A worker
// that is still Starting has no pool entry, so it is probed over a
// transient connection that is closed when the probe returns.
func (p *BackendPool) Probe(ctx context.Context, instanceName string) error {
	view, err := p.reg.Get(instanceName)
	if err != nil {
		return err
	}
	var conn *grpc.ClientConn
	if view.Runtime.Status == types.StatusStarting {
		conn, err = dialBackend(view.Config.Port)
		if err != nil {
			return apierrors.Wrap(apierrors.Unavailable, err, "failed to connect to backend for %q", instanceName)
		}
		defer closeConn(conn)
	} else if conn, err = p.GetConn(ctx, instanceName); err != nil {
		return err
	}
	var resp InfoResponse
	if err := conn.Invoke(ctx, "/tei.v1.Info/Info", &InfoRequest{}, &resp); err != nil {
		return apierrors.Wrap(apierrors.Unavailable, err, "info probe failed for %q", instanceName)
	}
	return nil
}

// Targets returns the names of every worker currently registered,
// regardless of runtime status, for use by the introspection RPC.
func (p *BackendPool) Targets() []string {
	views := p.reg.List()
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.Config.Name
	}
	return names
}

// Size returns the number of pooled connections, used by metrics.
func (p *BackendPool) Size() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
