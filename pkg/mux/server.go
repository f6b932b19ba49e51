package mux

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/metrics"
)

type requestIDKey struct{}

// requestIDInterceptor tags every unary call with a request-scoped UUID,
// logged alongside the method name and outcome, mirroring the teacher's
// per-call interceptor in pkg/api/interceptor.go.
func requestIDInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		reqID := uuid.NewString()
		ctx = context.WithValue(ctx, requestIDKey{}, reqID)

		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("request_id", reqID).Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("grpc request")

		return resp, err
	}
}

// serviceName is the fully-qualified gRPC service name the multiplexer
// registers under. It has no corresponding .proto in this deployment; the
// ServiceDesc below is constructed by hand and driven by the JSON codec
// registered in codec.go.
const serviceName = "tei.manager.v1.Multiplexer"

// Multiplexer is the gRPC service implementation of C5: it resolves each
// routed request's target against the registry, forwards it through the
// pooled backend connection, and bridges streaming calls.
type Multiplexer struct {
	pool          *BackendPool
	callTimeout   time.Duration
	maxArrowFanOut int

	logger zerolog.Logger
}

// ServerOptions configures a Multiplexer.
type ServerOptions struct {
	Pool           *BackendPool
	CallTimeout    time.Duration
	MaxArrowFanOut int
}

// NewMultiplexer constructs the service. Pass it to NewServer, which builds
// a *grpc.Server with grpc.ForceServerCodec(jsonCodec{}) and registers it.
func NewMultiplexer(opts ServerOptions) *Multiplexer {
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}
	fanOut := opts.MaxArrowFanOut
	if fanOut == 0 {
		fanOut = 64
	}
	return &Multiplexer{
		pool:           opts.Pool,
		callTimeout:    callTimeout,
		maxArrowFanOut: fanOut,
		logger:         log.WithComponent("multiplexer"),
	}
}

// NewServer builds a *grpc.Server with the JSON codec forced and the
// multiplexer service registered.
func NewServer(m *Multiplexer, maxParallelStreams uint32) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxConcurrentStreams(maxParallelStreams),
		grpc.UnaryInterceptor(requestIDInterceptor(m.logger)),
	)
	srv.RegisterService(&serviceDesc, m)
	return srv
}

// Shutdown stops the server gracefully, falling back to a hard stop if
// in-flight calls have not drained within deadline.
func Shutdown(srv *grpc.Server, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		srv.Stop()
	}
}

type envelope[T any] struct {
	Target  Target `json:"target"`
	Request T      `json:"request"`
}

func resolveTarget(t Target) error {
	if t.InstanceName != "" {
		return nil
	}
	if t.ModelID != "" || t.Index != nil {
		return status.Error(codes.Unimplemented, "only instance_name routing is implemented")
	}
	return status.Error(codes.InvalidArgument, "target.instance_name is required")
}

// forward resolves target, acquires a pooled backend connection, and
// invokes backendMethod with req, propagating the backend's status
// verbatim. Pool-level errors are mapped through apierrors to their gRPC
// status.
func forward[Req any, Resp any](ctx context.Context, m *Multiplexer, target Target, backendMethod string, req *Req) (*Resp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MuxRequestDuration, backendMethod)

	if err := resolveTarget(target); err != nil {
		metrics.MuxRequestsTotal.WithLabelValues(backendMethod, status.Code(err).String()).Inc()
		return nil, err
	}

	conn, err := m.pool.GetConn(ctx, target.InstanceName)
	if err != nil {
		grpcErr := apierrors.ToStatus(err)
		metrics.MuxRequestsTotal.WithLabelValues(backendMethod, status.Code(grpcErr).String()).Inc()
		return nil, grpcErr
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	resp := new(Resp)
	err = conn.Invoke(callCtx, backendMethod, req, resp)
	metrics.MuxRequestsTotal.WithLabelValues(backendMethod, status.Code(err).String()).Inc()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func unaryMethod[Req any, Resp any](name, backendMethod string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			m := srv.(*Multiplexer)
			var env envelope[Req]
			if err := dec(&env); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return forward[Req, Resp](ctx, m, env.Target, backendMethod, &env.Request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
				return forward[Req, Resp](ctx, m, env.Target, backendMethod, &env.Request)
			}
			return interceptor(ctx, &env, info, handler)
		},
	}
}

const bridgeBufferSize = 8

func streamMethod[Req any, Resp any](name, backendMethod string) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return bridgeStream[Req, Resp](srv.(*Multiplexer), stream, backendMethod)
		},
		ServerStreams: true,
		ClientStreams: true,
	}
}

// bridgeStream resolves the target from the stream's first message and
// relays every subsequent message to and from the backend's stream through
// bounded channels, so a slow backend applies back-pressure to the client
// rather than the multiplexer buffering unboundedly. The first message on
// the client stream establishes the target; any later message naming a
// different target is rejected without tearing down the whole process.
func bridgeStream[Req any, Resp any](m *Multiplexer, stream grpc.ServerStream, backendMethod string) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var first envelope[Req]
	if err := stream.RecvMsg(&first); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := resolveTarget(first.Target); err != nil {
		return err
	}
	target := first.Target.InstanceName

	conn, err := m.pool.GetConn(ctx, target)
	if err != nil {
		return apierrors.ToStatus(err)
	}

	backendStream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: backendMethod, ServerStreams: true, ClientStreams: true}, backendMethod)
	if err != nil {
		return err
	}
	if err := backendStream.SendMsg(&first.Request); err != nil {
		return err
	}

	toBackend := make(chan *Req, bridgeBufferSize)
	fromBackend := make(chan *Resp, bridgeBufferSize)
	errCh := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	go func() {
		for {
			var env envelope[Req]
			if err := stream.RecvMsg(&env); err != nil {
				if err != io.EOF {
					reportErr(err)
				} else {
					cancel()
				}
				return
			}
			if env.Target.InstanceName != target {
				reportErr(status.Error(codes.InvalidArgument, "target changed mid-stream"))
				return
			}
			select {
			case toBackend <- &env.Request:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case req, ok := <-toBackend:
				if !ok {
					return
				}
				if err := backendStream.SendMsg(req); err != nil {
					reportErr(err)
					return
				}
			case <-ctx.Done():
				_ = backendStream.CloseSend()
				return
			}
		}
	}()

	go func() {
		for {
			resp := new(Resp)
			if err := backendStream.RecvMsg(resp); err != nil {
				if err != io.EOF {
					reportErr(err)
				} else {
					cancel()
				}
				return
			}
			select {
			case fromBackend <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case resp := <-fromBackend:
			if err := stream.SendMsg(resp); err != nil {
				reportErr(err)
			}
		case <-ctx.Done():
			select {
			case err := <-errCh:
				return err
			default:
				return nil
			}
		}
	}
}

// handleListTargets answers the reflection-style introspection RPC with
// every worker name currently registered, regardless of runtime status.
// Unlike the other methods it never touches a backend connection, so it
// bypasses forward entirely.
func (m *Multiplexer) handleListTargets(context.Context, *ListTargetsRequest) (*ListTargetsResponse, error) {
	return &ListTargetsResponse{Names: m.pool.Targets()}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Metadata:    "mux/server.go",
	Methods: []grpc.MethodDesc{
		unaryMethod[InfoRequest, InfoResponse]("Info", "/tei.v1.Info/Info"),
		unaryMethod[EmbedRequest, EmbedResponse]("Embed", "/tei.v1.Embed/Embed"),
		unaryMethod[EmbedSparseRequest, EmbedSparseResponse]("EmbedSparse", "/tei.v1.Embed/EmbedSparse"),
		unaryMethod[EmbedAllRequest, EmbedAllResponse]("EmbedAll", "/tei.v1.Embed/EmbedAll"),
		unaryMethod[PredictRequest, PredictResponse]("Predict", "/tei.v1.Predict/Predict"),
		unaryMethod[PredictPairRequest, PredictPairResponse]("PredictPair", "/tei.v1.Predict/PredictPair"),
		unaryMethod[RerankRequest, RerankResponse]("Rerank", "/tei.v1.Rerank/Rerank"),
		unaryMethod[TokenizeRequest, TokenizeResponse]("Tokenize", "/tei.v1.Tokenize/Tokenize"),
		unaryMethod[DecodeRequest, DecodeResponse]("Decode", "/tei.v1.Tokenize/Decode"),
		{
			MethodName: "ListTargets",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				m := srv.(*Multiplexer)
				var req ListTargetsRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return m.handleListTargets(ctx, &req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "ListTargets"}
				handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
					return m.handleListTargets(ctx, &req)
				}
				return interceptor(ctx, &req, info, handler)
			},
		},
		{
			MethodName: "EmbedArrow",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				m := srv.(*Multiplexer)
				var env envelope[EmbedArrowRequest]
				if err := dec(&env); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
					return m.handleEmbedArrow(ctx, env.Target, &env.Request)
				}
				if interceptor == nil {
					return handler(ctx, nil)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "EmbedArrow"}
				return interceptor(ctx, &env, info, handler)
			},
		},
		{
			MethodName: "EmbedSparseArrow",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				m := srv.(*Multiplexer)
				var env envelope[EmbedSparseArrowRequest]
				if err := dec(&env); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
					return m.handleEmbedSparseArrow(ctx, env.Target, &env.Request)
				}
				if interceptor == nil {
					return handler(ctx, nil)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "EmbedSparseArrow"}
				return interceptor(ctx, &env, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		streamMethod[EmbedRequest, EmbedResponse]("EmbedStream", "/tei.v1.Embed/Embed"),
		streamMethod[EmbedSparseRequest, EmbedSparseResponse]("EmbedSparseStream", "/tei.v1.Embed/EmbedSparse"),
		streamMethod[EmbedAllRequest, EmbedAllResponse]("EmbedAllStream", "/tei.v1.Embed/EmbedAll"),
		streamMethod[PredictRequest, PredictResponse]("PredictStream", "/tei.v1.Predict/Predict"),
		streamMethod[PredictPairRequest, PredictPairResponse]("PredictPairStream", "/tei.v1.Predict/PredictPair"),
		streamMethod[RerankRequest, RerankResponse]("RerankStream", "/tei.v1.Rerank/Rerank"),
		streamMethod[TokenizeRequest, TokenizeResponse]("TokenizeStream", "/tei.v1.Tokenize/Tokenize"),
		streamMethod[DecodeRequest, DecodeResponse]("DecodeStream", "/tei.v1.Tokenize/Decode"),
		streamMethod[InfoRequest, InfoResponse]("InfoStream", "/tei.v1.Info/Info"),
	},
}
