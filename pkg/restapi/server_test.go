package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/registry"
	"github.com/nazq/tei-manager/pkg/types"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	restarted []string
	failOn   string
}

func (f *fakeLifecycle) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return apierrors.New(apierrors.Busy, "instance %q is busy", name)
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeLifecycle) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	return nil
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *fakeLifecycle) {
	t.Helper()
	reg := registry.New(registry.Options{
		InstancePortStart:   20080,
		InstancePortEnd:     20180,
		PrometheusPortStart: 20200,
	})
	t.Cleanup(reg.Close)

	lc := &fakeLifecycle{}
	srv := NewServer(Options{Addr: ":0", Registry: reg, Lifecycle: lc})
	return srv, reg, lc
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleCreateAndGetInstance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"alpha","model_id":"bge-small","max_batch_tokens":4096,"max_concurrent_requests":32}`
	resp, err := http.Post(ts.URL+"/instances/", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view types.WorkerView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "alpha", view.Config.Name)
	assert.Equal(t, types.StatusCreated, view.Runtime.Status)

	resp2, err := http.Get(ts.URL + "/instances/alpha/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHandleCreateInstanceInvalidBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/instances/", "application/json", bytes.NewBufferString(`{"name": "alpha"`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apierrors.InvalidConfig), body.Code)
}

func TestHandleGetInstanceNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/instances/missing/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStartStopRestartDelegatesToLifecycle(t *testing.T) {
	srv, reg, lc := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, err := reg.Add(types.WorkerConfig{Name: "beta", ModelID: "model", Port: 20081})
	require.NoError(t, err)

	for _, action := range []string{"start", "stop", "restart"} {
		resp, err := http.Post(ts.URL+"/instances/beta/"+action, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
	}

	assert.Equal(t, []string{"beta"}, lc.started)
	assert.Equal(t, []string{"beta"}, lc.stopped)
	assert.Equal(t, []string{"beta"}, lc.restarted)
}

func TestHandleDeleteInstance(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, err := reg.Add(types.WorkerConfig{Name: "gamma", ModelID: "model", Port: 20082})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/instances/gamma/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = reg.Get("gamma")
	assert.Error(t, err)
}

func TestHandleListInstances(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, err := reg.Add(types.WorkerConfig{Name: "delta", ModelID: "model", Port: 20083})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/instances/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var views []types.WorkerView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 1)
}
