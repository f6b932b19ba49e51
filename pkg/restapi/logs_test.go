package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/types"
)

func TestSliceBounds(t *testing.T) {
	cases := []struct {
		name        string
		n, start, end, lo, hi int
	}{
		{"full range", 10, 0, 10, 0, 10},
		{"negative start", 10, -3, 10, 7, 10},
		{"negative end", 10, 0, -2, 0, 8},
		{"clamped high", 10, 0, 100, 0, 10},
		{"clamped low", 10, -100, 5, 0, 5},
		{"inverted collapses", 10, 8, 2, 8, 8},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lo, hi := sliceBounds(c.n, c.start, c.end)
			assert.Equal(t, c.lo, lo)
			assert.Equal(t, c.hi, hi)
		})
	}
}

func TestHandleLogsReturnsRequestedRange(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	logPath := filepath.Join(t.TempDir(), "worker.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\nfour\nfive\n"), 0o644))

	_, err := reg.Add(types.WorkerConfig{Name: "logtest", ModelID: "model", Port: 20090})
	require.NoError(t, err)
	require.NoError(t, reg.MutateRuntime("logtest", func(rt *types.WorkerRuntime) {
		rt.LogSink = logPath
	}))

	resp, err := http.Get(ts.URL + "/instances/logtest/logs?start=-2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body logsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"four", "five"}, body.Lines)
}

func TestHandleLogsMissingSinkReturnsEmpty(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, err := reg.Add(types.WorkerConfig{Name: "nosink", ModelID: "model", Port: 20091})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/instances/nosink/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body logsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Lines)
}
