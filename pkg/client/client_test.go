package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, state string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/base/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","state":"` + state + `"}`))
	})
	mux.HandleFunc("/base/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if state != "SERVING" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(`{"status":"x","state":"` + state + `"}`))
	})
	mux.HandleFunc("/base/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"run_id":"r1","state":"` + state + `","probe_attempts":4,"child":{"name":"server","pid":42,"running":true}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReadyWhileServing(t *testing.T) {
	srv := statusServer(t, "SERVING")
	c := New(Config{BaseURL: srv.URL + "/base/"})
	assert.NoError(t, c.Healthy(context.Background()))
	assert.NoError(t, c.Ready(context.Background()))
}

func TestNotReadyBeforeServing(t *testing.T) {
	srv := statusServer(t, "MIGRATING")
	c := New(Config{BaseURL: srv.URL + "/base"})
	assert.NoError(t, c.Healthy(context.Background()))

	err := c.Ready(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "MIGRATING", se.State)
	assert.Contains(t, err.Error(), "state MIGRATING")
}

func TestStatus(t *testing.T) {
	srv := statusServer(t, "SERVING")
	c := New(Config{BaseURL: srv.URL + "/base"})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", st.RunID)
	assert.Equal(t, 4, st.ProbeAttempts)
	require.NotNil(t, st.Child)
	assert.Equal(t, 42, st.Child.PID)
}

func TestStatusNotFound(t *testing.T) {
	srv := statusServer(t, "SERVING")
	c := New(Config{BaseURL: srv.URL})
	_, err := c.Status(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestUnreachable(t *testing.T) {
	srv := statusServer(t, "SERVING")
	url := srv.URL
	srv.Close()
	c := New(Config{BaseURL: url})
	assert.Error(t, c.Healthy(context.Background()))
}

func TestBaseURLFromAddr(t *testing.T) {
	cases := []struct{ addr, base, want string }{
		{":9100", "", "http://127.0.0.1:9100"},
		{"0.0.0.0:9100", "/_entrypoint/", "http://127.0.0.1:9100/_entrypoint"},
		{"10.0.0.5:9100", "ops", "http://10.0.0.5:9100/ops"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BaseURLFromAddr(c.addr, c.base))
	}
}
