package metrics

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHTTPServer(t *testing.T) {
	InitRegistry()
	SetBuildInfo("1.2.3", "abc123", "2")

	srv := NewHTTPServer(HTTPConfig{Host: "127.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + srv.Addr().String()

	t.Run("MetricsIncludeBuildInfo", func(t *testing.T) {
		code, body := get(t, base+"/metrics")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `dittovcs_build_info{commit="abc123",protocol="2",version="1.2.3"} 1`)
		assert.Contains(t, body, "go_goroutines")
	})

	t.Run("HealthBeforeAttach", func(t *testing.T) {
		code, body := get(t, base+"/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, body, "starting")
	})

	t.Run("HealthFollowsServerState", func(t *testing.T) {
		var stopping atomic.Bool
		srv.SetHealth(func() (bool, string) {
			if stopping.Load() {
				return false, "stopping"
			}
			return true, "serving"
		})

		code, body := get(t, base+"/healthz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "serving\n", body)

		stopping.Store(true)
		code, body = get(t, base+"/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "stopping\n", body)
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("metrics endpoint did not stop")
	}
}
