package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterd/internal/config"
	"masterd/internal/supervisor"
)

func newTestGateway(t *testing.T, cfg *config.Settings) (*Gateway, *supervisor.Pool) {
	t.Helper()
	pool := supervisor.NewPool(cfg)
	require.NoError(t, pool.Boot(context.Background()))
	t.Cleanup(func() { pool.StopAll(false) })

	g := New(cfg, pool)
	require.NoError(t, g.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g, pool
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestGateway_ProxiesToWorker(t *testing.T) {
	g, _ := newTestGateway(t, testSettings())

	resp, body := get(t, "http://"+g.Addr()+"/hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "worker=1")
	assert.Contains(t, body, "path=/hello")
	assert.Contains(t, body, "host="+g.Addr())
	assert.Equal(t, int64(1), g.Stats().Requests)
}

func TestGateway_ForwardedForKeepsNearestHop(t *testing.T) {
	g, _ := newTestGateway(t, testSettings())

	req, err := http.NewRequest(http.MethodGet, "http://"+g.Addr()+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// only the nearest hop survives, then the proxy appends the client
	assert.Contains(t, string(body), `xff="10.0.0.2, 127.0.0.1"`)
}

func TestGateway_ServesStaticMap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.css"), []byte("body{margin:0}"), 0o644))

	cfg := testSettings()
	cfg.StaticMaps = []config.StaticMap{{Mount: "/assets", Dir: dir}}
	g, _ := newTestGateway(t, cfg)
	base := "http://" + g.Addr()

	resp, body := get(t, base+"/assets/app.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{margin:0}", body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")

	resp, _ = get(t, base+"/assets/missing.css")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// directories are never listed
	resp, _ = get(t, base+"/assets/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// prefix match stops at path boundaries
	resp, body = get(t, base+"/assetsextra")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "worker=")
}

func TestGateway_BodyCap(t *testing.T) {
	cfg := testSettings()
	cfg.MaxBodySize = 16
	g, _ := newTestGateway(t, cfg)
	base := "http://" + g.Addr()

	resp, err := http.Post(base+"/upload", "text/plain", strings.NewReader("under limit"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/upload", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestGateway_QueuesWhenSaturated(t *testing.T) {
	g, pool := newTestGateway(t, testSettings())
	base := "http://" + g.Addr()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Get(base + "/slow?ms=500")
		if err == nil {
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool {
		workers := pool.InRotation()
		return len(workers) == 1 && workers[0].Busy()
	}, 2*time.Second, 10*time.Millisecond, "slow request never claimed the worker")

	start := time.Now()
	queued := make(chan string, 1)
	go func() {
		resp, err := http.Get(base + "/fast")
		if err != nil {
			queued <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		queued <- string(b)
	}()
	require.Eventually(t, func() bool { return g.QueueDepth() == 1 }, 2*time.Second, 10*time.Millisecond)

	body := <-queued
	assert.Contains(t, body, "path=/fast")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "queued request should wait for the slow one")
	wg.Wait()
	assert.Zero(t, g.QueueDepth())
}

func TestGateway_QueueFullRejects(t *testing.T) {
	g, pool := newTestGateway(t, testSettings())
	g.QueueSize = 1
	base := "http://" + g.Addr()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Get(base + "/slow?ms=600")
		if err == nil {
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool {
		workers := pool.InRotation()
		return len(workers) == 1 && workers[0].Busy()
	}, 2*time.Second, 10*time.Millisecond)

	parked := make(chan string, 1)
	go func() {
		resp, err := http.Get(base + "/parked")
		if err != nil {
			parked <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		parked <- string(b)
	}()
	require.Eventually(t, func() bool { return g.QueueDepth() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, body := get(t, base+"/overflow")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "no worker available")
	assert.Equal(t, int64(1), g.Stats().QueueRejected)

	assert.Contains(t, <-parked, "path=/parked")
	wg.Wait()
}

func TestGateway_DeadWorkerBadGateway(t *testing.T) {
	g, pool := newTestGateway(t, testSettings())
	w := pool.InRotation()[0]
	require.NoError(t, syscall.Kill(w.Pid(), syscall.SIGKILL))
	<-w.Done()

	resp, body := get(t, "http://"+g.Addr()+"/x")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "bad gateway")
	assert.Equal(t, int64(1), g.Stats().UpstreamErrors)
}

func TestGateway_UnixSocket(t *testing.T) {
	cfg := testSettings()
	cfg.Socket = filepath.Join(t.TempDir(), "masterd.sock")
	newTestGateway(t, cfg)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", cfg.Socket)
		},
	}}
	resp, err := client.Get("http://masterd/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "path=/ping")
}

func TestCollapseForwarded(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2, 10.0.0.3")
	h.Add("X-Forwarded-Host", "a.example")
	h.Add("X-Forwarded-Host", "b.example")
	h.Set("X-Forwarded-Server", "  ")

	collapseForwarded(h)
	assert.Equal(t, "10.0.0.3", h.Get("X-Forwarded-For"))
	assert.Equal(t, []string{"b.example"}, h.Values("X-Forwarded-Host"))
	assert.Empty(t, h.Values("X-Forwarded-Server"))
}

func TestMatchMount(t *testing.T) {
	tests := []struct {
		path  string
		mount string
		want  bool
	}{
		{"/assets/app.css", "/assets", true},
		{"/assets", "/assets", true},
		{"/assets/app.css", "/assets/", true},
		{"/assetsextra", "/assets", false},
		{"/anything", "/", true},
		{"/anything", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchMount(tt.path, tt.mount), "path %q mount %q", tt.path, tt.mount)
	}
}
