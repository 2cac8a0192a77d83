package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"masterd/internal/config"
	"masterd/internal/supervisor"
	"masterd/internal/utils"
)

const (
	// defaultQueueSize matches the classic listen backlog of 100.
	defaultQueueSize = 100
	// queuePollInterval is the backstop for waiters: freshly spawned workers
	// add capacity without a release event, so parked requests re-check on
	// this cadence.
	queuePollInterval  = 100 * time.Millisecond
	proxyFlushInterval = 100 * time.Millisecond
	workerDialTimeout  = 2 * time.Second
)

var errQueueFull = errors.New("listen queue full")

// forwardedHeaders are collapsed to their last element before any handling,
// so only the nearest proxy hop is trusted.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Server"}

type targetKey struct{}

// Gateway is the HTTP front of the master: it binds the configured sockets,
// serves static maps from disk, and reverse-proxies everything else to idle
// pool workers, queueing requests when the pool is saturated.
type Gateway struct {
	cfg  *config.Settings
	pool *supervisor.Pool
	log  *zap.Logger

	// QueueSize bounds how many requests may wait for a worker.
	QueueSize int

	statics []config.StaticMap
	proxy   *httputil.ReverseProxy
	queue   *listenQueue

	mu       sync.Mutex
	servers  []*http.Server
	httpAddr string

	requests     atomic.Int64
	upstreamErrs atomic.Int64
	rejected     atomic.Int64
}

// Stats is the gateway's contribution to the status snapshot.
type Stats struct {
	Requests       int64
	UpstreamErrors int64
	QueueRejected  int64
	QueueDepth     int
}

func New(cfg *config.Settings, pool *supervisor.Pool) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		pool:      pool,
		log:       utils.WithComponent("gateway"),
		QueueSize: defaultQueueSize,
		queue:     &listenQueue{},
	}

	g.statics = append(g.statics, cfg.StaticMaps...)
	sort.Slice(g.statics, func(i, j int) bool {
		return len(g.statics[i].Mount) > len(g.statics[j].Mount)
	})

	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if target, ok := pr.In.Context().Value(targetKey{}).(*url.URL); ok {
				pr.SetURL(target)
			}
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: workerDialTimeout}).DialContext,
			MaxIdleConnsPerHost: 4,
			DisableCompression:  true,
		},
		FlushInterval: proxyFlushInterval,
		ErrorHandler:  g.proxyError,
		ErrorLog:      g.httpErrorLog(),
	}
	return g
}

// httpErrorLog routes net/http's internal complaints through zap. Client
// write noise drops to debug when the config asks to ignore it.
func (g *Gateway) httpErrorLog() *log.Logger {
	lvl := zapcore.WarnLevel
	if g.cfg.IgnoreWriteErrors || g.cfg.IgnoreSigpipe {
		lvl = zapcore.DebugLevel
	}
	l, err := zap.NewStdLogAt(g.log, lvl)
	if err != nil {
		return zap.NewStdLog(g.log)
	}
	return l
}

// Start binds http-socket and, when configured, the second socket, and begins
// serving on both. A socket value containing a slash is bound as a unix
// socket, anything else as host:port.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.HTTPSocket)
	if err != nil {
		return fmt.Errorf("bind http-socket %s: %w", g.cfg.HTTPSocket, err)
	}
	g.httpAddr = ln.Addr().String()
	g.serveOn(ln)
	g.log.Info("http socket bound", zap.String(utils.FieldAddr, g.httpAddr))

	if g.cfg.Socket != "" {
		network := "tcp"
		if strings.Contains(g.cfg.Socket, "/") {
			network = "unix"
			// a stale socket file from a previous run blocks the bind
			if err := os.Remove(g.cfg.Socket); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale socket %s: %w", g.cfg.Socket, err)
			}
		}
		sln, err := net.Listen(network, g.cfg.Socket)
		if err != nil {
			return fmt.Errorf("bind socket %s: %w", g.cfg.Socket, err)
		}
		g.serveOn(sln)
		g.log.Info("socket bound", zap.String(utils.FieldAddr, g.cfg.Socket))
	}
	return nil
}

func (g *Gateway) serveOn(ln net.Listener) {
	srv := &http.Server{
		Handler:        g,
		MaxHeaderBytes: g.cfg.BufferSize,
		ErrorLog:       g.httpErrorLog(),
	}
	g.mu.Lock()
	g.servers = append(g.servers, srv)
	g.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("gateway serve failed", zap.Error(err))
		}
	}()
}

// Addr is the bound http-socket address, useful when the config asked for
// port 0.
func (g *Gateway) Addr() string {
	return g.httpAddr
}

// QueueDepth reports how many requests are parked waiting for a worker. The
// supervisor reads it for the backlog alert.
func (g *Gateway) QueueDepth() int {
	return g.queue.depth()
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Requests:       g.requests.Load(),
		UpstreamErrors: g.upstreamErrs.Load(),
		QueueRejected:  g.rejected.Load(),
		QueueDepth:     g.queue.depth(),
	}
}

// Shutdown stops accepting connections and waits for in-flight requests, up
// to the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	servers := make([]*http.Server, len(g.servers))
	copy(servers, g.servers)
	g.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	collapseForwarded(r.Header)

	for _, m := range g.statics {
		if matchMount(r.URL.Path, m.Mount) {
			g.serveStatic(w, r, m)
			return
		}
	}
	g.proxyRequest(w, r)
}

// collapseForwarded reduces each proxy header to its last (nearest-hop)
// element.
func collapseForwarded(h http.Header) {
	for _, name := range forwardedHeaders {
		vals := h.Values(name)
		if len(vals) == 0 {
			continue
		}
		parts := strings.Split(strings.Join(vals, ","), ",")
		last := strings.TrimSpace(parts[len(parts)-1])
		if last == "" {
			h.Del(name)
			continue
		}
		h.Set(name, last)
	}
}

func matchMount(reqPath, mount string) bool {
	if mount == "/" {
		return true
	}
	mount = strings.TrimSuffix(mount, "/")
	if mount == "" {
		return false
	}
	return reqPath == mount || strings.HasPrefix(reqPath, mount+"/")
}

// serveStatic maps the request path under the mount onto the configured
// directory. Directories are not listed.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request, m config.StaticMap) {
	rel := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(m.Mount, "/"))
	full := filepath.Join(m.Dir, filepath.FromSlash(path.Clean("/"+rel)))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}

func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request) {
	if g.cfg.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodySize)
	}

	worker, token, err := g.acquire(r.Context())
	if err != nil {
		if errors.Is(err, errQueueFull) {
			g.rejected.Add(1)
			g.log.Warn("listen queue full", zap.String(utils.FieldPath, r.URL.Path))
		}
		http.Error(w, "no worker available", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		worker.EndRequest(token)
		g.queue.signal()
	}()
	g.requests.Add(1)

	target := &url.URL{Scheme: "http", Host: worker.Addr()}
	ctx := context.WithValue(r.Context(), targetKey{}, target)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// acquire claims an idle worker, parking in the listen queue when the pool is
// saturated. Waiters are woken oldest-first as requests finish; the poll
// ticker catches capacity added by scaling.
func (g *Gateway) acquire(ctx context.Context) (*supervisor.Worker, uint64, error) {
	if w, token, ok := g.pool.AcquireIdle(); ok {
		return w, token, nil
	}

	me, ok := g.queue.join(g.QueueSize)
	if !ok {
		return nil, 0, errQueueFull
	}
	defer g.queue.leave(me)

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-me:
			if w, token, ok := g.pool.AcquireIdle(); ok {
				return w, token, nil
			}
			g.queue.rejoin(me)
		case <-ticker.C:
			if w, token, ok := g.pool.AcquireIdle(); ok {
				return w, token, nil
			}
		}
	}
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if clientGone(err) {
		if !g.cfg.IgnoreWriteErrors && !g.cfg.IgnoreSigpipe {
			g.log.Warn("client went away",
				zap.String(utils.FieldPath, r.URL.Path),
				zap.Error(err))
		}
		return
	}
	g.upstreamErrs.Add(1)
	g.log.Error("worker request failed",
		zap.String(utils.FieldPath, r.URL.Path),
		zap.Error(err))
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func clientGone(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
