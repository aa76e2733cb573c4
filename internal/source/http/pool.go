package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lsm/lineflow/internal/source"
)

// ServerPool runs one HTTP server per listen address. Flows sharing an
// address get a path each on the same server.
type ServerPool struct {
	logger *slog.Logger
	ready  chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	servers map[string]*poolServer
}

type poolServer struct {
	mux   *http.ServeMux
	paths map[string]bool

	mu  sync.Mutex
	lis net.Listener
	srv *http.Server
}

var errNotStarted = errors.New("http source not started")

// PooledSource is the source of one flow on a ServerPool. Its route exists
// from construction on; streams arriving before Start are refused.
type PooledSource struct {
	path    string
	handler atomic.Pointer[source.Handler]
}

func NewPooledSource(pool *ServerPool, cfg Config) (*PooledSource, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("HTTP listen address is required")
	}
	s := &PooledSource{path: routePath(cfg.Path)}
	if err := pool.Register(cfg.ListenAddr, s.path, cfg.ChunkSize, s.dispatch); err != nil {
		return nil, fmt.Errorf("register with pool: %w", err)
	}
	return s, nil
}

func (s *PooledSource) dispatch(ctx context.Context, c source.Chunk) error {
	if h := s.handler.Load(); h != nil {
		return (*h)(ctx, c)
	}
	return errNotStarted
}

// Start routes streams to handler until ctx is done. Serving is left to the
// pool.
func (s *PooledSource) Start(ctx context.Context, handler func(context.Context, source.Chunk) error) error {
	h := source.Handler(handler)
	s.handler.Store(&h)
	defer s.handler.Store(nil)
	<-ctx.Done()
	return ctx.Err()
}

func (s *PooledSource) Close() error { return nil }

func routePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func NewServerPool(logger *slog.Logger) *ServerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerPool{logger: logger, ready: make(chan struct{}), servers: make(map[string]*poolServer)}
}

// Register mounts handler at path on the server for addr.
func (p *ServerPool) Register(addr, path string, chunkSize int, handler func(context.Context, source.Chunk) error) error {
	if addr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	path = routePath(path)

	p.mu.Lock()
	defer p.mu.Unlock()
	srv := p.servers[addr]
	if srv == nil {
		srv = &poolServer{mux: http.NewServeMux(), paths: make(map[string]bool)}
		p.servers[addr] = srv
	}
	if srv.paths[path] {
		return fmt.Errorf("path %q already registered on %s", path, addr)
	}
	srv.paths[path] = true
	srv.mux.Handle(path, streamHandler(handler, chunkSize, p.logger.With("path", path)))
	return nil
}

// Start binds every server, then serves until ctx is done or one of them
// fails. WaitReady returns once binding has been attempted.
func (p *ServerPool) Start(ctx context.Context) error {
	p.mu.RLock()
	servers := make(map[string]*poolServer, len(p.servers))
	for addr, srv := range p.servers {
		servers[addr] = srv
	}
	p.mu.RUnlock()

	for addr, srv := range servers {
		if err := srv.listen(addr); err != nil {
			p.once.Do(func() { close(p.ready) })
			_ = p.Close()
			return err
		}
	}
	p.once.Do(func() { close(p.ready) })

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		hs, lis := srv.srv, srv.lis
		p.logger.Info("http pool server starting", "addr", lis.Addr().String(), "routes", len(srv.paths))
		g.Go(func() error {
			if err := hs.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return p.Close()
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *ServerPool) WaitReady() { <-p.ready }

// ListenAddr returns the address the server for addr is bound to, or ""
// before Start.
func (p *ServerPool) ListenAddr(addr string) string {
	p.mu.RLock()
	srv := p.servers[addr]
	p.mu.RUnlock()
	if srv == nil {
		return ""
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lis == nil {
		return ""
	}
	return srv.lis.Addr().String()
}

func (p *ServerPool) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var errs []error
	for addr, srv := range p.servers {
		if err := srv.shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("close server %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (p *ServerPool) ServerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.servers)
}

func (p *ServerPool) RouteCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, srv := range p.servers {
		n += len(srv.paths)
	}
	return n
}

func (s *poolServer) listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.lis, s.srv = lis, &http.Server{Handler: s.mux}
	return nil
}

func (s *poolServer) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(context.Background())
	_ = s.lis.Close()
	s.srv = nil
	return err
}
