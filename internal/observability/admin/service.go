package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rtsup "cleanupd/internal/runtime/supervisor"
	logx "cleanupd/pkg/logx"
)

// Config controls the listener. Address policy (loopback unless allowed) is
// enforced by the config layer.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service runs the admin server under a restart loop.
type Service struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	srv   *http.Server
	addr  string
	ready chan struct{}
}

func New(cfg Config, ctrl Controller, g prometheus.Gatherer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Service{cfg: cfg, handler: Router(ctrl, g), log: log, ready: make(chan struct{})}
}

// Start is idempotent. It returns once the serve loop is launched; use Addr
// to wait for the bound address.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("admin.http", rtsup.Restart{MinBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}, s.serveOnce)
}

// Addr blocks until the listener is bound (or ctx is done) and returns it.
func (s *Service) Addr(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr, nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("admin stop incomplete", logx.Err(err))
	}
	s.log.Info("admin stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	first := s.addr == ""
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	if first {
		close(s.ready)
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
