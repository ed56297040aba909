// Package server runs the schemaflow listeners and shuts them down in order:
// stop accepting work, drain in-flight jobs, stop listeners, close resources.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Component is a long running listener.
type Component interface {
	Name() string
	// Serve blocks until the component stops. A clean stop returns nil.
	Serve() error
	// Shutdown stops the component, waiting for open work until ctx expires.
	Shutdown(ctx context.Context) error
}

// Config holds lifecycle timeouts.
type Config struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds.
	ShutdownTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight jobs. Default: 15 seconds.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default lifecycle configuration.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Lifecycle coordinates components, in-flight tracking and cleanup.
type Lifecycle struct {
	cfg Config

	inFlight atomic.Int64
	draining atomic.Bool
	once     sync.Once
	err      error

	mu         sync.Mutex
	components []Component
	closers    []namedCloser
	onDrain    []func()
}

// New creates a lifecycle. Zero timeouts select the defaults.
func New(cfg Config) *Lifecycle {
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Lifecycle{cfg: cfg}
}

// Add registers a component started by Run.
func (l *Lifecycle) Add(c Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components = append(l.components, c)
}

// RegisterCloser adds a resource closed after every component stopped.
// Closers run in reverse order of registration.
func (l *Lifecycle) RegisterCloser(name string, c io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, namedCloser{name: name, c: c})
}

// OnDrain registers a callback run when shutdown begins.
func (l *Lifecycle) OnDrain(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDrain = append(l.onDrain, fn)
}

// Run starts every component and blocks until ctx is canceled, SIGINT or
// SIGTERM arrives, or a component fails. It then shuts down and returns the
// first component or shutdown error.
func (l *Lifecycle) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.mu.Lock()
	components := append([]Component(nil), l.components...)
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		c := c
		g.Go(func() error {
			log.Info().Str("component", c.Name()).Msg("server: starting")
			if err := c.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		reason := "context canceled"
		if ctx.Err() == nil {
			reason = "component failed"
		}
		return l.Shutdown(context.Background(), reason)
	})
	return g.Wait()
}

// Shutdown stops accepting work, drains in-flight jobs, stops the components
// in reverse order and closes the registered resources. Only the first call
// has an effect; later calls return its result.
func (l *Lifecycle) Shutdown(ctx context.Context, reason string) error {
	l.once.Do(func() {
		log.Info().Str("reason", reason).Msg("server: shutting down")
		l.draining.Store(true)

		l.mu.Lock()
		onDrain := append([]func(){}, l.onDrain...)
		components := append([]Component(nil), l.components...)
		closers := append([]namedCloser(nil), l.closers...)
		l.mu.Unlock()

		for _, fn := range onDrain {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
		defer cancel()

		if err := l.drain(ctx); err != nil {
			l.err = fmt.Errorf("drain failed: %w", err)
		}
		for i := len(components) - 1; i >= 0; i-- {
			if err := components[i].Shutdown(ctx); err != nil {
				log.Warn().Err(err).Str("component", components[i].Name()).Msg("server: shutdown failed")
				if l.err == nil {
					l.err = fmt.Errorf("%s: %w", components[i].Name(), err)
				}
			}
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				log.Warn().Err(err).Str("resource", closers[i].name).Msg("server: close failed")
				if l.err == nil {
					l.err = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
		log.Info().Msg("server: stopped")
	})
	return l.err
}

func (l *Lifecycle) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if n := l.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight jobs", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Track registers an in-flight job. It returns false once shutdown began;
// otherwise the returned function must be called when the job ends.
func (l *Lifecycle) Track() (func(), bool) {
	if l.draining.Load() {
		return nil, false
	}
	l.inFlight.Add(1)
	var once sync.Once
	return func() { once.Do(func() { l.inFlight.Add(-1) }) }, true
}

// Draining reports whether shutdown began.
func (l *Lifecycle) Draining() bool { return l.draining.Load() }

// InFlight returns the number of tracked jobs.
func (l *Lifecycle) InFlight() int64 { return l.inFlight.Load() }

// Middleware tracks requests as in-flight jobs and rejects new requests with
// 503 once shutdown began.
func (l *Lifecycle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done, ok := l.Track()
		if !ok {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"shutting down"}`+"\n")
			return
		}
		defer done()
		next.ServeHTTP(w, r)
	})
}

// HTTPServer adapts an http.Server to Component.
type HTTPServer struct {
	name string
	srv  *http.Server
}

// NewHTTPServer wraps srv.
func NewHTTPServer(name string, srv *http.Server) *HTTPServer {
	return &HTTPServer{name: name, srv: srv}
}

// Name identifies the server in logs.
func (h *HTTPServer) Name() string { return h.name }

// Serve listens on the server address.
func (h *HTTPServer) Serve() error {
	log.Info().Str("addr", h.srv.Addr).Str("component", h.name).Msg("server: http listening")
	return h.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
