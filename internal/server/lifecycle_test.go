package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	serveErr error
	stop     chan struct{}
	once     sync.Once
	log      *[]string
	mu       *sync.Mutex
}

func newFake(name string, log *[]string, mu *sync.Mutex) *fakeComponent {
	return &fakeComponent{name: name, stop: make(chan struct{}), log: log, mu: mu}
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Serve() error {
	if f.serveErr != nil {
		return f.serveErr
	}
	<-f.stop
	return nil
}

func (f *fakeComponent) Shutdown(context.Context) error {
	f.record("stop " + f.name)
	f.once.Do(func() { close(f.stop) })
	return nil
}

func (f *fakeComponent) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.log = append(*f.log, s)
}

func TestRunShutsDownInOrder(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	l := New(Config{})
	l.Add(newFake("http", &events, &mu))
	l.Add(newFake("grpc", &events, &mu))
	l.RegisterCloser("catalog", CloserFunc(func() error { record("close catalog"); return nil }))
	l.RegisterCloser("storage", CloserFunc(func() error { record("close storage"); return nil }))
	l.OnDrain(func() { record("drain") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"drain", "stop grpc", "stop http", "close storage", "close catalog"}, events)
	assert.True(t, l.Draining())
}

func TestRunReturnsComponentError(t *testing.T) {
	var mu sync.Mutex
	var events []string
	bad := newFake("http", &events, &mu)
	bad.serveErr = errors.New("address in use")

	l := New(Config{})
	l.Add(bad)
	l.Add(newFake("grpc", &events, &mu))

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http: address in use")
}

func TestTrackAndDrainTimeout(t *testing.T) {
	l := New(Config{DrainTimeout: 50 * time.Millisecond})
	done, ok := l.Track()
	require.True(t, ok)
	assert.Equal(t, int64(1), l.InFlight())

	err := l.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight jobs")

	_, ok = l.Track()
	assert.False(t, ok)

	done()
	done()
	assert.Equal(t, int64(0), l.InFlight())

	// Later calls return the first result.
	assert.Equal(t, err, l.Shutdown(context.Background(), "again"))
}

func TestDrainWaitsForJobs(t *testing.T) {
	l := New(Config{DrainTimeout: 5 * time.Second})
	done, ok := l.Track()
	require.True(t, ok)
	go func() {
		time.Sleep(30 * time.Millisecond)
		done()
	}()
	require.NoError(t, l.Shutdown(context.Background(), "test"))
	assert.Equal(t, int64(0), l.InFlight())
}

func TestMiddleware(t *testing.T) {
	l := New(Config{})
	var seen int64
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = l.InFlight()
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(1), seen)
	assert.Equal(t, int64(0), l.InFlight())

	require.NoError(t, l.Shutdown(context.Background(), "test"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestHTTPServerComponent(t *testing.T) {
	srv := NewHTTPServer("api", &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	assert.Equal(t, "api", srv.Name())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
