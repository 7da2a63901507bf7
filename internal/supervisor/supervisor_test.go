package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type mockServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
	started   chan struct{}
}

func newMockServer() *mockServer {
	return &mockServer{stop: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (m *mockServer) ListenAndServe() error {
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	close(m.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newMockServer()
	svc := NewHTTPService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Fatalf("expected one shutdown, got %d", srv.shutdowns.Load())
	}
}

func TestHTTPServiceReportsListenError(t *testing.T) {
	srv := newMockServer()
	srv.listenErr = errors.New("address in use")
	err := NewHTTPService(srv, time.Second).Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

type countingService struct{ runs atomic.Int32 }

func (c *countingService) Serve(ctx context.Context) error {
	c.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := NewTree(logger, TreeConfig{ShutdownTimeout: time.Second})
	api, feed := &countingService{}, &countingService{}
	tree.AddAPIService(api)
	tree.AddFeedService(feed)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for (api.runs.Load() == 0 || feed.runs.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if api.runs.Load() != 1 || feed.runs.Load() != 1 {
		t.Fatalf("services not started: api=%d feed=%d", api.runs.Load(), feed.runs.Load())
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}
