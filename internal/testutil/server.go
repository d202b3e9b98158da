package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

// TestServer runs the API over a real listener so integration tests
// exercise the full middleware chain, including decompression and rate
// limiting, with real HTTP requests.
type TestServer struct {
	Server *http.Server
	URL    string
	Env    *TestEnvironment
}

// StartTestServer serves the handler on a random loopback port and shuts
// it down when the test finishes. Blocks until /health answers.
func StartTestServer(t *testing.T, env *TestEnvironment, handler http.Handler) *TestServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	ts := &TestServer{
		Server: &http.Server{
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		URL: fmt.Sprintf("http://%s", listener.Addr()),
		Env: env,
	}

	go func() {
		if err := ts.Server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.Logf("test server error: %v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Server.Shutdown(ctx); err != nil {
			t.Logf("warning: server shutdown error: %v", err)
		}
	})

	if err := ts.waitReady(5 * time.Second); err != nil {
		t.Fatalf("server failed to start: %v", err)
	}
	return ts
}

func (ts *TestServer) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 100 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(ts.URL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}
