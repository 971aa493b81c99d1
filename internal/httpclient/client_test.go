package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDo_StatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test/1.0"})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "bad" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func TestDo_UserAgentApplied(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "websub-hub/1.0 (go)"})
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUA != "websub-hub/1.0 (go)" {
		t.Fatalf("expected configured user agent, got %q", gotUA)
	}
}

func TestDo_PinnedClientDoesNotFollowRedirects(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 surfaced, got %d", resp.StatusCode)
	}
	if hits != 1 {
		t.Fatalf("redirect should not be followed, got %d hits", hits)
	}
}

func TestDo_RedirectingClientFollows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Do(context.Background(), Request{
		Method:          http.MethodGet,
		URL:             srv.URL + "/start",
		FollowRedirects: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "landed" {
		t.Fatalf("expected followed redirect, got %d %q", resp.StatusCode, resp.Body)
	}
}

type flakyTransport struct {
	failures int
	calls    int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	rec := httptest.NewRecorder()
	rec.WriteString("ok")
	return rec.Result(), nil
}

func TestDo_RetriesTransportErrors(t *testing.T) {
	var retried int
	transport := &flakyTransport{failures: 2}
	c := New(Config{
		Transport: transport,
		BeforeRetry: func(attempt int, url string, err error) {
			retried++
		},
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "http://hub.invalid/topic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual success, got %d", resp.StatusCode)
	}
	if transport.calls != 3 || retried != 2 {
		t.Fatalf("expected 3 attempts with 2 retries, got %d/%d", transport.calls, retried)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	transport := &flakyTransport{failures: 99}
	c := New(Config{Transport: transport, MaxAttempts: 2, BeforeRetry: func(int, string, error) {}})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "http://hub.invalid/topic"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if transport.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", transport.calls)
	}
}

func TestDo_CancelledContextNotRetried(t *testing.T) {
	transport := &flakyTransport{failures: 99}
	c := New(Config{Transport: transport, BeforeRetry: func(int, string, error) {}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: "http://hub.invalid/topic"})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled request should fail fast")
	}
}
