package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(baseURL string) *Client {
	return New(Config{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		Model:          "test-model",
		TimeoutSeconds: 5,
		MaxAttempts:    3,
	}, discard())
}

func TestCompleteRoundTrip(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"  Olá! Como posso ajudar?  "}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	text, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "oi"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Olá! Como posso ajudar?" {
		t.Errorf("text = %q, want trimmed reply", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	text, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "oi"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "oi"}})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if reqErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", reqErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want no retries", got)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxAttempts: 1, TimeoutSeconds: 5}, discard())
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "oi"}})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v, want ErrEmptyCompletion", err)
	}
}

func TestProviderFromBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		baseURL string
		want    string
	}{
		{"https://api.openai.com/v1", "openai"},
		{"https://eu.api.openai.com/v1", "openai"},
		{"https://openrouter.ai/api/v1", "openrouter"},
		{"https://api.groq.com/openai/v1", "groq"},
		{"https://api.anthropic.com/v1", "anthropic"},
		{"http://localhost:11434/v1", "local"},
		{"http://127.0.0.1:8080/v1", "local"},
		{"https://llm.internal.example.com/v1", "custom"},
		{"not a url", "custom"},
	}
	for _, tc := range tests {
		if got := providerFromBaseURL(tc.baseURL); got != tc.want {
			t.Errorf("providerFromBaseURL(%q) = %q, want %q", tc.baseURL, got, tc.want)
		}
	}
}

func TestNewDefaultsProvider(t *testing.T) {
	t.Parallel()

	c := New(Config{}, discard())
	if c.Provider() != "openai" {
		t.Errorf("Provider() = %q, want openai for default base URL", c.Provider())
	}
}
