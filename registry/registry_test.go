package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"tabletalk/llm"
)

// chatServer serves a minimal OpenAI-compatible chat endpoint.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "pong"}, "finish_reason": "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// deadServer serves a backend that rejects every request.
func deadServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func twoBackendSpecs(t *testing.T) []BackendSpec {
	up := chatServer(t)
	return []BackendSpec{
		{Name: "OpenAI GPT-4", Cfg: llm.Config{Provider: "custom", Model: "gpt-4", BaseURL: up.URL}},
		{Name: "Local Llama", Cfg: llm.Config{Provider: "custom", Model: "llama3.2", BaseURL: deadServer(t)}},
	}
}

func TestNewProbesBackends(t *testing.T) {
	r := New(context.Background(), twoBackendSpecs(t))

	got := r.AvailableBackends()
	want := []string{"OpenAI GPT-4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("available = %v, want %v", got, want)
	}
	if r.Active() != "OpenAI GPT-4" {
		t.Errorf("active = %q", r.Active())
	}
}

func TestSetActiveUnavailable(t *testing.T) {
	r := New(context.Background(), twoBackendSpecs(t))

	err := r.SetActive(context.Background(), "Local Llama")
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("error = %v, want ErrBackendUnreachable", err)
	}
	if !strings.Contains(err.Error(), "Model Local Llama not available") {
		t.Errorf("error message = %q", err.Error())
	}
	if r.Active() != "OpenAI GPT-4" {
		t.Errorf("failed switch changed active backend to %q", r.Active())
	}
}

func TestSetActiveUnknown(t *testing.T) {
	r := New(context.Background(), twoBackendSpecs(t))
	err := r.SetActive(context.Background(), "nope")
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("error = %v, want ErrBackendUnreachable", err)
	}
}

func TestSetActiveRecovered(t *testing.T) {
	// Both backends healthy; switching re-probes and succeeds.
	up1 := chatServer(t)
	up2 := chatServer(t)
	r := New(context.Background(), []BackendSpec{
		{Name: "cloud", Cfg: llm.Config{Provider: "custom", Model: "a", BaseURL: up1.URL}},
		{Name: "local", Cfg: llm.Config{Provider: "custom", Model: "b", BaseURL: up2.URL}},
	})

	if err := r.SetActive(context.Background(), "local"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if r.Active() != "local" {
		t.Errorf("active = %q, want local", r.Active())
	}
}

func TestClientFallback(t *testing.T) {
	r := New(context.Background(), twoBackendSpecs(t))

	// Requesting the dead backend falls back to the first configured one.
	p, model := r.Client("Local Llama")
	if p == nil {
		t.Fatal("expected fallback provider")
	}
	if model != "gpt-4" {
		t.Errorf("fallback model = %q, want gpt-4", model)
	}
}

func TestClientActiveDefault(t *testing.T) {
	r := New(context.Background(), twoBackendSpecs(t))
	p, model := r.Client("")
	if p == nil || model != "gpt-4" {
		t.Errorf("default client = (%v, %q), want active backend gpt-4", p, model)
	}
}
