package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/consensus/internal/consensus"
	"go.uber.org/zap"
)

func sseServer(t *testing.T, status int, body string, check func(r *http.Request, payload map[string]interface{})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(raw, &payload)
		if check != nil {
			check(r, payload)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func TestOpenAIChatStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	srv := sseServer(t, http.StatusOK, body, func(r *http.Request, payload map[string]interface{}) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		if payload["stream"] != true {
			t.Error("stream flag not set")
		}
		if _, ok := payload["response_format"]; !ok {
			t.Error("response_format missing for JSON output")
		}
	})
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "openai", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	req := UserPrompt("hi")
	req.JSONOutput = true
	text, err := Collect(context.Background(), NewBackend(p, "gpt-4o"), req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
}

func TestOpenAIStatusError(t *testing.T) {
	srv := sseServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, nil)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "openai", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := p.ChatStream(context.Background(), UserPrompt("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	if k := Classify(fmt.Errorf("model-1: %w", err)); k != KindRateLimit {
		t.Errorf("kind = %q, want rate-limit", k)
	}
}

func TestOpenAIStreamErrorEvent(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n" +
		"data: {\"error\":{\"message\":\"No endpoints found matching your data policy\"}}\n\n"
	srv := sseServer(t, http.StatusOK, body, nil)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "openrouter", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := Collect(context.Background(), NewBackend(p, "x/y"), UserPrompt("hi"))
	if err == nil {
		t.Fatal("expected stream error")
	}
	if k := Classify(err); k != KindProviderPolicy {
		t.Errorf("kind = %q, want provider-policy", k)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	body := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	srv := sseServer(t, http.StatusOK, body, func(r *http.Request, payload map[string]interface{}) {
		if r.Header.Get("x-api-key") != "ak" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if payload["system"] != "be brief" {
			t.Errorf("system = %v", payload["system"])
		}
	})
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, APIKey: "ak"}, zap.NewNop())
	req := &ChatRequest{Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}}}
	text, err := Collect(context.Background(), NewBackend(p, "claude-sonnet-4-20250514"), req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Bonjour" {
		t.Errorf("text = %q, want Bonjour", text)
	}
}

func TestAnthropicTruncatedStream(t *testing.T) {
	body := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"half\"}}\n\n"
	srv := sseServer(t, http.StatusOK, body, nil)
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, APIKey: "ak"}, zap.NewNop())
	if _, err := Collect(context.Background(), NewBackend(p, "claude"), UserPrompt("hi")); err == nil {
		t.Fatal("expected error for stream without message_stop")
	}
}

type wrapped struct{ inner error }

func (w *wrapped) Error() string { return "wrapped" }
func (w *wrapped) Unwrap() error { return w.inner }

type cyclic struct{ self *cyclic }

func (c *cyclic) Error() string { return "cycle" }
func (c *cyclic) Unwrap() error { return c.self }

func TestClassify(t *testing.T) {
	deep := error(&APIError{Provider: "x", StatusCode: 429})
	for i := 0; i < 3; i++ {
		deep = &wrapped{inner: deep}
	}
	tooDeep := error(&APIError{Provider: "x", StatusCode: 429})
	for i := 0; i < 6; i++ {
		tooDeep = &wrapped{inner: tooDeep}
	}
	loop := &cyclic{}
	loop.self = loop

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindGeneric},
		{"status 429", &APIError{StatusCode: 429}, KindRateLimit},
		{"body quota", &APIError{StatusCode: 400, Body: "Quota exceeded for project"}, KindRateLimit},
		{"policy body", &APIError{StatusCode: 404, Body: "No endpoints found matching your data policy"}, KindProviderPolicy},
		{"wrapped status", deep, KindRateLimit},
		{"beyond depth", tooDeep, KindGeneric},
		{"joined", errors.Join(errors.New("a"), &APIError{StatusCode: 451}), KindProviderPolicy},
		{"cycle terminates", loop, KindGeneric},
		{"plain", errors.New("connection reset"), KindGeneric},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	keys := consensus.KeySet{consensus.ProviderOpenAI: {Secret: "sk"}}

	b, err := reg.Resolve(consensus.ProviderOpenAI, "gpt-4o", keys)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b.Model() != "gpt-4o" {
		t.Errorf("model = %q", b.Model())
	}

	if _, err := reg.Resolve(consensus.ProviderAnthropic, "claude", keys); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing key: got %v, want ErrUnavailable", err)
	}
	if _, err := reg.Resolve("bogus", "m", keys); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unknown provider: got %v, want ErrUnavailable", err)
	}
}

func TestRegistryConfigureEndpoint(t *testing.T) {
	srv := sseServer(t, http.StatusOK, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n", nil)
	defer srv.Close()

	reg := NewRegistry(zap.NewNop())
	reg.Configure(consensus.ProviderXAI, ProviderConfig{Endpoint: srv.URL})
	b, err := reg.Resolve(consensus.ProviderXAI, "grok-4", consensus.KeySet{consensus.ProviderXAI: {Secret: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	text, err := Collect(context.Background(), b, UserPrompt("hi"))
	if err != nil || text != "ok" {
		t.Errorf("got %q, %v", text, err)
	}
}

func TestStreamOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"slow \"}}]}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "openai", Endpoint: srv.URL, APIKey: "k", Timeout: 100 * time.Millisecond}, zap.NewNop())
	text, err := Collect(context.Background(), NewBackend(p, "gpt-4o"), UserPrompt("hi"))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "slow answer" {
		t.Errorf("text = %q", text)
	}
}

func TestHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := p.ChatStream(context.Background(), UserPrompt("hi"))
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("err = %v, want header timeout", err)
	}
}
