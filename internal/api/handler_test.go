package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/evaluator"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/keys"
	"github.com/nidhogg/consensus/internal/lease"
	"github.com/nidhogg/consensus/internal/provider"
	"github.com/nidhogg/consensus/internal/store"
	"github.com/nidhogg/consensus/internal/workflow"
)

// echoResolver answers every prompt with a fixed text; the judge always agrees.
type echoResolver struct{}

func (echoResolver) Resolve(p consensus.Provider, modelID string, ks consensus.KeySet) (provider.Backend, error) {
	if ks.Get(p) == nil {
		return nil, provider.ErrUnavailable
	}
	return echoBackend(modelID), nil
}

type echoBackend string

func (b echoBackend) Model() string { return string(b) }

func (b echoBackend) Generate(_ context.Context, req *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	text := "answer from " + string(b)
	if req.JSONOutput {
		text = `{"score": 92, "summary": "agree", "emoji": "🎉", "vibe": "celebration", "areasOfAgreement": [],
"keyDifferences": [], "reasoning": "same", "isGoodEnough": true, "needsMoreInfo": false, "suggestedSearchQuery": ""}`
	}
	ch := make(chan *provider.StreamChunk, 2)
	ch <- &provider.StreamChunk{Content: text}
	ch <- &provider.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeReplayer struct {
	events []events.Event
	after  string
}

func (f *fakeReplayer) Replay(_ context.Context, _ string, lastID string, fn func(string, events.Event) error) error {
	f.after = lastID
	for i, e := range f.events {
		if err := fn("1-"+string(rune('0'+i)), e); err != nil {
			return err
		}
	}
	return nil
}

// newTestHandler wires a Handler on the in-memory store with one user key set.
func newTestHandler(t *testing.T, replayer Replayer) (*store.Memory, http.Handler) {
	t.Helper()
	logger := zap.NewNop()
	mem := store.NewMemory()
	ctx := context.Background()
	mem.SaveKey(ctx, "alice", consensus.ProviderOpenAI, "sk-o")
	mem.SaveKey(ctx, "alice", consensus.ProviderAnthropic, "sk-a")

	hub := events.NewHub(nil, logger)
	rounds := workflow.NewRoundExecutor(echoResolver{}, nil, evaluator.New(logger), mem, logger)
	ctrl := workflow.NewController(mem, keys.NewResolver(mem, nil), echoResolver{}, rounds, hub, lease.NewLocal(),
		workflow.Defaults{MaxAllowedRounds: 10, TargetedRefinement: true}, logger)

	h := NewHandler(ctx, ctrl, mem, hub, replayer, logger)
	return mem, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path, user string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readLines(t *testing.T, resp *http.Response) []map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}

func consensusBody() map[string]interface{} {
	return map[string]interface{}{
		"prompt": "What is the capital of Australia?",
		"models": []map[string]string{
			{"id": "model-1", "provider": "openai", "modelId": "gpt-4o", "label": "GPT-4o"},
			{"id": "model-2", "provider": "anthropic", "modelId": "claude-3-5-sonnet", "label": "Claude"},
		},
		"maxRounds":          2,
		"consensusThreshold": 80,
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestConsensusStreamsNDJSON(t *testing.T) {
	mem, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/consensus", "alice", consensusBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content-type = %q", ct)
	}
	id := resp.Header.Get("X-Conversation-ID")

	lines := readLines(t, resp)
	if len(lines) < 5 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0]["type"] != "start" || lines[0]["conversationId"] != id {
		t.Errorf("first line = %v", lines[0])
	}
	if last := lines[len(lines)-1]; last["type"] != "complete" {
		t.Errorf("last line = %v", last)
	}

	c, err := mem.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if c.Status != store.StatusComplete || c.RoundsCompleted != 1 {
		t.Errorf("conversation = %+v", c)
	}
}

func TestConsensusValidation(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	oneModel := consensusBody()
	oneModel["models"] = []map[string]string{{"id": "m", "modelId": "gpt-4o"}}
	badThreshold := consensusBody()
	badThreshold["consensusThreshold"] = 140

	tests := []struct {
		name string
		user string
		body interface{}
		want string
	}{
		{"one model", "alice", oneModel, "2 or 3 models"},
		{"threshold", "alice", badThreshold, "consensusThreshold"},
		{"no keys", "bob", consensusBody(), "missing API key"},
	}
	for _, tt := range tests {
		resp := postJSON(t, ts, "/api/consensus", tt.user, tt.body)
		var body map[string]string
		decodeJSON(t, resp, &body)
		if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body["error"], tt.want) {
			t.Errorf("%s: %d %v", tt.name, resp.StatusCode, body)
		}
	}
}

func TestGetConversationAndResume(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/consensus", "alice", consensusBody())
	id := resp.Header.Get("X-Conversation-ID")
	readLines(t, resp)

	resp = getJSON(t, ts, "/api/conversations/"+id)
	var conv map[string]interface{}
	decodeJSON(t, resp, &conv)
	if resp.StatusCode != http.StatusOK || conv["phase"] != "complete" || conv["synthesis"] == "" {
		t.Errorf("conversation = %d %v", resp.StatusCode, conv)
	}
	if rounds, _ := conv["rounds"].([]interface{}); len(rounds) != 1 {
		t.Errorf("rounds = %v", conv["rounds"])
	}

	resp = postJSON(t, ts, "/api/conversations/"+id+"/resume", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("resume completed = %d, want 409", resp.StatusCode)
	}

	resp = getJSON(t, ts, "/api/conversations/does-not-exist")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation = %d", resp.StatusCode)
	}
}

func TestReplayWithoutRedis(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/conversations/x/events")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestReplayEvents(t *testing.T) {
	replayer := &fakeReplayer{events: []events.Event{
		{Type: events.TypeStart, ConversationID: "c"},
		{Type: events.TypeComplete},
	}}
	mem, router := newTestHandler(t, replayer)
	ts := httptest.NewServer(router)
	defer ts.Close()

	id, _ := mem.CreateConversation(context.Background(), "alice", "p", 3, 80)
	resp := getJSON(t, ts, "/api/conversations/"+id+"/events?after=1-0")
	lines := readLines(t, resp)

	if replayer.after != "1-0" {
		t.Errorf("after = %q", replayer.after)
	}
	if len(lines) != 2 || lines[0]["id"] != "1-0" || lines[1]["type"] != "complete" {
		t.Errorf("lines = %v", lines)
	}
}

func TestResumeUnknownConversation(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/conversations/nope/resume", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
