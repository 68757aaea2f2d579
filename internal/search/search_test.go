package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/provider"
	"go.uber.org/zap"
)

type scriptedBackend struct {
	replies []string
	calls   int
}

func (b *scriptedBackend) Model() string { return "classifier" }

func (b *scriptedBackend) Generate(_ context.Context, _ *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	reply := ""
	if b.calls < len(b.replies) {
		reply = b.replies[b.calls]
	}
	b.calls++
	ch := make(chan *provider.StreamChunk, 2)
	ch <- &provider.StreamChunk{Content: reply}
	ch <- &provider.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type stubSearcher struct {
	queries []string
	err     error
}

func (s *stubSearcher) Search(_ context.Context, q string) ([]consensus.SearchResult, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return []consensus.SearchResult{{Title: "t", URL: "https://example.com", Snippet: "s"}}, nil
}

func TestClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tv-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req searchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "go generics" || req.MaxResults != MaxResults || req.SearchDepth != "basic" {
			t.Errorf("unexpected request: %+v", req)
		}
		results := make([]map[string]interface{}, 0, 7)
		for i := 0; i < 7; i++ {
			results = append(results, map[string]interface{}{"title": "r", "url": "https://x", "content": "body"})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, APIKey: "tv-key", MaxResults: 10}, zap.NewNop())
	results, err := c.Search(context.Background(), "go generics")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != MaxResults {
		t.Errorf("got %d results, want %d", len(results), MaxResults)
	}
	if results[0].Snippet != "body" {
		t.Errorf("snippet = %q, want content fallback", results[0].Snippet)
	}
}

func TestClientSearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, zap.NewNop())
	if _, err := c.Search(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStepRoundOneClassifierYes(t *testing.T) {
	searcher := &stubSearcher{}
	step := NewStep(searcher, zap.NewNop())
	rec := &events.Recorder{}
	classifier := &scriptedBackend{replies: []string{"Yes.", "\"latest Go release notes\"\nextra"}}

	data := step.Run(context.Background(), rec, Input{Round: 1, UserPrompt: "what's new in Go?", Enabled: true, Classifier: classifier})
	if data == nil {
		t.Fatal("expected search data")
	}
	if data.Query != "latest Go release notes" || data.TriggeredBy != consensus.TriggeredByUser || data.Round != 1 {
		t.Errorf("unexpected data: %+v", data)
	}
	if len(rec.OfType(events.TypeSearchStart)) != 1 || len(rec.OfType(events.TypeSearchComplete)) != 1 {
		t.Errorf("events: %+v", rec.Events())
	}
}

func TestStepRoundOneClassifierNo(t *testing.T) {
	searcher := &stubSearcher{}
	step := NewStep(searcher, zap.NewNop())
	rec := &events.Recorder{}

	data := step.Run(context.Background(), rec, Input{Round: 1, UserPrompt: "2+2?", Enabled: true, Classifier: &scriptedBackend{replies: []string{"no"}}})
	if data != nil || len(searcher.queries) != 0 || len(rec.Events()) != 0 {
		t.Errorf("no search expected: data=%v queries=%v", data, searcher.queries)
	}
}

func TestStepDisabled(t *testing.T) {
	searcher := &stubSearcher{}
	step := NewStep(searcher, zap.NewNop())
	prev := &consensus.Evaluation{NeedsMoreInfo: true, SuggestedSearchQuery: "q"}

	if data := step.Run(context.Background(), &events.Recorder{}, Input{Round: 2, Previous: prev}); data != nil {
		t.Error("search ran while disabled")
	}
}

func TestStepLaterRoundModelTriggered(t *testing.T) {
	searcher := &stubSearcher{}
	step := NewStep(searcher, zap.NewNop())
	rec := &events.Recorder{}

	// Round 2 without a request for more info does nothing.
	if step.Run(context.Background(), rec, Input{Round: 2, Enabled: true, Previous: &consensus.Evaluation{SuggestedSearchQuery: "q"}}) != nil {
		t.Error("search ran without needsMoreInfo")
	}
	if step.Run(context.Background(), rec, Input{Round: 2, Enabled: true, Previous: &consensus.Evaluation{NeedsMoreInfo: true}}) != nil {
		t.Error("search ran with empty query")
	}

	prev := &consensus.Evaluation{NeedsMoreInfo: true, SuggestedSearchQuery: " eu ai act dates "}
	data := step.Run(context.Background(), rec, Input{Round: 3, Enabled: true, Previous: prev})
	if data == nil || data.TriggeredBy != consensus.TriggeredByModel || data.Query != "eu ai act dates" || data.Round != 3 {
		t.Fatalf("unexpected data: %+v", data)
	}
	if len(searcher.queries) != 1 {
		t.Errorf("searches = %d, want 1", len(searcher.queries))
	}
}

func TestStepSearchFailureIsNonFatal(t *testing.T) {
	step := NewStep(&stubSearcher{err: errors.New("timeout")}, zap.NewNop())
	rec := &events.Recorder{}
	prev := &consensus.Evaluation{NeedsMoreInfo: true, SuggestedSearchQuery: "q"}

	if data := step.Run(context.Background(), rec, Input{Round: 2, Enabled: true, Previous: prev}); data != nil {
		t.Error("failed search returned data")
	}
	errs := rec.OfType(events.TypeSearchError)
	if len(errs) != 1 {
		t.Fatalf("search-error events = %d", len(errs))
	}
	if d := errs[0].Data.(events.SearchData); d.Error != "timeout" || d.Round != 2 {
		t.Errorf("payload = %+v", d)
	}
}

func TestCleanQuery(t *testing.T) {
	got := cleanQuery("'one two three four five six seven eight nine ten'")
	if got != "one two three four five six seven eight" {
		t.Errorf("cleanQuery = %q", got)
	}
}
