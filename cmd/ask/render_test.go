package main

import (
	"bytes"
	"strings"
	"testing"
)

const sampleStream = `{"type":"start","conversationId":"c1"}
{"type":"round-status","data":{"roundNumber":1,"maxRounds":2,"status":"Initial responses"}}
{"type":"model-response","data":{"modelId":"a","modelLabel":"gpt-4o","content":"Par","round":1}}
{"type":"model-response","data":{"modelId":"b","modelLabel":"claude","content":"It is","round":1}}
{"type":"model-response","data":{"modelId":"a","modelLabel":"gpt-4o","content":"Paris","round":1}}
{"type":"model-complete","data":{"modelId":"a","modelLabel":"gpt-4o","round":1}}
{"type":"model-response","data":{"modelId":"b","modelLabel":"claude","content":"It is Lyon","round":1}}
{"type":"model-complete","data":{"modelId":"b","modelLabel":"claude","round":1}}
{"type":"evaluation","data":{"score":91,"summary":"Both say Paris","emoji":"🎯","vibe":"celebration","isGoodEnough":true},"round":1}
{"type":"evaluation-complete","round":1}
{"type":"synthesis-start"}
{"type":"synthesis-chunk","content":"The capital "}
{"type":"synthesis-chunk","content":"is Paris."}
{"type":"complete"}
{"type":"timing","data":{"step":"late"}}
`

func TestReadStreamRendersUntilComplete(t *testing.T) {
	var out bytes.Buffer
	if err := readStream(strings.NewReader(sampleStream), newRenderer(&out, false)); err != nil {
		t.Fatalf("readStream: %v", err)
	}
	got := out.String()
	for _, want := range []string{"c1", "Round 1/2", "gpt-4o", "Paris\n", "claude", "It is Lyon\n", "91/100", "The capital is Paris.", "done"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Par\n") || strings.Contains(got, "It is\n") {
		t.Error("partial model content should not be printed")
	}
	if i, j := strings.Index(got, "gpt-4o"), strings.Index(got, "Paris\n"); i < 0 || j < i {
		t.Errorf("answer not printed under its model:\n%s", got)
	}
}

func TestReadStreamFatalError(t *testing.T) {
	stream := `{"type":"error","data":{"message":"one failed","partial":true}}
{"type":"error","data":{"message":"All models failed to respond","round":1}}
`
	var out bytes.Buffer
	err := readStream(strings.NewReader(stream), newRenderer(&out, false))
	if err == nil || !strings.Contains(err.Error(), "All models failed") {
		t.Fatalf("err = %v, want fatal run error", err)
	}
	if !strings.Contains(out.String(), "warning: one failed") {
		t.Errorf("partial error not rendered as warning:\n%s", out.String())
	}
}

func TestReadStreamTruncated(t *testing.T) {
	var out bytes.Buffer
	err := readStream(strings.NewReader(`{"type":"start","conversationId":"c1"}`+"\n"), newRenderer(&out, false))
	if err == nil {
		t.Fatal("expected error for stream without terminal event")
	}
}

func TestReadReplay(t *testing.T) {
	stream := `{"id":"1-0","type":"start","conversationId":"c9"}
{"id":"2-0","type":"complete"}
`
	var out bytes.Buffer
	if err := readReplay(strings.NewReader(stream), newRenderer(&out, false)); err != nil {
		t.Fatalf("readReplay: %v", err)
	}
	if !strings.Contains(out.String(), "c9") || !strings.Contains(out.String(), "done") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("why?", []string{"openai:gpt-4o", "claude-sonnet-4-5"}, 2, "", true)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if len(req.Models) != 2 {
		t.Fatalf("models = %d", len(req.Models))
	}
	if req.Models[1].Provider != "anthropic" || req.Models[1].ID != "anthropic:claude-sonnet-4-5" {
		t.Errorf("inferred model = %+v", req.Models[1])
	}
	if err := req.Validate(10); err != nil {
		t.Errorf("request should validate: %v", err)
	}
	if _, err := buildRequest("x", []string{" "}, 0, "", false); err == nil {
		t.Error("expected error for empty model reference")
	}
}
