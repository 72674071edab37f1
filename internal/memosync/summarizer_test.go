package memosync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicSummarizerReturnsTextBlock(t *testing.T) {
	var captured map[string]any
	var capturedKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		capturedKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5","content":[{"type":"text","text":"  Buy groceries.  "}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":4}}`))
	}))
	defer server.Close()

	summarizer := NewAnthropicSummarizer(AnthropicSummarizerOptions{
		APIKey:     "sk-test",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	})
	summary, err := summarizer.Summarize(context.Background(), "buy milk and eggs")
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if summary != "Buy groceries." {
		t.Fatalf("expected trimmed summary, got %q", summary)
	}
	if capturedKey != "sk-test" {
		t.Fatalf("expected api key header, got %q", capturedKey)
	}
	if captured["model"] != defaultSummaryModel {
		t.Fatalf("expected default model, got %v", captured["model"])
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected one user message, got %+v", captured["messages"])
	}
}

func TestAnthropicSummarizerWrapsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	summarizer := NewAnthropicSummarizer(AnthropicSummarizerOptions{
		APIKey:     "sk-test",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	})
	_, err := summarizer.Summarize(context.Background(), "text")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAnthropicSummarizerRejectsEmptyReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","model":"x","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":0}}`))
	}))
	defer server.Close()

	summarizer := NewAnthropicSummarizer(AnthropicSummarizerOptions{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	if _, err := summarizer.Summarize(context.Background(), "text"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected empty reply to be an upstream error, got %v", err)
	}
}
