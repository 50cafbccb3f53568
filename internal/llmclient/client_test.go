package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranslateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)

		if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Content != "Bonjour le monde" {
			t.Errorf("expected source text as the final message, got %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(chatResponse{
			Model:   "test-model",
			Choices: []chatChoice{{Message: Message{Role: "assistant", Content: "Hello world"}}},
			Usage:   usage{PromptTokens: 12, CompletionTokens: 5},
		})
	}))
	defer server.Close()

	client := NewOpenAICompatClient(server.URL, "test-model", 5)
	resp, err := client.Translate(context.Background(), TranslateRequest{
		SystemInstruction: "Translate to English.",
		SourceText:        "Bonjour le monde",
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("expected translated text, got %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("expected usage to be passed through, got in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestTranslateIncludesPriorContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 3 {
			t.Fatalf("expected 3 messages (system, prior-context, source), got %d", len(req.Messages))
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: Message{Content: "ok"}}},
		})
	}))
	defer server.Close()

	client := NewOpenAICompatClient(server.URL, "test-model", 5)
	_, err := client.Translate(context.Background(), TranslateRequest{
		SystemInstruction: "Translate to English.",
		PriorContext:      "previous chunk ended with a colon:",
		SourceText:        "some text",
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
}

func TestTranslateNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer server.Close()

	client := NewOpenAICompatClient(server.URL, "test-model", 5)
	_, err := client.Translate(context.Background(), TranslateRequest{SourceText: "x"})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", statusErr.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewOpenAICompatClient(server.URL, "test-model", 5)
	if !client.HealthCheck(context.Background()) {
		t.Error("expected HealthCheck to succeed against a responsive server")
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	client := NewOpenAICompatClient("http://127.0.0.1:1", "test-model", 1)
	if client.HealthCheck(context.Background()) {
		t.Error("expected HealthCheck to fail against an unreachable address")
	}
}
