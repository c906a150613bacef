package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

// fakeEndpoint serves an OpenAI-compatible chat completions API that answers
// every request with content and records the last request.
func fakeEndpoint(t *testing.T, status int, content string) (*httptest.Server, *openai.ChatCompletionRequest) {
	t.Helper()
	var last openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"object":"list","data":[{"id":"test-model","object":"model"}]}`)
			return
		case "/v1/chat/completions":
		default:
			http.NotFound(w, r)
			return
		}

		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"unavailable","type":"server_error"}}`)
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestGradeOne(t *testing.T) {
	srv, last := fakeEndpoint(t, http.StatusOK, `{"grade": 9}`)

	c, err := New(srv.URL+"/v1", "key", "test-model", Options{JSONMode: true, Temperature: 0.2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := c.GradeOne(context.Background(), "1. What is 2+2?", "Four.", "4.")
	if err != nil {
		t.Fatalf("GradeOne: %v", err)
	}
	if raw != `{"grade": 9}` {
		t.Errorf("raw = %q", raw)
	}

	if last.Model != "test-model" {
		t.Errorf("model = %q, want test-model", last.Model)
	}
	if len(last.Messages) != 1 || last.Messages[0].Role != openai.ChatMessageRoleUser {
		t.Fatalf("messages = %+v, want one user message", last.Messages)
	}
	prompt := last.Messages[0].Content
	for _, want := range []string{"1. What is 2+2?", `"Four."`, `"4."`, "Accuracy (4 points)"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt should contain %q", want)
		}
	}
	if last.ResponseFormat == nil || last.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("response format = %+v, want json_object", last.ResponseFormat)
	}
}

func TestGradeOneServerError(t *testing.T) {
	srv, _ := fakeEndpoint(t, http.StatusServiceUnavailable, "")

	c, err := New(srv.URL+"/v1", "key", "test-model", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GradeOne(context.Background(), "q", "t", "s")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("503 should be transient: %v", err)
	}
}

func TestPing(t *testing.T) {
	srv, _ := fakeEndpoint(t, http.StatusOK, "")
	c, err := New(srv.URL+"/v1", "key", "test-model", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"wrapped server error", fmt.Errorf("LLM API call: %w", &openai.APIError{HTTPStatusCode: http.StatusBadGateway}), true},
		{"request error", &openai.RequestError{HTTPStatusCode: http.StatusInternalServerError, Err: errors.New("x")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
