package aichat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAICompleterUsesCustomBaseURL(test *testing.T) {
	var received struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/chat/completions" {
			http.NotFound(writer, request)
			return
		}
		if request.Header.Get("Authorization") != "Bearer test-key" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	test.Cleanup(server.Close)

	completer, err := NewOpenAICompleter(CompleterConfig{APIKey: "test-key", BaseURL: server.URL + "/v1/", Model: "test-model"})
	if err != nil {
		test.Fatalf("new completer: %v", err)
	}
	reply, err := completer.Complete(context.Background(), "ping")
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if reply.Content != "pong" || reply.TotalTokens != 4 {
		test.Fatalf("unexpected reply %+v", reply)
	}
	if received.Model != "test-model" || len(received.Messages) != 2 || received.Messages[1].Content != "ping" {
		test.Fatalf("unexpected request %+v", received)
	}
}

func TestOpenAICompleterWrapsFailures(test *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusInternalServerError)
		_, _ = writer.Write([]byte(`{"error":{"message":"down","type":"server_error"}}`))
	}))
	test.Cleanup(server.Close)

	completer, err := NewOpenAICompleter(CompleterConfig{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		test.Fatalf("new completer: %v", err)
	}
	if _, err := completer.Complete(context.Background(), "ping"); !errors.Is(err, ErrModelUnavailable) {
		test.Fatalf("expected model unavailable, got %v", err)
	}
	if _, err := NewOpenAICompleter(CompleterConfig{}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected missing key error, got %v", err)
	}
}
