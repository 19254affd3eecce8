package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/parley/pkg/llm"
)

func completionHandler(t *testing.T, check func(body map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		if err := json.Unmarshal(body, &reqBody); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		if check != nil {
			check(reqBody)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "test response"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}
}

func TestOpenAIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}
		completionHandler(t, nil)(w, r)
	}))
	defer server.Close()

	client := New(&llm.Config{
		BaseURL:    server.URL + "/v1",
		APIKey:     "test-key",
		ModelSmall: "gpt-4o-mini",
	})

	resp, err := client.Complete(context.Background(), llm.Prompt("hello", llm.SizeSmall))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestOpenAIClientRequestFormat(t *testing.T) {
	server := httptest.NewServer(completionHandler(t, func(body map[string]any) {
		if body["model"] != "gpt-4o" {
			t.Errorf("expected large model 'gpt-4o', got %v", body["model"])
		}
		messages, ok := body["messages"].([]any)
		if !ok || len(messages) != 2 {
			t.Fatalf("expected system + user message, got %v", body["messages"])
		}
		system := messages[0].(map[string]any)
		if system["role"] != "system" || system["content"] != "be brief" {
			t.Errorf("unexpected system message %v", system)
		}
	}))
	defer server.Close()

	client := New(&llm.Config{
		BaseURL:    server.URL,
		APIKey:     "key",
		ModelSmall: "gpt-4o-mini",
		ModelLarge: "gpt-4o",
	})

	req := llm.Prompt("test", llm.SizeLarge)
	req.System = "be brief"
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientImages(t *testing.T) {
	server := httptest.NewServer(completionHandler(t, func(body map[string]any) {
		messages := body["messages"].([]any)
		user := messages[0].(map[string]any)
		parts, ok := user["content"].([]any)
		if !ok || len(parts) != 2 {
			t.Fatalf("expected multi-part content, got %v", user["content"])
		}
		image := parts[1].(map[string]any)["image_url"].(map[string]any)
		if !strings.HasPrefix(image["url"].(string), "data:image/png;base64,") {
			t.Errorf("expected data url, got %v", image["url"])
		}
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", ModelSmall: "gpt-4o-mini"})

	req := &llm.Request{Messages: []llm.Message{{
		Role:    "user",
		Content: "describe this",
		Images:  []llm.Image{{MediaType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
	}}}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad-key", ModelSmall: "gpt-4o-mini"})

	if _, err := client.Complete(context.Background(), llm.Prompt("hello", llm.SizeSmall)); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestOpenAIClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"<text>", "streamed ", "response", "</text>"} {
			chunk, _ := json.Marshal(map[string]any{
				"id":      "chunk",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": part}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", ModelSmall: "gpt-4o-mini"})

	stream, err := client.Stream(context.Background(), llm.Prompt("hello", llm.SizeSmall))
	if err != nil {
		t.Fatal(err)
	}
	content, err := llm.Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if content != "<text>streamed response</text>" {
		t.Errorf("expected streamed envelope, got %q", content)
	}
}

func TestOpenAIClientProviderInterface(t *testing.T) {
	var _ llm.Provider = (*Client)(nil)
}
