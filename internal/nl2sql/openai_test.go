package nl2sql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

type capturedRequest struct {
	Model          string              `json:"model"`
	Messages       []map[string]string `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat map[string]string   `json:"response_format"`
}

func newCompletionServer(t *testing.T, content string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL, model string, mode JSONMode) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: baseURL + "/", APIKey: "test-key", Model: model, Temperature: 0.1, JSONMode: mode})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	return client
}

func TestTranslateParsesJSONResponse(t *testing.T) {
	var captured capturedRequest
	content := "```json\n{\"sql\": \"SELECT name FROM users WHERE age > $1 LIMIT 50\", \"params\": [18, 2.5, \"x\"], \"explanation\": \"Adults\"}\n```"
	server := newCompletionServer(t, content, &captured)
	client := newTestClient(t, server.URL, "gpt-4", JSONModeAuto)

	result, err := client.Translate(context.Background(), Request{
		Question:      "Which users are adults?",
		SchemaContext: "## Table: users",
		RowLimit:      50,
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT name FROM users WHERE age > $1 LIMIT 50" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if !reflect.DeepEqual(result.Params, []any{int64(18), 2.5, "x"}) {
		t.Fatalf("Params = %#v", result.Params)
	}
	if result.Explanation != "Adults" || result.Model != "gpt-4" || result.Provider != "openai-compatible" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if captured.Temperature != 0.1 || captured.ResponseFormat != nil {
		t.Fatalf("unexpected payload: %+v", captured)
	}
	if len(captured.Messages) != 2 || !strings.Contains(captured.Messages[0]["content"], "max 50 rows") {
		t.Fatalf("system prompt = %v", captured.Messages)
	}
	if !strings.Contains(captured.Messages[1]["content"], "Database Schema:\n## Table: users") {
		t.Fatalf("user prompt = %q", captured.Messages[1]["content"])
	}
}

func TestTranslateDefaultsMissingKeys(t *testing.T) {
	server := newCompletionServer(t, `{"sql": "SELECT 1"}`, nil)
	result, err := newTestClient(t, server.URL, "", JSONModeNever).Translate(context.Background(), Request{Question: "one"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(result.Params) != 0 || result.Params == nil {
		t.Fatalf("Params = %#v, want empty slice", result.Params)
	}
	if result.Explanation != "Generated SQL query" || result.Model != "gpt-4" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTranslateIncludesFeedback(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, `{"sql": "SELECT id FROM orders LIMIT 10"}`, &captured)
	client := newTestClient(t, server.URL, "gpt-4-turbo-preview", JSONModeAuto)

	_, err := client.Translate(context.Background(), Request{
		Question: "orders",
		Feedback: []Attempt{{SQL: "SELECT * FROM secrets", Reason: "table secrets is not allowed"}},
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if captured.ResponseFormat["type"] != "json_object" {
		t.Fatalf("response_format = %v, want json_object for turbo models", captured.ResponseFormat)
	}
	user := captured.Messages[1]["content"]
	if !strings.Contains(user, "- SQL: SELECT * FROM secrets\n  Reason: table secrets is not allowed") {
		t.Fatalf("user prompt = %q", user)
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: "  "},
		{name: "not json", content: "SELECT 1"},
		{name: "missing sql", content: `{"params": []}`},
		{name: "blank sql", content: `{"sql": "  "}`},
		{name: "params not array", content: `{"sql": "SELECT 1", "params": {"a": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newCompletionServer(t, tt.content, nil)
			if _, err := newTestClient(t, server.URL, "gpt-4", JSONModeAuto).Translate(context.Background(), Request{Question: "q"}); err == nil {
				t.Fatal("Translate() expected error")
			}
		})
	}
}

func TestTranslateSurfacesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	_, err := newTestClient(t, server.URL, "gpt-4", JSONModeAuto).Translate(context.Background(), Request{Question: "q"})
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("Translate() error = %v, want status=429", err)
	}
}

func TestSummarizeSamplesRows(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, "There are 25 orders.", &captured)
	client := newTestClient(t, server.URL, "gpt-4", JSONModeAuto)

	rows := make([][]any, 0, 25)
	for i := 0; i < 25; i++ {
		rows = append(rows, []any{i, "ok"})
	}
	summary, err := client.Summarize(context.Background(), SummaryRequest{
		Question: "How many orders?",
		SQL:      "SELECT id, status FROM orders LIMIT 100",
		Columns:  []string{"id", "status"},
		Rows:     rows,
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "There are 25 orders." {
		t.Fatalf("summary = %q", summary)
	}
	if captured.Temperature != 0.3 || captured.MaxTokens != 500 {
		t.Fatalf("unexpected payload: %+v", captured)
	}
	user := captured.Messages[1]["content"]
	if !strings.Contains(user, "Results (25 rows):") {
		t.Fatalf("user prompt = %q", user)
	}
	if strings.Contains(user, `"id": 20`) || !strings.Contains(user, `"id": 19`) {
		t.Fatalf("expected only the first 20 rows in prompt: %q", user)
	}
}

func TestSummarizeFallsBackOnEmptyContent(t *testing.T) {
	server := newCompletionServer(t, "", nil)
	summary, err := newTestClient(t, server.URL, "gpt-4", JSONModeAuto).Summarize(context.Background(), SummaryRequest{
		Columns: []string{"n"},
		Rows:    [][]any{{1}},
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "Query returned 1 row(s)." {
		t.Fatalf("summary = %q", summary)
	}
}

func TestNewOpenAIClientValidatesConfig(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://x", APIKey: "k", JSONMode: "sometimes"}); err == nil {
		t.Fatal("expected error for unknown json mode")
	}
}

func TestStripMarkdownFence(t *testing.T) {
	tests := map[string]string{
		"```sql\nSELECT 1;\n```":    "SELECT 1;",
		"```json\n{\"sql\":1}\n```": `{"sql":1}`,
		"```\n{}\n```":              "{}",
		"  {}  ":                    "{}",
	}
	for input, want := range tests {
		if got := stripMarkdownFence(input); got != want {
			t.Fatalf("stripMarkdownFence(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSupportsJSONObject(t *testing.T) {
	if supportsJSONObject("gpt-4") || supportsJSONObject("gpt-3.5-turbo") {
		t.Fatal("plain gpt-4 and gpt-3.5-turbo do not support json_object")
	}
	if !supportsJSONObject("GPT-4-1106-preview") || !supportsJSONObject("gpt-4o-mini") {
		t.Fatal("expected json_object support")
	}
}
