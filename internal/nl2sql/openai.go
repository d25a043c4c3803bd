package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

type JSONMode string

const (
	JSONModeAuto   JSONMode = "auto"
	JSONModeAlways JSONMode = "always"
	JSONModeNever  JSONMode = "never"
)

const (
	defaultModel       = "gpt-4"
	defaultExplanation = "Generated SQL query"
	defaultRowLimit    = 100
	summaryRowSample   = 20
	summaryTemperature = 0.3
	summaryMaxTokens   = 500
)

// Models known to accept response_format json_object. Matched as substrings
// of the lowercased model name.
var jsonObjectModels = []string{"gpt-4-turbo", "gpt-4-1106", "gpt-4-0125", "gpt-3.5-turbo-1106", "gpt-4o", "o1"}

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	JSONMode    JSONMode
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint. It
// implements both Translator and Summarizer.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	jsonObject  bool
	client      *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var jsonObject bool
	switch cfg.JSONMode {
	case JSONModeAlways:
		jsonObject = true
	case JSONModeNever:
		jsonObject = false
	case JSONModeAuto, "":
		jsonObject = supportsJSONObject(model)
	default:
		return nil, fmt.Errorf("unsupported json mode %q", cfg.JSONMode)
	}

	return &OpenAIClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		jsonObject:  jsonObject,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *OpenAIClient) Model() string {
	return c.model
}

func (c *OpenAIClient) Translate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, fmt.Errorf("question is required")
	}
	payload := c.translatePayload(req)
	content, err := c.complete(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Result{}, fmt.Errorf("empty response from model")
	}

	result, err := parseGeneration(content)
	if err != nil {
		return Result{}, err
	}
	result.Provider = "openai-compatible"
	result.Model = c.model
	return result, nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	payload, err := summaryPayload(c.model, req)
	if err != nil {
		return "", err
	}
	content, err := c.complete(ctx, payload)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Sprintf("Query returned %d row(s).", len(req.Rows)), nil
	}
	return content, nil
}

func (c *OpenAIClient) complete(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

const generationSystemPrompt = `You are a SQL expert. Given a database schema and a user's question, generate a safe, valid PostgreSQL SELECT query.

Rules:
1. Only generate SELECT queries (or WITH ... SELECT)
2. Use parameterized queries for any user input (use $1, $2, etc. for parameters)
3. Always include a LIMIT clause (max %d rows)
4. Return your response as JSON with these keys:
   - "sql": The SQL query string
   - "params": JSON array of parameter values (empty array if no parameters)
   - "explanation": Brief explanation of what the query does

Example response:
{
  "sql": "SELECT name, email FROM users WHERE age > $1 LIMIT 50",
  "params": [18],
  "explanation": "Finds users older than 18, returning name and email"
}`

func (c *OpenAIClient) translatePayload(req Request) map[string]any {
	rowLimit := req.RowLimit
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Database Schema:\n%s\n\nUser Question: %s\n\n", req.SchemaContext, strings.TrimSpace(req.Question))
	if len(req.Feedback) > 0 {
		user.WriteString("Previous attempts were rejected by the SQL safety validator:\n")
		for _, attempt := range req.Feedback {
			fmt.Fprintf(&user, "- SQL: %s\n  Reason: %s\n", attempt.SQL, attempt.Reason)
		}
		user.WriteString("\nGenerate a corrected query that avoids these problems. ")
	} else {
		user.WriteString("Generate a SQL query to answer this question. ")
	}
	user.WriteString("Remember to use parameterized queries and include a LIMIT clause.")

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": fmt.Sprintf(generationSystemPrompt, rowLimit)},
			{"role": "user", "content": user.String()},
		},
		"temperature": c.temperature,
	}
	if c.jsonObject {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	return payload
}

const summarySystemPrompt = "You are a helpful assistant that explains database query results in a clear, conversational way. " +
	"Summarize the results naturally, highlighting key findings."

func summaryPayload(model string, req SummaryRequest) (map[string]any, error) {
	sample := req.Rows
	if len(sample) > summaryRowSample {
		sample = sample[:summaryRowSample]
	}
	records := make([]map[string]any, 0, len(sample))
	for _, row := range sample {
		record := make(map[string]any, len(req.Columns))
		for i, column := range req.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	rowsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary rows: %w", err)
	}

	plural := "s"
	if len(req.Rows) == 1 {
		plural = ""
	}
	user := fmt.Sprintf(
		"User asked: %s\n\nQuery executed: %s\n\nResults (%d row%s):\n%s\n\nProvide a clear, conversational summary of these results. If there are more than %d rows, mention that only a sample is shown.",
		strings.TrimSpace(req.Question),
		req.SQL,
		len(req.Rows),
		plural,
		string(rowsJSON),
		summaryRowSample,
	)

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": summarySystemPrompt},
			{"role": "user", "content": user},
		},
		"temperature": summaryTemperature,
		"max_tokens":  summaryMaxTokens,
	}, nil
}

func parseGeneration(content string) (Result, error) {
	trimmed := stripMarkdownFence(content)

	var raw struct {
		SQL         *string         `json:"sql"`
		Params      json.RawMessage `json:"params"`
		Explanation *string         `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Result{}, fmt.Errorf("parse model response as JSON: %w", err)
	}
	if raw.SQL == nil {
		return Result{}, fmt.Errorf("model response missing %q key", "sql")
	}
	if strings.TrimSpace(*raw.SQL) == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}

	params, err := decodeParams(raw.Params)
	if err != nil {
		return Result{}, err
	}
	explanation := defaultExplanation
	if raw.Explanation != nil {
		explanation = *raw.Explanation
	}
	return Result{SQL: strings.TrimSpace(*raw.SQL), Params: params, Explanation: explanation}, nil
}

// decodeParams keeps integral JSON numbers as int64 so they bind to integer
// columns without a float conversion.
func decodeParams(raw json.RawMessage) ([]any, error) {
	params := make([]any, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var values []any
	if err := decoder.Decode(&values); err != nil {
		return nil, fmt.Errorf("model response params must be a JSON array: %w", err)
	}
	for _, value := range values {
		params = append(params, normalizeParam(value))
	}
	return params, nil
}

func normalizeParam(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := number.Int64(); err == nil {
		return i
	}
	if f, err := number.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}
	return number.String()
}

func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	for _, lang := range []string{"json", "sql"} {
		if strings.HasPrefix(trimmed, lang) {
			trimmed = strings.TrimPrefix(trimmed, lang)
			break
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func supportsJSONObject(model string) bool {
	lowered := strings.ToLower(model)
	for _, name := range jsonObjectModels {
		if strings.Contains(lowered, name) {
			return true
		}
	}
	return false
}
