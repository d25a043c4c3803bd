package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type apiCall struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8000"), "sqlchat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	command := strings.TrimSpace(fs.Arg(0))
	commandArgs := fs.Args()[1:]
	if command == "check" {
		return runCheck(commandArgs, stdout, stderr)
	}

	call, code := buildCall(command, commandArgs, stderr)
	if code != 0 {
		return code
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + call.path
	status, responseBody, err := doRequest(ctx, client, call, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if status >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", status, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildCall(command string, args []string, stderr io.Writer) (apiCall, int) {
	switch command {
	case "health":
		return apiCall{method: http.MethodGet, path: "/v1/health"}, 0
	case "ready":
		return apiCall{method: http.MethodGet, path: "/v1/ready"}, 0
	case "schema":
		return apiCall{method: http.MethodGet, path: "/v1/schema"}, 0
	case "schema-reload":
		return apiCall{method: http.MethodPost, path: "/v1/schema/reload"}, 0
	case "archive":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			_, _ = fmt.Fprintln(stderr, "usage: sqlchatctl archive <key>")
			return apiCall{}, 2
		}
		return apiCall{method: http.MethodGet, path: "/v1/archive/" + escapeKey(args[0])}, 0
	case "ask":
		fs := flag.NewFlagSet("ask", flag.ContinueOnError)
		fs.SetOutput(stderr)
		rowLimit := fs.Int64("row-limit", 0, "maximum rows to return (0 uses the server ceiling)")
		archive := fs.Bool("archive", false, "archive the exchange to object storage")
		if err := fs.Parse(args); err != nil {
			return apiCall{}, 2
		}
		question := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "usage: sqlchatctl ask [-row-limit n] [-archive] <question>")
			return apiCall{}, 2
		}
		return apiCall{method: http.MethodPost, path: "/v1/chat", body: map[string]any{
			"query":     question,
			"row_limit": *rowLimit,
			"archive":   *archive,
		}}, 0
	case "validate", "query":
		fs := flag.NewFlagSet(command, flag.ContinueOnError)
		fs.SetOutput(stderr)
		rowLimit := fs.Int64("row-limit", 0, "row ceiling (0 uses the server ceiling)")
		rawParams := fs.String("params", "", `bind parameters as a JSON array, e.g. '[18, "x"]'`)
		if err := fs.Parse(args); err != nil {
			return apiCall{}, 2
		}
		sqlText := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if sqlText == "" {
			_, _ = fmt.Fprintf(stderr, "usage: sqlchatctl %s [-row-limit n] [-params json] <sql>\n", command)
			return apiCall{}, 2
		}
		params, err := parseParams(*rawParams)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid -params: %v\n", err)
			return apiCall{}, 2
		}
		path := "/v1/query"
		if command == "validate" {
			path = "/v1/sql/validate"
		}
		return apiCall{method: http.MethodPost, path: path, body: map[string]any{
			"sql":       sqlText,
			"params":    params,
			"row_limit": *rowLimit,
		}}, 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return apiCall{}, 2
	}
}

func parseParams(raw string) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0)
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func escapeKey(key string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(key), "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func doRequest(ctx context.Context, client *http.Client, call apiCall, endpoint, apiKey string) (int, []byte, error) {
	var body io.Reader
	if call.body != nil {
		encoded, err := json.Marshal(call.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                 GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  schema-reload          POST /v1/schema/reload")
	_, _ = fmt.Fprintln(w, "  ask <question>         POST /v1/chat")
	_, _ = fmt.Fprintln(w, "  query <sql>            POST /v1/query")
	_, _ = fmt.Fprintln(w, "  validate <sql>         POST /v1/sql/validate")
	_, _ = fmt.Fprintln(w, "  archive <key>          GET /v1/archive/<key>")
	_, _ = fmt.Fprintln(w, "  check -allow t1,t2 <sql>  validate locally without a server")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
