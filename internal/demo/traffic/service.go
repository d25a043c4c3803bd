// Package traffic drives demo load against the sqlchat API using the sample
// sales database: generated SQL on /v1/query, unsafe statements that must be
// rejected, and optionally natural-language questions on /v1/chat.
package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
	stats     Stats
}

// Stats counts outcomes since the service started. Escapes are unsafe
// statements the API did not reject with the expected error code.
type Stats struct {
	Rounds   int
	Queries  int
	Answers  int
	Rejected int
	Escapes  int
	Failures int
}

type queryRequest struct {
	SQL      string `json:"sql"`
	Params   []any  `json:"params"`
	RowLimit int64  `json:"row_limit,omitempty"`
}

type queryResponse struct {
	Rows      [][]any `json:"rows"`
	Limits    []int64 `json:"limits"`
	Truncated bool    `json:"truncated"`
	Stats     struct {
		DurationMS float64 `json:"duration_ms"`
	} `json:"stats"`
}

type chatRequest struct {
	Query    string `json:"query"`
	RowLimit int64  `json:"row_limit,omitempty"`
}

type chatResponse struct {
	Summary  string `json:"summary"`
	SQL      string `json:"sql"`
	Attempts int    `json:"attempts"`
	Rows     []any  `json:"rows"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed),
	}, nil
}

func (s *Service) Stats() Stats {
	return s.stats
}

// Run sends one round per interval until ctx is done or MaxRequests rounds
// have been sent.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		if s.cfg.MaxRequests > 0 && s.stats.Rounds >= s.cfg.MaxRequests {
			s.log.Info("demo traffic finished", slog.Any("stats", s.stats))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) RunOnce(ctx context.Context) {
	s.stats.Rounds++
	if err := s.sendQuery(ctx); err != nil {
		s.stats.Failures++
		s.log.Error("demo query failed", slog.Any("error", err))
	}
	if s.cfg.Unsafe {
		if err := s.sendUnsafe(ctx); err != nil {
			s.stats.Failures++
			s.log.Error("demo unsafe statement failed", slog.Any("error", err))
		}
	}
	if s.cfg.Chat {
		if err := s.sendQuestion(ctx); err != nil {
			s.stats.Failures++
			s.log.Error("demo question failed", slog.Any("error", err))
		}
	}
}

func (s *Service) sendQuery(ctx context.Context) error {
	generated := s.generator.NextQuery()
	var response queryResponse
	status, body, err := s.doJSON(ctx, "/v1/query", queryRequest{SQL: generated.SQL, Params: generated.Params, RowLimit: s.cfg.RowLimit}, &response)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("query status %d: %s", status, strings.TrimSpace(string(body)))
	}
	s.stats.Queries++
	s.log.Info(
		"demo query answered",
		slog.Int("row_count", len(response.Rows)),
		slog.Any("limits", response.Limits),
		slog.Bool("truncated", response.Truncated),
		slog.Float64("duration_ms", response.Stats.DurationMS),
	)
	return nil
}

func (s *Service) sendUnsafe(ctx context.Context) error {
	stmt := s.generator.NextUnsafe()
	var response errorResponse
	status, body, err := s.doJSON(ctx, "/v1/sql/validate", queryRequest{SQL: stmt.SQL, Params: []any{}}, &response)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest && response.ErrorCode == stmt.ExpectCode {
		s.stats.Rejected++
		s.log.Info("demo unsafe statement rejected", slog.String("error_code", response.ErrorCode), slog.String("sql", stmt.SQL))
		return nil
	}
	s.stats.Escapes++
	s.log.Error(
		"demo unsafe statement was not rejected as expected",
		slog.String("sql", stmt.SQL),
		slog.String("want_error_code", stmt.ExpectCode),
		slog.Int("status", status),
		slog.String("body", strings.TrimSpace(string(body))),
	)
	return nil
}

func (s *Service) sendQuestion(ctx context.Context) error {
	question := s.generator.NextQuestion()
	var response chatResponse
	status, body, err := s.doJSON(ctx, "/v1/chat", chatRequest{Query: question, RowLimit: s.cfg.RowLimit}, &response)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("chat status %d: %s", status, strings.TrimSpace(string(body)))
	}
	s.stats.Answers++
	s.log.Info(
		"demo question answered",
		slog.String("question", question),
		slog.String("sql", response.SQL),
		slog.Int("attempts", response.Attempts),
		slog.Int("row_count", len(response.Rows)),
		slog.String("summary", response.Summary),
	)
	return nil
}

func (s *Service) doJSON(ctx context.Context, path string, requestBody any, responseBody any) (int, []byte, error) {
	raw, err := json.Marshal(requestBody)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	if responseBody != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, responseBody); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}
