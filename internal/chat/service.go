// Package chat answers natural-language questions: it asks the generator for
// SQL, runs the candidate through the validator, executes what survives and
// summarizes the rows.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlchat/sqlchat/internal/archive"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type Stage string

const (
	StageSchema    Stage = "schema"
	StageTranslate Stage = "translate"
	StageValidate  Stage = "validate"
	StageExecute   Stage = "execute"
	StageSummarize Stage = "summarize"
)

// StageError marks which step of a request failed. Validator rejections are
// returned as *sqlguard.Rejection instead.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type SchemaContext interface {
	PromptContext(maxTables int) (string, error)
}

type Validator interface {
	Validate(req sqlguard.Request) (sqlguard.Accepted, error)
	EffectiveCeiling(requested int64) int64
}

type Archiver interface {
	Archive(ctx context.Context, record archive.Record) (string, error)
}

type Config struct {
	MaxAttempts     int
	PromptMaxTables int
	SummaryEnabled  bool
}

type Dependencies struct {
	Logger     *slog.Logger
	Schema     SchemaContext
	Translator nl2sql.Translator
	Summarizer nl2sql.Summarizer
	Validator  Validator
	Executor   query.Executor
	Archiver   Archiver
}

type Service struct {
	cfg  Config
	deps Dependencies
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

type Question struct {
	Text     string
	RowLimit int64
	Archive  bool
	Subject  string
}

type Answer struct {
	Summary     string
	Explanation string
	SQL         string
	Params      []any
	Columns     []string
	Rows        [][]any
	Limits      []int64
	Attempts    int
	Truncated   bool
	Model       string
	ArchiveKey  string
}

// Ask answers q. The generator is re-prompted with the validator's reason
// after each rejection, up to MaxAttempts generations in total.
func (s *Service) Ask(ctx context.Context, q Question) (Answer, error) {
	if s.deps.Translator == nil || s.deps.Schema == nil {
		return Answer{}, &StageError{Stage: StageTranslate, Err: errors.New("sql generation is not configured")}
	}
	schemaContext, err := s.deps.Schema.PromptContext(s.cfg.PromptMaxTables)
	if err != nil {
		return Answer{}, &StageError{Stage: StageSchema, Err: err}
	}

	start := time.Now()
	ceiling := s.deps.Validator.EffectiveCeiling(q.RowLimit)
	var (
		feedback  []nl2sql.Attempt
		generated nl2sql.Result
		accepted  sqlguard.Accepted
		attempts  int
	)
	for attempts = 1; ; attempts++ {
		generated, err = s.deps.Translator.Translate(ctx, nl2sql.Request{
			Question:      q.Text,
			SchemaContext: schemaContext,
			RowLimit:      ceiling,
			Feedback:      feedback,
		})
		if err != nil {
			return Answer{}, &StageError{Stage: StageTranslate, Err: err}
		}

		accepted, err = s.deps.Validator.Validate(sqlguard.Request{SQL: generated.SQL, Params: generated.Params, Ceiling: ceiling})
		if err == nil {
			break
		}
		rejection, ok := sqlguard.AsRejection(err)
		if !ok {
			return Answer{}, &StageError{Stage: StageValidate, Err: err}
		}
		s.deps.Logger.WarnContext(ctx, "generated sql rejected",
			observability.TraceAttr(ctx),
			slog.Int("attempt", attempts),
			slog.String("kind", string(rejection.Kind)),
			slog.String("detail", rejection.Detail),
		)
		if attempts >= s.cfg.MaxAttempts {
			observability.ObserveTranslateAttempts(attempts)
			return Answer{}, rejection
		}
		feedback = append(feedback, nl2sql.Attempt{SQL: generated.SQL, Reason: rejection.Detail})
	}
	observability.ObserveTranslateAttempts(attempts)

	result, err := s.deps.Executor.Execute(ctx, executeRequest(accepted))
	if err != nil {
		return Answer{}, &StageError{Stage: StageExecute, Err: err}
	}

	summary, err := s.summarize(ctx, q.Text, accepted.SQL, result)
	if err != nil {
		return Answer{}, &StageError{Stage: StageSummarize, Err: err}
	}

	answer := Answer{
		Summary:     summary,
		Explanation: generated.Explanation,
		SQL:         accepted.SQL,
		Params:      accepted.Params,
		Columns:     result.Columns,
		Rows:        result.Rows,
		Limits:      accepted.Limits,
		Attempts:    attempts,
		Truncated:   result.Truncated,
		Model:       generated.Model,
	}
	if q.Archive {
		answer.ArchiveKey = s.archive(ctx, q, answer)
	}

	s.deps.Logger.InfoContext(ctx, "question answered",
		observability.TraceAttr(ctx),
		slog.Int("attempts", attempts),
		slog.Int("rows", len(result.Rows)),
		slog.Duration("duration", time.Since(start)),
	)
	return answer, nil
}

type RunRequest struct {
	SQL      string
	Params   []any
	RowLimit int64
}

type RunResult struct {
	SQL       string
	Params    []any
	Columns   []string
	Rows      [][]any
	Limits    []int64
	Truncated bool
	Duration  time.Duration
}

// Run validates and executes caller-supplied SQL.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ceiling := s.deps.Validator.EffectiveCeiling(req.RowLimit)
	accepted, err := s.deps.Validator.Validate(sqlguard.Request{SQL: req.SQL, Params: req.Params, Ceiling: ceiling})
	if err != nil {
		if _, ok := sqlguard.AsRejection(err); ok {
			return RunResult{}, err
		}
		return RunResult{}, &StageError{Stage: StageValidate, Err: err}
	}

	result, err := s.deps.Executor.Execute(ctx, executeRequest(accepted))
	if err != nil {
		return RunResult{}, &StageError{Stage: StageExecute, Err: err}
	}
	return RunResult{
		SQL:       accepted.SQL,
		Params:    accepted.Params,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Limits:    accepted.Limits,
		Truncated: result.Truncated,
		Duration:  result.Duration,
	}, nil
}

// executeRequest runs the lookahead form of each accepted statement and keeps
// at most its limit, so a result cut off by an injected or capped limit
// comes back truncated.
func executeRequest(accepted sqlguard.Accepted) query.Request {
	statements := make([]query.Statement, 0, len(accepted.Statements))
	for _, statement := range accepted.Statements {
		statements = append(statements, query.Statement{
			SQL:      statement.FetchSQL,
			Params:   statement.Params,
			RowLimit: int(statement.Limit),
		})
	}
	return query.Request{SQL: accepted.SQL, Params: accepted.Params, Statements: statements}
}

func (s *Service) summarize(ctx context.Context, question, sqlText string, result query.Result) (string, error) {
	if !s.cfg.SummaryEnabled || s.deps.Summarizer == nil {
		return fmt.Sprintf("Query returned %d row(s).", len(result.Rows)), nil
	}
	return s.deps.Summarizer.Summarize(ctx, nl2sql.SummaryRequest{
		Question: question,
		SQL:      sqlText,
		Columns:  result.Columns,
		Rows:     result.Rows,
	})
}

// archive is best effort: a failed write is logged and the answer is still
// returned, without an archive key.
func (s *Service) archive(ctx context.Context, q Question, answer Answer) string {
	if s.deps.Archiver == nil {
		s.deps.Logger.DebugContext(ctx, "archive requested but not configured", observability.TraceAttr(ctx))
		return ""
	}
	traceID := observability.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = observability.NewTraceID()
	}
	key, err := s.deps.Archiver.Archive(ctx, archive.Record{
		TraceID:     traceID,
		Subject:     q.Subject,
		Question:    q.Text,
		SQL:         answer.SQL,
		Params:      answer.Params,
		Explanation: answer.Explanation,
		Summary:     answer.Summary,
		Attempts:    answer.Attempts,
		Columns:     answer.Columns,
		Rows:        answer.Rows,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.deps.Logger.ErrorContext(ctx, "archive exchange failed", observability.TraceAttr(ctx), slog.Any("error", err))
		return ""
	}
	return key
}
