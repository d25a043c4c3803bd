// Package archive persists answered chat exchanges as parquet objects so they
// can be audited or loaded into analytics tooling later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/storage"
)

const contentType = "application/vnd.apache.parquet"

type Record struct {
	TraceID     string    `json:"trace_id"`
	Subject     string    `json:"subject,omitempty"`
	Question    string    `json:"question"`
	SQL         string    `json:"sql"`
	Params      []any     `json:"params"`
	Explanation string    `json:"explanation"`
	Summary     string    `json:"summary"`
	Attempts    int       `json:"attempts"`
	Columns     []string  `json:"columns"`
	Rows        [][]any   `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// One parquet row per result row. Exchange-level fields repeat on every row;
// an exchange with no result rows is stored as a single row with index -1.
type parquetRow struct {
	TraceID         string `parquet:"trace_id"`
	Subject         string `parquet:"subject"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
	Question        string `parquet:"question"`
	SQL             string `parquet:"sql"`
	ParamsJSON      string `parquet:"params_json"`
	Explanation     string `parquet:"explanation"`
	Summary         string `parquet:"summary"`
	Attempts        int32  `parquet:"attempts"`
	ColumnsJSON     string `parquet:"columns_json"`
	RowIndex        int64  `parquet:"row_index"`
	RowJSON         string `parquet:"row_json"`
}

type Archiver struct {
	store storage.ObjectStore
}

func NewArchiver(store storage.ObjectStore) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	return &Archiver{store: store}, nil
}

// Archive writes record and returns its object key.
func (a *Archiver) Archive(ctx context.Context, record Record) (string, error) {
	key, err := a.archive(ctx, record)
	observability.ObserveArchiveWrite(err)
	return key, err
}

func (a *Archiver) archive(ctx context.Context, record Record) (string, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	key, err := storage.BuildExchangeKey(record.TraceID, record.CreatedAt)
	if err != nil {
		return "", err
	}
	data, err := Encode(record)
	if err != nil {
		return "", err
	}
	if _, err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("store exchange: %w", err)
	}
	return key, nil
}

// Read loads a previously archived exchange.
func (a *Archiver) Read(ctx context.Context, key string) (Record, error) {
	reader, err := a.store.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Record{}, fmt.Errorf("read exchange %q: %w", key, err)
	}
	return Decode(data)
}

func Encode(record Record) ([]byte, error) {
	paramsJSON, err := json.Marshal(nonNil(record.Params))
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	columnsJSON, err := json.Marshal(record.Columns)
	if err != nil {
		return nil, fmt.Errorf("marshal columns: %w", err)
	}

	base := parquetRow{
		TraceID:         record.TraceID,
		Subject:         record.Subject,
		CreatedAtUnixMs: record.CreatedAt.UTC().UnixMilli(),
		Question:        record.Question,
		SQL:             record.SQL,
		ParamsJSON:      string(paramsJSON),
		Explanation:     record.Explanation,
		Summary:         record.Summary,
		Attempts:        int32(record.Attempts),
		ColumnsJSON:     string(columnsJSON),
		RowIndex:        -1,
	}

	rows := make([]parquetRow, 0, max(len(record.Rows), 1))
	for i, values := range record.Rows {
		rowJSON, err := json.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", i, err)
		}
		row := base
		row.RowIndex = int64(i)
		row.RowJSON = string(rowJSON)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		rows = append(rows, base)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (Record, error) {
	reader := parquet.NewGenericReader[parquetRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetRow, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("read parquet rows: %w", err)
	}
	rows = rows[:count]
	if len(rows) == 0 {
		return Record{}, errors.New("archived exchange is empty")
	}

	first := rows[0]
	record := Record{
		TraceID:     first.TraceID,
		Subject:     first.Subject,
		Question:    first.Question,
		SQL:         first.SQL,
		Explanation: first.Explanation,
		Summary:     first.Summary,
		Attempts:    int(first.Attempts),
		CreatedAt:   time.UnixMilli(first.CreatedAtUnixMs).UTC(),
		Rows:        make([][]any, 0, len(rows)),
	}
	if err := json.Unmarshal([]byte(first.ParamsJSON), &record.Params); err != nil {
		return Record{}, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(first.ColumnsJSON), &record.Columns); err != nil {
		return Record{}, fmt.Errorf("decode columns: %w", err)
	}
	for _, row := range rows {
		if row.RowIndex < 0 {
			continue
		}
		var values []any
		if err := json.Unmarshal([]byte(row.RowJSON), &values); err != nil {
			return Record{}, fmt.Errorf("decode row %d: %w", row.RowIndex, err)
		}
		record.Rows = append(record.Rows, values)
	}
	return record, nil
}

func nonNil(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}
