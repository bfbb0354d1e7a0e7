package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/edgeflare/topicstore/pkg/metrics"
)

// Query runs template against table and returns one page of records.
// {:limit} is replaced by pageSize and {:offset} by pageIndex*pageSize.
func (s *Store) Query(ctx context.Context, table, template string, pageIndex, pageSize int) ([]Record, error) {
	if pageIndex < 0 || pageSize <= 0 {
		return nil, fmt.Errorf("%w: page %d with size %d", ErrInvalidQuery, pageIndex, pageSize)
	}
	stmt, err := Render(template, table, int64(pageSize), int64(pageIndex)*int64(pageSize))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.StoreQueryDuration.WithLabelValues("page").Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	var cols []string
	records := make([]Record, 0, pageSize)
	err = s.scan(ctx, stmt,
		func(c []string) error {
			cols = c
			return nil
		},
		func(values []any) error {
			records = append(records, toRecord(cols, values))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Prepare compiles template against table without reading rows, so unknown
// tables and columns are reported before an export starts.
func (s *Store) Prepare(ctx context.Context, table, template string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	stmt, err := Render(template, table, 0, 0)
	if err != nil {
		return err
	}
	db, err := s.reader.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	prepared, err := db.PrepareContext(ctx, stmt)
	if err != nil {
		return classify(ctx, err)
	}
	return prepared.Close()
}

// scan executes stmt on the read-only pool, passes the result column names to
// onColumns and then every row's raw SQLite values to onRow.
func (s *Store) scan(ctx context.Context, stmt string, onColumns func([]string) error, onRow func([]any) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rows, err := s.reader.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return classify(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return classify(ctx, err)
	}
	if err := onColumns(cols); err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return classify(ctx, err)
		}
		if err := onRow(values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// classify maps driver errors of a validated read query onto the store's
// error kinds.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
}

func toRecord(cols []string, values []any) Record {
	var r Record
	for i, col := range cols {
		v := values[i]
		switch col {
		case "key":
			r.Key, _ = asString(v)
		case "payload":
			if s, ok := asString(v); ok {
				r.Payload = &s
			}
		case "partition":
			n, _ := asInt(v)
			r.Partition = int32(n)
		case "offset":
			r.Offset, _ = asInt(v)
		case "timestamp":
			if n, ok := asInt(v); ok {
				r.Timestamp = &n
			}
		case "schema_id":
			if n, ok := asInt(v); ok {
				id := int32(n)
				r.SchemaID = &id
			}
		case "header":
			if s, ok := asString(v); ok {
				r.Header = &s
			}
		case "record_bytes":
			r.RecordBytes, _ = asInt(v)
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			r.Extra[col] = v
		}
	}
	return r
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
