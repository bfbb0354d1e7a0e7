package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/edgeflare/topicstore/pkg/metrics"
	"go.uber.org/zap"
)

// ExportDelimiter separates fields of exported files.
const ExportDelimiter = ';'

// TimestampLayout is the ISO-8601 layout used when timestamps are parsed on
// export.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ExportRequest describes a full export of a topic table.
type ExportRequest struct {
	Query          string
	OutputPath     string
	Limit          *int64
	Overwrite      bool
	ParseTimestamp bool
}

// CreateExportFile opens the export target. It fails with ErrOverwrite when
// the file exists and overwrite is false, and with ErrIO when the file cannot
// be created.
func CreateExportFile(path string, overwrite bool) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty output path", ErrIO)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrOverwrite, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f, nil
}

// ExportAll writes every row matched by req.Query to req.OutputPath.
func (s *Store) ExportAll(ctx context.Context, table string, req ExportRequest) (int64, error) {
	if err := ValidateTemplate(req.Query); err != nil {
		return 0, err
	}
	if err := s.Prepare(ctx, table, req.Query); err != nil {
		return 0, err
	}
	f, err := CreateExportFile(req.OutputPath, req.Overwrite)
	if err != nil {
		return 0, err
	}
	n, err := s.Export(ctx, table, req, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %v", ErrIO, cerr)
	}
	return n, err
}

// Export writes the rows matched by req.Query to w as a delimited file with a
// header line. Pagination placeholders are set to cover the whole table, or
// req.Limit rows when set. The timestamp column is written first, key and
// payload last.
func (s *Store) Export(ctx context.Context, table string, req ExportRequest, w io.Writer) (int64, error) {
	limit := int64(-1)
	if req.Limit != nil && *req.Limit >= 0 {
		limit = *req.Limit
	}
	stmt, err := Render(req.Query, table, limit, 0)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() { metrics.StoreQueryDuration.WithLabelValues("export").Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExportTimeout)
	defer cancel()

	cw := csv.NewWriter(w)
	cw.Comma = ExportDelimiter

	var (
		order   []int
		tsIndex = -1
		written int64
		line    []string
	)
	errLimitReached := errors.New("limit reached")

	err = s.scan(ctx, stmt,
		func(cols []string) error {
			order, tsIndex = exportOrder(cols)
			header := make([]string, len(order))
			for i, idx := range order {
				header[i] = cols[idx]
			}
			line = make([]string, len(order))
			if err := cw.Write(header); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			return nil
		},
		func(values []any) error {
			if limit >= 0 && written >= limit {
				return errLimitReached
			}
			for i, idx := range order {
				line[i] = formatValue(values[idx], idx == tsIndex && req.ParseTimestamp)
			}
			if err := cw.Write(line); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			written++
			return nil
		})
	if err != nil && !errors.Is(err, errLimitReached) {
		return written, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("%w: %v", ErrIO, err)
	}

	metrics.ExportedRecords.WithLabelValues(table).Add(float64(written))
	s.logger.Debug("export finished", zap.String("table", table), zap.Int64("rows", written))
	return written, nil
}

// exportOrder returns column indexes with timestamp first, key second to last
// and payload last. The remaining columns keep their query order.
func exportOrder(cols []string) ([]int, int) {
	tsIndex, keyIndex, payloadIndex := -1, -1, -1
	middle := make([]int, 0, len(cols))
	for i, c := range cols {
		switch {
		case c == "timestamp" && tsIndex < 0:
			tsIndex = i
		case c == "key" && keyIndex < 0:
			keyIndex = i
		case c == "payload" && payloadIndex < 0:
			payloadIndex = i
		default:
			middle = append(middle, i)
		}
	}
	order := make([]int, 0, len(cols))
	if tsIndex >= 0 {
		order = append(order, tsIndex)
	}
	order = append(order, middle...)
	if keyIndex >= 0 {
		order = append(order, keyIndex)
	}
	if payloadIndex >= 0 {
		order = append(order, payloadIndex)
	}
	return order, tsIndex
}

func formatValue(v any, parseTimestamp bool) string {
	if parseTimestamp {
		if ms, ok := asInt(v); ok {
			return time.UnixMilli(ms).UTC().Format(TimestampLayout)
		}
	}
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s, _ := asString(t)
		return s
	}
}
