// Package query serves paginated record queries and background exports on
// top of the record store.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultTemplate is used when a request carries no query.
const DefaultTemplate = "SELECT partition, offset, timestamp, key, payload FROM {:topic} ORDER BY timestamp desc LIMIT {:limit} OFFSET {:offset}"

// DefaultPageSize is the number of records per page.
const DefaultPageSize = 20

var tracer = otel.Tracer("topicstore/query")

var (
	ErrUnknownTask = errors.New("unknown export task")
	ErrClosed      = errors.New("query engine closed")
)

// Store is the part of the record store used by the engine.
type Store interface {
	Query(ctx context.Context, table, template string, pageIndex, pageSize int) ([]store.Record, error)
	Prepare(ctx context.Context, table, template string) error
	Export(ctx context.Context, table string, req store.ExportRequest, w io.Writer) (int64, error)
}

// Publisher receives export results.
type Publisher interface {
	Publish(name string, payload any)
	PublishError(err error)
}

type Config struct {
	PageSize int `mapstructure:"pageSize"`
}

// Target identifies the topic table of a cluster.
type Target struct {
	ClusterID string
	Topic     string
}

func (t Target) table() string {
	return store.TableName(t.ClusterID, t.Topic)
}

// Page is one page of query results.
type Page struct {
	Records    []store.Record `json:"records"`
	NextPage   *int           `json:"nextPage"`
	PrevPage   *int           `json:"prevPage"`
	PageNumber int            `json:"pageNumber"`
}

// ExportOptions describe an export of a topic table.
type ExportOptions struct {
	Query          string `json:"query"`
	OutputPath     string `json:"outputPath"`
	Limit          *int64 `json:"limit,omitempty"`
	Overwrite      bool   `json:"overwrite"`
	ParseTimestamp bool   `json:"parseTimestamp"`
}

// Engine runs page queries and export tasks.
type Engine struct {
	store     Store
	publisher Publisher
	pageSize  int
	logger    *zap.Logger

	mu        sync.Mutex
	templates map[Target]string
	tasks     map[string]context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

// NewEngine returns an engine. publisher may be nil.
func NewEngine(s Store, publisher Publisher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     s,
		publisher: publisher,
		pageSize:  cmp.Or(cfg.PageSize, DefaultPageSize),
		logger:    logger.Named("query"),
		templates: make(map[Target]string),
		tasks:     make(map[string]context.CancelFunc),
	}
}

// PageSize is the number of records per page.
func (e *Engine) PageSize() int { return e.pageSize }

// Page runs template for the given page of target. A template different from
// the previous one used for target restarts pagination at page 0.
func (e *Engine) Page(ctx context.Context, target Target, template string, pageNumber int) (page *Page, err error) {
	template = cmp.Or(strings.TrimSpace(template), DefaultTemplate)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if last, ok := e.templates[target]; ok && last != template {
		pageNumber = 0
	}
	e.templates[target] = template
	e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Page", trace.WithAttributes(
		attribute.String("cluster", target.ClusterID),
		attribute.String("topic", target.Topic),
		attribute.Int("page", pageNumber),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	records, err := e.store.Query(ctx, target.table(), template, pageNumber, e.pageSize)
	if err != nil {
		return nil, err
	}

	page = &Page{Records: records, PageNumber: pageNumber}
	if len(records) == e.pageSize {
		next := pageNumber + 1
		page.NextPage = &next
	}
	if pageNumber >= 1 {
		prev := pageNumber - 1
		page.PrevPage = &prev
	}
	return page, nil
}

// Forget drops the pagination state of target.
func (e *Engine) Forget(target Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.templates, target)
}

// Export checks opts, compiles the query and creates the output file, then
// writes the export in the background. The returned task id can be passed to
// CancelExport. The outcome is published as an export or an error event.
func (e *Engine) Export(ctx context.Context, target Target, opts ExportOptions) (string, error) {
	opts.Query = cmp.Or(strings.TrimSpace(opts.Query), DefaultTemplate)
	if err := store.ValidateTemplate(opts.Query); err != nil {
		return "", err
	}
	if err := e.store.Prepare(ctx, target.table(), opts.Query); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}

	f, err := store.CreateExportFile(opts.OutputPath, opts.Overwrite)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.tasks[id] = cancel
	e.wg.Add(1)
	go e.runExport(taskCtx, id, target, opts, f)

	e.logger.Info("export started",
		zap.String("task_id", id),
		zap.String("cluster", target.ClusterID),
		zap.String("topic", target.Topic),
		zap.String("path", opts.OutputPath))
	return id, nil
}

func (e *Engine) runExport(ctx context.Context, id string, target Target, opts ExportOptions, f *os.File) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.tasks[id]; ok {
			cancel()
			delete(e.tasks, id)
		}
		e.mu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "Export", trace.WithAttributes(
		attribute.String("cluster", target.ClusterID),
		attribute.String("topic", target.Topic),
		attribute.String("task_id", id),
	))
	defer span.End()

	req := store.ExportRequest{
		Query:          opts.Query,
		OutputPath:     opts.OutputPath,
		Limit:          opts.Limit,
		Overwrite:      opts.Overwrite,
		ParseTimestamp: opts.ParseTimestamp,
	}
	rows, err := e.store.Export(ctx, target.table(), req, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %v", store.ErrIO, cerr)
	}

	logger := e.logger.With(zap.String("task_id", id), zap.String("path", opts.OutputPath))
	if err != nil {
		os.Remove(opts.OutputPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Info("export canceled")
			return
		}
		logger.Error("export failed", zap.Error(err))
		if e.publisher != nil {
			e.publisher.PublishError(fmt.Errorf("export %s: %w", opts.OutputPath, err))
		}
		return
	}

	logger.Info("export finished", zap.Int64("rows", rows))
	if e.publisher != nil {
		e.publisher.Publish(events.NameExport, events.ExportPayload{
			TaskID:     id,
			ClusterID:  target.ClusterID,
			Topic:      target.Topic,
			OutputPath: opts.OutputPath,
			Rows:       rows,
		})
	}
}

// CancelExport cancels a running export. The partial file is removed.
func (e *Engine) CancelExport(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	cancel()
	return nil
}

// Close cancels all export tasks and waits for them to end.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.tasks {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
