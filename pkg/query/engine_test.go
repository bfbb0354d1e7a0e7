package query

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const byOffset = `SELECT partition, offset, timestamp, key, payload FROM {:topic} ORDER BY partition, offset LIMIT {:limit} OFFSET {:offset}`

var target = Target{ClusterID: "local", Topic: "orders"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	errs   []error
	signal chan struct{}
}

func newPublisher() *recordingPublisher {
	return &recordingPublisher{signal: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(name string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, events.Event{Name: name, Payload: payload})
	p.mu.Unlock()
	p.signal <- struct{}{}
}

func (p *recordingPublisher) PublishError(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
	p.signal <- struct{}{}
}

func (p *recordingPublisher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
	}
}

func seededStore(t *testing.T, n int) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "records.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	table := target.table()
	require.NoError(t, s.EnsureTable(ctx, table))
	for i := range n {
		payload := "v"
		ts := int64(1_700_000_000_000 + i)
		rec := store.Record{Key: "k", Payload: &payload, Partition: int32(i % 2), Offset: int64(i / 2), Timestamp: &ts}
		require.NoError(t, s.Ingest(ctx, table, rec, false))
	}
	return s
}

func TestPageNavigation(t *testing.T) {
	e := NewEngine(seededStore(t, 10), nil, Config{PageSize: 5}, zap.NewNop())
	defer e.Close()
	ctx := context.Background()

	page, err := e.Page(ctx, target, byOffset, 0)
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	require.NotNil(t, page.NextPage)
	assert.Equal(t, 1, *page.NextPage)
	assert.Nil(t, page.PrevPage)

	page, err = e.Page(ctx, target, byOffset, 1)
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	require.NotNil(t, page.PrevPage)
	assert.Equal(t, 0, *page.PrevPage)

	page, err = e.Page(ctx, target, byOffset, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Nil(t, page.NextPage)
	assert.Equal(t, 1, *page.PrevPage)
}

func TestPagesAreContiguous(t *testing.T) {
	e := NewEngine(seededStore(t, 23), nil, Config{PageSize: 4}, zap.NewNop())
	defer e.Close()
	ctx := context.Background()

	var paged []store.Record
	for n := 0; ; n++ {
		page, err := e.Page(ctx, target, byOffset, n)
		require.NoError(t, err)
		paged = append(paged, page.Records...)
		if page.NextPage == nil {
			break
		}
	}

	unpaginated := `SELECT partition, offset, timestamp, key, payload FROM {:topic} ORDER BY partition, offset`
	all, err := e.Page(ctx, target, unpaginated, 0)
	require.NoError(t, err)
	assert.Len(t, paged, 23)
	assert.Equal(t, all.Records, paged)
}

func TestTemplateChangeResetsPagination(t *testing.T) {
	e := NewEngine(seededStore(t, 10), nil, Config{PageSize: 2}, zap.NewNop())
	defer e.Close()
	ctx := context.Background()

	page, err := e.Page(ctx, target, byOffset, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, page.PageNumber)

	other := `SELECT * FROM {:topic} WHERE partition = 1 ORDER BY offset LIMIT {:limit} OFFSET {:offset}`
	page, err = e.Page(ctx, target, other, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, page.PageNumber)
	assert.Nil(t, page.PrevPage)
	assert.Equal(t, int64(0), page.Records[0].Offset)

	page, err = e.Page(ctx, target, other, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.PageNumber)

	e.Forget(target)
	page, err = e.Page(ctx, target, byOffset, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.PageNumber)
}

func TestPageDefaultTemplate(t *testing.T) {
	e := NewEngine(seededStore(t, 30), nil, Config{}, zap.NewNop())
	defer e.Close()

	page, err := e.Page(context.Background(), target, "  ", 0)
	require.NoError(t, err)
	assert.Len(t, page.Records, DefaultPageSize)
	assert.Equal(t, int64(1_700_000_000_029), *page.Records[0].Timestamp)
}

func TestPageInvalidQuery(t *testing.T) {
	e := NewEngine(seededStore(t, 1), nil, Config{}, zap.NewNop())
	defer e.Close()

	_, err := e.Page(context.Background(), target, "DELETE FROM {:topic}", 0)
	require.ErrorIs(t, err, store.ErrInvalidQuery)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = store.ExportDelimiter
	lines, err := r.ReadAll()
	require.NoError(t, err)
	return lines
}

func TestExportPublishesResult(t *testing.T) {
	pub := newPublisher()
	e := NewEngine(seededStore(t, 100), pub, Config{}, zap.NewNop())
	defer e.Close()

	out := filepath.Join(t.TempDir(), "out.csv")
	limit := int64(3)
	id, err := e.Export(context.Background(), target, ExportOptions{Query: byOffset, OutputPath: out, Limit: &limit})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pub.wait(t)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.NameExport, pub.events[0].Name)
	payload := pub.events[0].Payload.(events.ExportPayload)
	assert.Equal(t, id, payload.TaskID)
	assert.Equal(t, int64(3), payload.Rows)

	lines := readCSV(t, out)
	assert.Len(t, lines, 4)
	assert.Equal(t, []string{"timestamp", "partition", "offset", "key", "payload"}, lines[0])
}

func TestExportSynchronousErrors(t *testing.T) {
	e := NewEngine(seededStore(t, 1), nil, Config{}, zap.NewNop())
	defer e.Close()
	ctx := context.Background()

	existing := filepath.Join(t.TempDir(), "exists.csv")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0o644))

	_, err := e.Export(ctx, target, ExportOptions{Query: byOffset, OutputPath: existing})
	require.ErrorIs(t, err, store.ErrOverwrite)
	data, _ := os.ReadFile(existing)
	assert.Equal(t, "keep", string(data))

	_, err = e.Export(ctx, target, ExportOptions{Query: byOffset, OutputPath: filepath.Join(t.TempDir(), "missing", "out.csv")})
	require.ErrorIs(t, err, store.ErrIO)

	_, err = e.Export(ctx, target, ExportOptions{Query: "DROP TABLE {:topic}", OutputPath: filepath.Join(t.TempDir(), "x.csv")})
	require.ErrorIs(t, err, store.ErrInvalidQuery)
}

func TestExportUnknownColumnFailsBeforeStart(t *testing.T) {
	pub := newPublisher()
	e := NewEngine(seededStore(t, 1), pub, Config{}, zap.NewNop())
	defer e.Close()
	ctx := context.Background()

	out := filepath.Join(t.TempDir(), "out.csv")
	_, err := e.Export(ctx, target, ExportOptions{Query: "SELECT nope FROM {:topic} LIMIT {:limit}", OutputPath: out})
	require.ErrorIs(t, err, store.ErrInvalidQuery)
	assert.Contains(t, err.Error(), "nope")
	assert.NoFileExists(t, out)

	_, err = e.Export(ctx, Target{ClusterID: "local", Topic: "never-consumed"}, ExportOptions{OutputPath: out})
	require.ErrorIs(t, err, store.ErrInvalidQuery)
	assert.NoFileExists(t, out)

	e.mu.Lock()
	assert.Empty(t, e.tasks)
	e.mu.Unlock()
	assert.Empty(t, pub.errs)
}

type failingStore struct {
	blockingStore
	err error
}

func (s *failingStore) Export(context.Context, string, store.ExportRequest, io.Writer) (int64, error) {
	return 0, s.err
}

func TestExportFailurePublishesError(t *testing.T) {
	pub := newPublisher()
	e := NewEngine(&failingStore{err: store.ErrTimeout}, pub, Config{}, zap.NewNop())
	defer e.Close()

	out := filepath.Join(t.TempDir(), "out.csv")
	_, err := e.Export(context.Background(), target, ExportOptions{Query: byOffset, OutputPath: out})
	require.NoError(t, err)

	pub.wait(t)
	require.Len(t, pub.errs, 1)
	assert.ErrorIs(t, pub.errs[0], store.ErrTimeout)
	assert.NoFileExists(t, out)
}

type blockingStore struct {
	started chan struct{}
}

func (s *blockingStore) Query(context.Context, string, string, int, int) ([]store.Record, error) {
	return nil, nil
}

func (s *blockingStore) Prepare(context.Context, string, string) error { return nil }

func (s *blockingStore) Export(ctx context.Context, _ string, _ store.ExportRequest, _ io.Writer) (int64, error) {
	close(s.started)
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestCancelExport(t *testing.T) {
	s := &blockingStore{started: make(chan struct{})}
	pub := newPublisher()
	e := NewEngine(s, pub, Config{}, zap.NewNop())

	out := filepath.Join(t.TempDir(), "out.csv")
	id, err := e.Export(context.Background(), target, ExportOptions{OutputPath: out})
	require.NoError(t, err)
	<-s.started

	require.ErrorIs(t, e.CancelExport("nope"), ErrUnknownTask)
	require.NoError(t, e.CancelExport(id))
	require.NoError(t, e.Close())

	assert.NoFileExists(t, out)
	assert.Empty(t, pub.events)
	assert.Empty(t, pub.errs)

	_, err = e.Export(context.Background(), target, ExportOptions{OutputPath: out})
	require.ErrorIs(t, err, ErrClosed)
}
