package api

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/topicstore/internal/testutil/feedtest"
	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/edgeflare/topicstore/pkg/query"
	"github.com/edgeflare/topicstore/pkg/session"
	"github.com/edgeflare/topicstore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	dispatcher *Dispatcher
	bus        *events.Bus
	store      *store.Store
	feed       *feedtest.Feed
}

// newFixture wires a dispatcher over a fake cluster "local" whose topic
// "orders" holds 10 records in 2 partitions.
func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "records.db")}, zap.NewNop())
	require.NoError(t, err)

	f := feedtest.New()
	f.AddTopic("orders", 2)
	for i := range 10 {
		f.Produce("orders", int32(i%2), fmt.Sprintf("k%d", i), fmt.Sprintf(`{"n":%d}`, i), time.UnixMilli(int64(1000+i)))
	}

	dial := func(_ context.Context, clusterID string) (feed.Feed, error) {
		if clusterID != "local" {
			return nil, fmt.Errorf("%w: %s", session.ErrUnknownCluster, clusterID)
		}
		return f, nil
	}

	bus := events.NewBus(Classify, zap.NewNop())
	registry := session.New(session.NewFeedManager(dial), s, bus, ingest.Config{FeedTimeout: time.Second}, zap.NewNop())
	engine := query.NewEngine(s, bus, query.Config{PageSize: 4}, zap.NewNop())
	t.Cleanup(func() {
		registry.Close(context.Background())
		engine.Close()
		bus.Close()
		s.Close()
	})

	return fixture{
		dispatcher: NewDispatcher(registry, engine, bus, zap.NewNop()),
		bus:        bus,
		store:      s,
		feed:       f,
	}
}

func (fx fixture) invoke(t *testing.T, name, args string) (any, error) {
	t.Helper()
	return fx.dispatcher.Invoke(context.Background(), name, json.RawMessage(args))
}

func (fx fixture) state(t *testing.T) ingest.Status {
	t.Helper()
	res, err := fx.invoke(t, CmdGetConsumerState, `{"clusterId":"local","topic":"orders"}`)
	require.NoError(t, err)
	return res.(ingest.Status)
}

func TestConsumeAndBrowse(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.invoke(t, CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"compactify":false,"consumer_start_config":"Beginning"}}`)
	require.NoError(t, err)
	assert.True(t, fx.state(t).IsRunning)

	require.Eventually(t, func() bool { return fx.state(t).RecordCount == 10 }, 5*time.Second, 10*time.Millisecond)

	res, err := fx.invoke(t, CmdGetRecordsPage, `{"clusterId":"local","topic":"orders","query":"","pageNumber":0}`)
	require.NoError(t, err)
	page := res.(*query.Page)
	require.Len(t, page.Records, 4)
	assert.Equal(t, "k9", page.Records[0].Key)
	require.NotNil(t, page.NextPage)
	assert.Equal(t, 1, *page.NextPage)
	assert.Nil(t, page.PrevPage)

	_, err = fx.invoke(t, CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"End"}}`)
	assert.Equal(t, TypeAlreadyRunning, AsError(err).ErrorType)

	_, err = fx.invoke(t, CmdStopConsumer, `{"clusterId":"local","topic":"orders"}`)
	require.NoError(t, err)
	st := fx.state(t)
	assert.False(t, st.IsRunning)
	assert.Equal(t, int64(10), st.RecordCount)
	assert.Equal(t, ingest.StoppedByUser, st.StopCause)

	_, err = fx.invoke(t, CmdStopConsumer, `{"clusterId":"local","topic":"orders"}`)
	assert.Equal(t, TypeNotRunning, AsError(err).ErrorType)

	n, err := fx.store.Count(context.Background(), store.TableName("local", "orders"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestClearRecords(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.invoke(t, CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"Beginning"}}`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.state(t).RecordCount == 10 }, 5*time.Second, 10*time.Millisecond)

	_, err = fx.invoke(t, CmdClearRecords, `{"clusterId":"local","topic":"orders"}`)
	require.NoError(t, err)

	tables, err := fx.store.Tables(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, tables, store.TableName("local", "orders"))

	st := fx.state(t)
	assert.False(t, st.IsRunning)
	assert.Zero(t, st.RecordCount)
}

func TestLastOffsets(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.invoke(t, CmdGetLastOffsets, `{"clusterId":"local","topicNames":["orders"]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string][]feed.PartitionOffset{
		"orders": {{PartitionID: 0, Offset: 5}, {PartitionID: 1, Offset: 5}},
	}, res)

	res, err = fx.invoke(t, CmdGetLastOffsets, `{"clusterId":"local","topicNames":[]}`)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = fx.invoke(t, CmdGetLastOffsets, `{"clusterId":"local","topicNames":["missing"]}`)
	assert.Equal(t, TypeFeedError, AsError(err).ErrorType)
}

func TestStartFailurePublishesError(t *testing.T) {
	fx := newFixture(t)
	evs, unsubscribe := fx.bus.Subscribe(4)
	defer unsubscribe()

	_, err := fx.invoke(t, CmdStartConsumer, `{"clusterId":"prod","topic":"orders","config":{"consumer_start_config":"Beginning"}}`)
	require.Error(t, err)
	assert.Equal(t, TypeUnknownCluster, AsError(err).ErrorType)

	select {
	case ev := <-evs:
		assert.Equal(t, events.NameError, ev.Name)
		assert.Equal(t, TypeUnknownCluster, ev.Payload.(events.ErrorPayload).ErrorType)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestExportAndCancel(t *testing.T) {
	fx := newFixture(t)
	evs, unsubscribe := fx.bus.Subscribe(4)
	defer unsubscribe()

	_, err := fx.invoke(t, CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"Beginning"}}`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.state(t).RecordCount == 10 }, 5*time.Second, 10*time.Millisecond)

	out := filepath.Join(t.TempDir(), "orders.csv")
	res, err := fx.invoke(t, CmdExportRecords, fmt.Sprintf(`{"clusterId":"local","topic":"orders","options":{"query":"","outputPath":%q,"limit":3,"overwrite":false,"parseTimestamp":true}}`, out))
	require.NoError(t, err)
	taskID := res.(ExportStarted).TaskID
	assert.NotEmpty(t, taskID)

	select {
	case ev := <-evs:
		require.Equal(t, events.NameExport, ev.Name)
		payload := ev.Payload.(events.ExportPayload)
		assert.Equal(t, taskID, payload.TaskID)
		assert.Equal(t, int64(3), payload.Rows)
	case <-time.After(5 * time.Second):
		t.Fatal("no export event")
	}

	_, err = fx.invoke(t, CmdExportRecords, fmt.Sprintf(`{"clusterId":"local","topic":"orders","options":{"outputPath":%q}}`, out))
	assert.Equal(t, TypeOverwrite, AsError(err).ErrorType)

	_, err = fx.invoke(t, CmdCancelExport, `{"taskId":"unknown"}`)
	assert.Equal(t, TypeInvalidArgs, AsError(err).ErrorType)
}

func TestInvokeErrors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name      string
		command   string
		args      string
		errorType string
	}{
		{"unknown command", "drop_database", `{}`, TypeUnknownCommand},
		{"malformed json", CmdStartConsumer, `{"clusterId":`, TypeInvalidArgs},
		{"missing topic", CmdStopConsumer, `{"clusterId":"local"}`, TypeInvalidArgs},
		{"empty body", CmdGetConsumerState, ``, TypeInvalidArgs},
		{"bad policy", CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"Middle"}}`, TypeInvalidArgs},
		{"negative page", CmdGetRecordsPage, `{"clusterId":"local","topic":"orders","pageNumber":-1}`, TypeInvalidArgs},
		{"invalid query", CmdGetRecordsPage, `{"clusterId":"local","topic":"orders","query":"DELETE FROM {:topic}"}`, TypeInvalidQuery},
		{"missing cluster", CmdCloseCluster, `{}`, TypeInvalidArgs},
		{"missing task", CmdCancelExport, `{}`, TypeInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := fx.invoke(t, tt.command, tt.args)
			require.Error(t, err)
			assert.Nil(t, res)
			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.errorType, apiErr.ErrorType)
		})
	}
}

func TestCloseClusterAndSessions(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.invoke(t, CmdStartConsumer, `{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"End"}}`)
	require.NoError(t, err)

	res, err := fx.invoke(t, CmdListSessions, `{}`)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "orders", res.([]session.Info)[0].Topic)

	_, err = fx.invoke(t, CmdCloseCluster, `{"clusterId":"local"}`)
	require.NoError(t, err)

	res, err = fx.invoke(t, CmdListSessions, `{}`)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestCommands(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, []string{
		CmdCancelExport, CmdClearRecords, CmdCloseCluster, CmdExportRecords, CmdGetConsumerState,
		CmdGetLastOffsets, CmdGetRecordsPage, CmdListSessions, CmdStartConsumer, CmdStopConsumer,
	}, fx.dispatcher.Commands())
}
