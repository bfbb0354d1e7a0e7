package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/edgeflare/topicstore/internal/testutil/feedtest"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetPolicyJSON(t *testing.T) {
	stop := int64(2000)
	tests := []struct {
		in   string
		want feed.OffsetPolicy
	}{
		{`"Beginning"`, feed.OffsetPolicy{Kind: feed.Beginning}},
		{`"End"`, feed.OffsetPolicy{Kind: feed.End}},
		{`{"Custom":{"start_timestamp":1000}}`, feed.OffsetPolicy{Kind: feed.Custom, StartTimestamp: 1000}},
		{`{"Custom":{"start_timestamp":1000,"stop_timestamp":2000}}`, feed.OffsetPolicy{Kind: feed.Custom, StartTimestamp: 1000, StopTimestamp: &stop}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var p feed.OffsetPolicy
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			assert.Equal(t, tt.want, p)

			out, err := json.Marshal(p)
			require.NoError(t, err)
			assert.JSONEq(t, tt.in, string(out))
		})
	}

	for _, bad := range []string{`"Middle"`, `{"Latest":{}}`, `{"Custom":{"start_timestamp":5,"stop_timestamp":1}}`, `42`} {
		var p feed.OffsetPolicy
		assert.Error(t, json.Unmarshal([]byte(bad), &p), bad)
	}
}

func TestOffsetPolicyPastStop(t *testing.T) {
	stop := int64(1_000)
	p := feed.OffsetPolicy{Kind: feed.Custom, StopTimestamp: &stop}
	assert.False(t, p.PastStop(time.UnixMilli(1_000)))
	assert.True(t, p.PastStop(time.UnixMilli(1_001)))
	assert.False(t, feed.OffsetPolicy{Kind: feed.Beginning}.PastStop(time.UnixMilli(5_000)))
}

func newFeed() *feedtest.Feed {
	f := feedtest.New()
	f.AddTopic("orders", 2)
	for i := range 5 {
		f.Produce("orders", 0, "a", "v", time.UnixMilli(int64(1000+i*100)))
		f.Produce("orders", 1, "b", "v", time.UnixMilli(int64(1050+i*100)))
	}
	return f
}

func sorted(positions []feed.StartPosition) []feed.StartPosition {
	sort.Slice(positions, func(i, j int) bool { return positions[i].Partition < positions[j].Partition })
	return positions
}

func TestOffsetPolicyResolve(t *testing.T) {
	ctx := context.Background()
	f := newFeed()

	positions, err := feed.OffsetPolicy{Kind: feed.Beginning}.Resolve(ctx, f, "orders", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []feed.StartPosition{{Partition: 0, Offset: 0, End: 5}, {Partition: 1, Offset: 0, End: 5}}, sorted(positions))

	positions, err = feed.OffsetPolicy{Kind: feed.End}.Resolve(ctx, f, "orders", time.Second)
	require.NoError(t, err)
	for _, pos := range positions {
		assert.True(t, pos.Empty())
	}

	// partition 0: 1000 1100 1200 1300 1400, partition 1: 1050 1150 1250 1350 1450
	positions, err = feed.OffsetPolicy{Kind: feed.Custom, StartTimestamp: 1200}.Resolve(ctx, f, "orders", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []feed.StartPosition{{Partition: 0, Offset: 2, End: 5}, {Partition: 1, Offset: 2, End: 5}}, sorted(positions))

	// no record at or after the start timestamp falls back to the end
	positions, err = feed.OffsetPolicy{Kind: feed.Custom, StartTimestamp: 9999}.Resolve(ctx, f, "orders", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []feed.StartPosition{{Partition: 0, Offset: 5, End: 5}, {Partition: 1, Offset: 5, End: 5}}, sorted(positions))
}

func TestOffsetPolicyResolveErrors(t *testing.T) {
	ctx := context.Background()

	f := newFeed()
	_, err := feed.OffsetPolicy{Kind: feed.Beginning}.Resolve(ctx, f, "missing", time.Second)
	require.ErrorIs(t, err, feed.ErrFeed)

	f.MetadataErr = errors.New("broker unreachable")
	_, err = feed.OffsetPolicy{Kind: feed.Beginning}.Resolve(ctx, f, "orders", time.Second)
	require.ErrorIs(t, err, feed.ErrFeed)

	slow := newFeed()
	slow.MetadataDelay = time.Second
	_, err = feed.OffsetPolicy{Kind: feed.End}.Resolve(ctx, slow, "orders", 20*time.Millisecond)
	require.ErrorIs(t, err, feed.ErrTimeout)
}
