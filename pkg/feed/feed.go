// Package feed defines the message feed that consumers read topic records
// from. The feed owns broker connections, partition metadata and fetching;
// consumers only see already fetched messages.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Special offsets accepted by Feed.OffsetAt.
const (
	OffsetNewest int64 = -1
	OffsetOldest int64 = -2
)

var (
	// ErrFeed wraps failures reported by the message queue client.
	ErrFeed = errors.New("feed error")
	// ErrTimeout is returned when the feed does not answer a metadata request
	// in time.
	ErrTimeout = errors.New("feed timeout")
	// ErrClosed is returned by calls on a feed that was closed, e.g. after
	// its cluster was removed.
	ErrClosed = errors.New("feed closed")
)

// Header is a record header.
type Header struct {
	Key   []byte
	Value []byte
}

// Message is a record fetched from a topic partition.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   []Header
}

// Size is the number of key, value and header bytes of m.
func (m *Message) Size() int64 {
	n := len(m.Key) + len(m.Value)
	for _, h := range m.Headers {
		n += len(h.Key) + len(h.Value)
	}
	return int64(n)
}

// PartitionOffset is the offset of one partition.
type PartitionOffset struct {
	PartitionID int32 `json:"partitionId"`
	Offset      int64 `json:"offset"`
}

// Feed is a message queue client bound to one cluster.
type Feed interface {
	// Partitions lists the partition ids of topic.
	Partitions(ctx context.Context, topic string) ([]int32, error)
	// OffsetAt returns the oldest or the next (newest) offset of a partition
	// for OffsetOldest and OffsetNewest, and for a timestamp in milliseconds
	// the first offset whose record timestamp is at or after it. It returns
	// -1 when no such record exists.
	OffsetAt(ctx context.Context, topic string, partition int32, at int64) (int64, error)
	// Subscribe starts fetching topic from the given per-partition offsets.
	Subscribe(ctx context.Context, topic string, offsets map[int32]int64) (Subscription, error)
	Close() error
}

// Subscription delivers messages of the subscribed partitions. Messages of
// one partition arrive in offset order. Messages is closed once every
// partition has stopped or the subscription is closed. A fatal error is sent
// on Errors before Messages is closed.
type Subscription interface {
	Messages() <-chan *Message
	Errors() <-chan error
	// StopPartition stops fetching one partition; other partitions continue.
	StopPartition(partition int32)
	Close() error
}

// Call runs fn and gives up with ErrTimeout when it does not return within
// timeout. Blocking client calls that take no context are wrapped with it.
func Call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
