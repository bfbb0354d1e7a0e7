// Package feedtest provides an in-memory feed.Feed for tests.
package feedtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/topicstore/internal/testutil"
	"github.com/edgeflare/topicstore/pkg/feed"
)

type partitionLog struct {
	msgs   []*feed.Message
	notify chan struct{}
}

// Feed is an in-memory feed. Topics are created with AddTopic and filled
// with Produce, also while subscriptions are live.
type Feed struct {
	// MetadataErr is returned by Partitions and OffsetAt when set.
	MetadataErr error
	// MetadataDelay delays every metadata call.
	MetadataDelay time.Duration
	// SubscribeErr is returned by Subscribe when set.
	SubscribeErr error
	// Delay is slept before each delivered message.
	Delay time.Duration
	// Decoder is handed to consumers as the cluster's value decoder.
	Decoder feed.ValueDecoder

	mu     sync.Mutex
	topics map[string][]*partitionLog
	subs   []*Subscription
	closed bool
}

var (
	_ feed.Feed          = (*Feed)(nil)
	_ feed.DecoderSource = (*Feed)(nil)
)

func New() *Feed {
	return &Feed{topics: make(map[string][]*partitionLog)}
}

func (f *Feed) ValueDecoder() feed.ValueDecoder {
	return f.Decoder
}

// AddTopic creates topic with the given number of empty partitions.
func (f *Feed) AddTopic(topic string, partitions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := make([]*partitionLog, partitions)
	for i := range logs {
		logs[i] = &partitionLog{notify: make(chan struct{})}
	}
	f.topics[topic] = logs
}

// Produce appends a message to a partition and returns it with its offset.
func (f *Feed) Produce(topic string, partition int32, key, value string, ts time.Time) *feed.Message {
	return f.ProduceMessage(&feed.Message{
		Topic:     topic,
		Partition: partition,
		Key:       []byte(key),
		Value:     []byte(value),
		Timestamp: ts,
	})
}

// ProduceMessage appends m to its partition, assigning the offset.
func (f *Feed) ProduceMessage(m *feed.Message) *feed.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := f.topics[m.Topic][m.Partition]
	m.Offset = int64(len(log.msgs))
	log.msgs = append(log.msgs, m)
	close(log.notify)
	log.notify = make(chan struct{})
	return m
}

// LoadTopic creates the topic of a fixture and produces its messages.
func (f *Feed) LoadTopic(t testutil.Topic) error {
	f.AddTopic(t.Name, t.Partitions)
	for i, fm := range t.Messages {
		value, err := fm.Bytes()
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		m := &feed.Message{
			Topic:     t.Name,
			Partition: fm.Partition,
			Key:       []byte(fm.Key),
			Value:     value,
			Timestamp: fm.Time(),
		}
		keys := make([]string, 0, len(fm.Headers))
		for k := range fm.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Headers = append(m.Headers, feed.Header{Key: []byte(k), Value: []byte(fm.Headers[k])})
		}
		f.ProduceMessage(m)
	}
	return nil
}

// Fail ends every live subscription with err.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

// Subscriptions returns the number of subscriptions created so far.
func (f *Feed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) metadata(ctx context.Context) error {
	if f.MetadataDelay > 0 {
		select {
		case <-time.After(f.MetadataDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.MetadataErr != nil {
		return fmt.Errorf("%w: %v", feed.ErrFeed, f.MetadataErr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return feed.ErrClosed
	}
	return nil
}

func (f *Feed) log(topic string, partition int32) (*partitionLog, error) {
	logs, ok := f.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %s", feed.ErrFeed, topic)
	}
	if partition < 0 || int(partition) >= len(logs) {
		return nil, fmt.Errorf("%w: unknown partition %s[%d]", feed.ErrFeed, topic, partition)
	}
	return logs[partition], nil
}

func (f *Feed) Partitions(ctx context.Context, topic string) ([]int32, error) {
	if err := f.metadata(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	logs, ok := f.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %s", feed.ErrFeed, topic)
	}
	ids := make([]int32, len(logs))
	for i := range logs {
		ids[i] = int32(i)
	}
	return ids, nil
}

func (f *Feed) OffsetAt(ctx context.Context, topic string, partition int32, at int64) (int64, error) {
	if err := f.metadata(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	log, err := f.log(topic, partition)
	if err != nil {
		return 0, err
	}
	switch at {
	case feed.OffsetOldest:
		return 0, nil
	case feed.OffsetNewest:
		return int64(len(log.msgs)), nil
	}
	for _, m := range log.msgs {
		if m.Timestamp.UnixMilli() >= at {
			return m.Offset, nil
		}
	}
	return -1, nil
}

func (f *Feed) Subscribe(ctx context.Context, topic string, offsets map[int32]int64) (feed.Subscription, error) {
	if f.SubscribeErr != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrFeed, f.SubscribeErr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, feed.ErrClosed
	}
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: no partitions to consume for %s", feed.ErrFeed, topic)
	}
	logs := make(map[int32]*partitionLog, len(offsets))
	for partition := range offsets {
		log, err := f.log(topic, partition)
		if err != nil {
			return nil, err
		}
		logs[partition] = log
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		feed:     f,
		messages: make(chan *feed.Message),
		errs:     make(chan error, 1),
		cancel:   cancel,
		stops:    make(map[int32]context.CancelFunc, len(offsets)),
		done:     make(chan struct{}),
	}
	for partition, offset := range offsets {
		pctx, pcancel := context.WithCancel(ctx)
		s.stops[partition] = pcancel
		s.wg.Add(1)
		go s.pump(pctx, logs[partition], offset)
	}
	go func() {
		s.wg.Wait()
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			s.errs <- err
		}
		close(s.messages)
		close(s.errs)
		close(s.done)
	}()
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Subscription is the feed.Subscription of Feed.
type Subscription struct {
	feed     *Feed
	messages chan *feed.Message
	errs     chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}

	mu    sync.Mutex
	stops map[int32]context.CancelFunc
	err   error
}

func (s *Subscription) pump(ctx context.Context, log *partitionLog, offset int64) {
	defer s.wg.Done()
	for next := offset; ; {
		s.feed.mu.Lock()
		var m *feed.Message
		if next < int64(len(log.msgs)) {
			m = log.msgs[next]
		}
		notify := log.notify
		s.feed.mu.Unlock()

		if m == nil {
			select {
			case <-notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.feed.Delay > 0 {
			select {
			case <-time.After(s.feed.Delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.messages <- m:
			next++
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Subscription) Messages() <-chan *feed.Message { return s.messages }

func (s *Subscription) Errors() <-chan error { return s.errs }

func (s *Subscription) StopPartition(partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.stops[partition]; ok {
		stop()
	}
}

func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}
