package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/edgeflare/topicstore/pkg/feed"
	"golang.org/x/sync/errgroup"
)

// subscription fans the partition consumers of one topic into a single
// channel. The first partition error cancels the remaining partitions.
type subscription struct {
	topic    string
	pcs      map[int32]sarama.PartitionConsumer
	messages chan *feed.Message
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}

	stopMu  sync.Mutex
	stopped map[int32]bool
	once    sync.Once
}

func startSubscription(ctx context.Context, topic string, pcs map[int32]sarama.PartitionConsumer, buffer int) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		topic:    topic,
		pcs:      pcs,
		messages: make(chan *feed.Message, buffer),
		errs:     make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
		stopped:  make(map[int32]bool, len(pcs)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for partition, pc := range pcs {
		g.Go(func() error { return s.pump(gctx, partition, pc) })
	}
	go func() {
		if err := g.Wait(); err != nil {
			s.errs <- err
		}
		close(s.messages)
		close(s.errs)
		close(s.done)
	}()
	return s
}

func (s *subscription) pump(ctx context.Context, partition int32, pc sarama.PartitionConsumer) error {
	msgs, errs := pc.Messages(), pc.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case s.messages <- toMessage(m):
			case <-ctx.Done():
				return nil
			}
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if s.isStopped(partition) {
				continue
			}
			return fmt.Errorf("%w: %s[%d]: %v", feed.ErrFeed, s.topic, partition, cerr.Err)
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) *feed.Message {
	msg := &feed.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make([]feed.Header, 0, len(m.Headers))
		for _, h := range m.Headers {
			if h == nil {
				continue
			}
			msg.Headers = append(msg.Headers, feed.Header{Key: h.Key, Value: h.Value})
		}
	}
	return msg
}

func (s *subscription) Messages() <-chan *feed.Message { return s.messages }

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) isStopped(partition int32) bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopped[partition]
}

// StopPartition closes the consumer of one partition. Messages already
// buffered for it may still be delivered.
func (s *subscription) StopPartition(partition int32) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped[partition] {
		return
	}
	pc, ok := s.pcs[partition]
	if !ok {
		return
	}
	s.stopped[partition] = true
	pc.AsyncClose()
}

// Close stops every partition and waits until Messages is closed.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.stopMu.Lock()
		for partition, pc := range s.pcs {
			if !s.stopped[partition] {
				s.stopped[partition] = true
				pc.AsyncClose()
			}
		}
		s.stopMu.Unlock()
	})
	<-s.done
	return nil
}
