// Package events carries asynchronous notifications (background errors,
// finished exports) to subscribers and optional external forwarders.
package events

import (
	"errors"
	"sync"

	"github.com/edgeflare/topicstore/pkg/metrics"
	"go.uber.org/zap"
)

// Event names.
const (
	NameError  = "error"
	NameExport = "export"
)

// Event is a named notification.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (e ErrorPayload) Error() string {
	return e.ErrorType + ": " + e.Message
}

// ExportPayload is the payload of an export event.
type ExportPayload struct {
	TaskID     string `json:"taskId"`
	ClusterID  string `json:"clusterId"`
	Topic      string `json:"topic"`
	OutputPath string `json:"outputPath"`
	Rows       int64  `json:"rows"`
}

// Classifier turns an error into the payload of an error event.
type Classifier func(err error) ErrorPayload

// Forwarder relays events to an external system.
type Forwarder interface {
	Forward(ev Event) error
	Close() error
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	classify Classifier
	logger   *zap.Logger

	mu         sync.RWMutex
	subs       map[int]chan Event
	next       int
	forwarders []Forwarder
	closed     bool
}

// NewBus returns a bus. classify may be nil, in which case error events carry
// the type "Internal".
func NewBus(classify Classifier, logger *zap.Logger) *Bus {
	if classify == nil {
		classify = func(err error) ErrorPayload { return ErrorPayload{ErrorType: "Internal", Message: err.Error()} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		classify: classify,
		logger:   logger.Named("events"),
		subs:     make(map[int]chan Event),
	}
}

// AddForwarder relays every later event to f. The bus closes f on Close.
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, f)
}

// Subscribe returns a channel receiving every later event and a function
// that ends the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, max(buffer, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers an event to all subscribers and forwarders.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEvents.WithLabelValues(name).Inc()
		}
	}
	forwarders := b.forwarders
	b.mu.RUnlock()

	metrics.PublishedEvents.WithLabelValues(name).Inc()
	for _, f := range forwarders {
		if err := f.Forward(ev); err != nil {
			b.logger.Warn("forwarding event failed", zap.String("event", name), zap.Error(err))
		}
	}
}

// PublishError publishes err as an error event.
func (b *Bus) PublishError(err error) {
	if err == nil {
		return
	}
	b.Publish(NameError, b.classify(err))
}

// Close ends all subscriptions and closes the forwarders.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	var errs []error
	for _, f := range b.forwarders {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
