package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(NameExport, ExportPayload{TaskID: "t1", Rows: 3})
	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, NameExport, ev.Name)
			assert.Equal(t, int64(3), ev.Payload.(ExportPayload).Rows)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)
}

func TestBusNeverBlocks(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(NameError, ErrorPayload{ErrorType: "Internal", Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestBusPublishError(t *testing.T) {
	classify := func(err error) ErrorPayload {
		return ErrorPayload{ErrorType: "FeedError", Message: err.Error()}
	}
	bus := NewBus(classify, zap.NewNop())
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.PublishError(nil)
	bus.PublishError(errors.New("broker unreachable"))

	ev := <-ch
	assert.Equal(t, NameError, ev.Name)
	assert.Equal(t, ErrorPayload{ErrorType: "FeedError", Message: "broker unreachable"}, ev.Payload)
	assert.Empty(t, ch)
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	ch, _ := bus.Subscribe(1)
	fwd := &recordingForwarder{}
	bus.AddForwarder(fwd)

	require.NoError(t, bus.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, fwd.closed)

	bus.Publish(NameError, nil)
	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	assert.Empty(t, fwd.events)
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (f *recordingForwarder) Forward(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *recordingForwarder) Close() error {
	f.closed = true
	return nil
}

func TestBusForwarders(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	ok := &recordingForwarder{}
	failing := &recordingForwarder{err: errors.New("unreachable")}
	bus.AddForwarder(failing)
	bus.AddForwarder(ok)

	bus.Publish(NameExport, ExportPayload{TaskID: "t"})
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

type fakeNATS struct {
	subject string
	data    []byte
	drained bool
}

func (c *fakeNATS) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return nil
}

func (c *fakeNATS) Drain() error {
	c.drained = true
	return nil
}

func TestNATSForwarder(t *testing.T) {
	conn := &fakeNATS{}
	f := newNATSForwarder(conn, "", zap.NewNop())

	require.NoError(t, f.Forward(Event{Name: NameError, Payload: ErrorPayload{ErrorType: "Timeout", Message: "slow"}}))
	assert.Equal(t, "topicstore.error", conn.subject)
	assert.JSONEq(t, `{"event":"error","payload":{"errorType":"Timeout","message":"slow"}}`, string(conn.data))

	require.NoError(t, f.Close())
	assert.True(t, conn.drained)
}

type fakeToken struct {
	mqtt.Token
	err error
}

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mqtt.Client
	topic        string
	payload      []byte
	qos          byte
	err          error
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	c.topic, c.qos, c.payload = topic, qos, payload.([]byte)
	return fakeToken{err: c.err}
}

func (c *fakeMQTT) Disconnect(uint) { c.disconnected = true }

func TestMQTTForwarder(t *testing.T) {
	client := &fakeMQTT{}
	f := newMQTTForwarder(client, "kafka-ui", 1, zap.NewNop())

	require.NoError(t, f.Forward(Event{Name: NameExport, Payload: ExportPayload{TaskID: "t1", Rows: 7}}))
	assert.Equal(t, "kafka-ui/export", client.topic)
	assert.Equal(t, byte(1), client.qos)

	var ev struct {
		Event   string        `json:"event"`
		Payload ExportPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.payload, &ev))
	assert.Equal(t, "export", ev.Event)
	assert.Equal(t, int64(7), ev.Payload.Rows)

	client.err = errors.New("not connected")
	require.Error(t, f.Forward(Event{Name: NameError}))

	require.NoError(t, f.Close())
	assert.True(t, client.disconnected)
}
