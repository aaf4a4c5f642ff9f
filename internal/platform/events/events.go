// Package events carries appointment change notifications from the
// scheduling service to whoever listens: in-process subscribers, websocket
// clients and, when configured, a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"
)

type Type string

const (
	AppointmentCreated   Type = "appointment.created"
	AppointmentUpdated   Type = "appointment.updated"
	AppointmentCancelled Type = "appointment.cancelled"
	AppointmentDeleted   Type = "appointment.deleted"
)

// Event describes one committed change to an appointment.
type Event struct {
	Type          Type            `json:"type"`
	AppointmentID int64           `json:"appointment_id"`
	PatientID     int64           `json:"patient_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// New stamps an event and encodes payload as its data. A payload that cannot
// be encoded is dropped rather than failing the change it describes.
func New(t Type, appointmentID, patientID int64, payload interface{}) Event {
	e := Event{Type: t, AppointmentID: appointmentID, PatientID: patientID, Timestamp: time.Now().UTC()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Data = data
		}
	}
	return e
}

// Key is the partition key for ordered sinks; events for the same
// appointment share it.
func (e Event) Key() string {
	return "appointment/" + strconv.FormatInt(e.AppointmentID, 10)
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout publishes to every publisher in order and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Feed is an in-process broadcast of events over buffered channels. A
// subscriber whose buffer is full misses the event.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
	closed bool
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of future events and a func that detaches it.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *Feed) Publish(_ context.Context, e Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of attached subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close detaches every subscriber. Later subscriptions receive a closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.closed = true
}

// Forward subscribes to f and hands every event to sink until ctx is done or
// the feed is closed. Sink errors go to onErr and never stop the loop.
func Forward(ctx context.Context, f *Feed, sink Publisher, onErr func(Event, error)) {
	ch, cancel := f.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Publish(ctx, e); err != nil && onErr != nil {
				onErr(e, err)
			}
		}
	}
}
