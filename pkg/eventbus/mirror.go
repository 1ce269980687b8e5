package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	MetadataSessionID = "session_id"
	MetadataEventType = "event_type"
)

// Record is the payload published for one store event.
type Record struct {
	SessionID string            `json:"session_id"`
	Type      session.EventType `json:"type"`
	Turn      *session.Turn     `json:"turn,omitempty"`
	Snapshot  session.Snapshot  `json:"snapshot"`
	At        time.Time         `json:"at"`
}

func DecodeRecord(msg *message.Message) (*Record, error) {
	var r Record
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return nil, errors.Wrapf(err, "decode record %s", msg.UUID)
	}
	return &r, nil
}

// Mirror publishes store events to a topic. Events are queued from the store
// notification and published from a single goroutine, so publishing never
// blocks a store write and records keep their order.
type Mirror struct {
	pub       message.Publisher
	topic     string
	sessionID string

	queue chan Record
	once  sync.Once
	done  chan struct{}
}

func NewMirror(pub message.Publisher, topic, sessionID string) *Mirror {
	m := &Mirror{
		pub:       pub,
		topic:     topic,
		sessionID: sessionID,
		queue:     make(chan Record, 256),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Attach subscribes the mirror to store and returns the unsubscribe function.
func (m *Mirror) Attach(store *session.Store) func() {
	return store.Subscribe(func(ev session.Event) {
		rec := Record{
			SessionID: m.sessionID,
			Type:      ev.Type,
			Turn:      ev.Turn,
			Snapshot:  ev.Snapshot,
			At:        time.Now(),
		}
		select {
		case m.queue <- rec:
		default:
			log.Warn().Str("component", "eventbus").Str("event", string(ev.Type)).Msg("mirror queue full, dropping event")
		}
	})
}

func (m *Mirror) run() {
	defer close(m.done)
	for rec := range m.queue {
		if err := m.publish(rec); err != nil {
			log.Error().Err(err).Str("component", "eventbus").Str("topic", m.topic).Msg("publish failed")
		}
	}
}

func (m *Mirror) publish(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataSessionID, rec.SessionID)
	msg.Metadata.Set(MetadataEventType, string(rec.Type))
	return m.pub.Publish(m.topic, msg)
}

// Close drains queued records. Detach from the store before calling it.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.queue) })
	<-m.done
}
