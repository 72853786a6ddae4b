// Package notify publishes aliveness monitor transitions to external
// message buses.
//
// A Forwarder subscribes to the engine and hands every MonitorEvent, wrapped
// in an Envelope, to each configured Sink. Sinks exist for Redis pub/sub
// and Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// Envelope is the wire form of a published monitor transition.
type Envelope struct {
	// EventID is unique per published event.
	EventID string `json:"event_id"`

	// InstanceID identifies the publishing daemon instance so consumers
	// can tell replicas apart.
	InstanceID string `json:"instance_id"`

	Timestamp  time.Time `json:"timestamp"`
	MonitorID  uint32    `json:"monitor_id"`
	MonitorKey string    `json:"monitor_key"`
	State      string    `json:"state"`
}

// NewEnvelope wraps ev for publication by instance.
func NewEnvelope(instance string, ev aliveness.MonitorEvent) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		InstanceID: instance,
		Timestamp:  ev.Time,
		MonitorID:  ev.MonitorID,
		MonitorKey: ev.MonitorKey,
		State:      ev.State.String(),
	}
}

func (e Envelope) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal monitor event %d: %w", e.MonitorID, err)
	}
	return data, nil
}

// Sink delivers envelopes to one destination.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Publish delivers one envelope. Errors are retried by the Forwarder.
	Publish(ctx context.Context, env Envelope) error

	// Close releases the sink's connections.
	Close() error
}
