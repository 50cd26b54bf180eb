// Package telemetry emits best-effort gameplay events. Emission is
// fire-and-forget from the caller's point of view: a failed emit is logged
// and swallowed, never surfaced to the triggering request.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Event struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	PlayerID string         `json:"player_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// NewEvent stamps id and timestamp so callers only name the kind.
func NewEvent(kind, playerID string, payload map[string]any) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		PlayerID: playerID,
		Payload:  payload,
		At:       time.Now().UTC(),
	}
}

type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// NATSEmitter publishes events to <subjectPrefix>.<kind>. Publishes are
// buffered client-side, so emitting does not block the trade path.
type NATSEmitter struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSEmitter(conn *nats.Conn, subjectPrefix string) *NATSEmitter {
	if subjectPrefix == "" {
		subjectPrefix = "townlet.telemetry"
	}
	return &NATSEmitter{conn: conn, subjectPrefix: subjectPrefix}
}

func (e *NATSEmitter) Emit(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	return e.conn.Publish(fmt.Sprintf("%s.%s", e.subjectPrefix, ev.Kind), data)
}

// LogEmitter is the fallback when no broker is configured.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{log: logger}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) error {
	e.log.Debug("telemetry event", "kind", ev.Kind, "player_id", ev.PlayerID, "payload", ev.Payload)
	return nil
}
