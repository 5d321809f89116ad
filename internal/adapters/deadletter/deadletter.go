// Package deadletter holds the sinks for events the router gives up on.
package deadletter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/logging"
)

// Record is what every sink persists for one dead letter. Raw is kept
// verbatim so the message can be re-published after a fix.
type Record struct {
	Raw       []byte    `json:"raw"`
	Reason    string    `json:"reason"`
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Key       string    `json:"key,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

func newRecord(raw []byte, reason error, now time.Time) Record {
	rec := Record{Raw: raw, FailedAt: now.UTC()}
	if reason != nil {
		rec.Reason = reason.Error()
	}
	// best effort: malformed payloads may still carry usable identifiers
	if ev, err := event.Decode(raw); err == nil {
		rec.EventID = ev.EventID
		rec.EventType = ev.EventType
		rec.Key = ev.PartitionKey()
	}
	return rec
}

// Log writes dead letters to the structured log only.
type Log struct{}

func (Log) DeadLetter(_ context.Context, raw []byte, reason error) error {
	rec := newRecord(raw, reason, time.Now())
	logging.LogError("dead letter", reason, logrus.Fields{
		"event_id":   rec.EventID,
		"event_type": rec.EventType,
		"raw":        string(raw),
	})
	return nil
}
