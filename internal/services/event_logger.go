package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/casesvc/internal/models"
)

// AuditEntry is what a handler knows about a state change before it is
// turned into an AuditRecord.
type AuditEntry struct {
	Kind        models.EventKind
	Description string
	Payload     string
	CaseID      string
	LinkID      string
	Anomaly     string
}

// EventLogger writes the audit trail. Records are appended inside the
// caller's transaction so they commit with the state change they describe.
type EventLogger struct {
	now   func() time.Time
	idGen func() string
}

func NewEventLogger() *EventLogger {
	return &EventLogger{
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

// LogEvent appends one record for entry, taking correlation fields from ev.
// ProcessedAt is always the local clock; the event's own time is kept as
// EventDate.
func (l *EventLogger) LogEvent(tx Tx, entry AuditEntry, ev *models.Event) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		ID:          l.idGen(),
		Kind:        entry.Kind,
		Description: entry.Description,
		Payload:     entry.Payload,
		ProcessedAt: l.now(),
		CaseID:      entry.CaseID,
		LinkID:      entry.LinkID,
		Anomaly:     entry.Anomaly,
	}
	if ev != nil {
		rec.TransactionID = ev.TransactionID
		rec.Channel = ev.Channel
		rec.Source = ev.Source
		rec.EventDate = ev.DateTime
	}
	if strings.TrimSpace(rec.TransactionID) == "" {
		rec.TransactionID = l.idGen()
	}
	if rec.EventDate.IsZero() {
		rec.EventDate = rec.ProcessedAt
	}
	if err := tx.AppendAudit(rec); err != nil {
		return nil, NewStoreError("append audit record", err)
	}
	return rec, nil
}

// payloadJSON returns the event's raw payload, or v marshalled when the
// event was built in-process without one.
func payloadJSON(ev *models.Event, v any) string {
	if ev != nil && len(ev.Payload) > 0 {
		return string(ev.Payload)
	}
	return marshalPayload(v)
}

// marshalPayload records just the typed payload, not the envelope around it.
func marshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
