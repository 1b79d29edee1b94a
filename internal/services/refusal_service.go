package services

import (
	"context"
	"fmt"

	"github.com/soaringjerry/casesvc/internal/models"
)

const RefusalReceived = "Refusal Received"

// ProcessRefusal marks the case as refused. Repeated refusals are audited but
// only the first one updates the case.
func (s *EventService) ProcessRefusal(ctx context.Context, ev *models.Event) error {
	if s.store == nil {
		return NewInvalidError("event service not configured")
	}
	refusal := ev.Refusal
	if refusal == nil || refusal.CaseID == "" {
		return NewInvalidError("refusal payload missing case id")
	}

	var updated *models.Case
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		updated = nil
		caze, err := tx.GetCaseByID(refusal.CaseID)
		if err != nil {
			return NewStoreError("get case by id", err)
		}
		if caze == nil {
			return NewNotFoundError(fmt.Sprintf("case %s not found", refusal.CaseID))
		}
		if !caze.RefusalReceived {
			caze.RefusalReceived = true
			if err := tx.UpdateCase(caze); err != nil {
				return NewStoreError("update case", err)
			}
			updated = caze
		}
		_, err = s.events.LogEvent(tx, AuditEntry{
			Kind:        models.EventRefusalReceived,
			Description: RefusalReceived,
			Payload:     payloadJSON(ev, refusal),
			CaseID:      caze.CaseID,
		}, ev)
		return err
	})
	if err != nil {
		return wrapStore("process refusal", err)
	}
	if updated != nil {
		s.emitCase(ctx, models.EventCaseUpdated, updated)
	}
	return nil
}
