package services

import (
	"context"
	"fmt"

	"github.com/soaringjerry/casesvc/internal/models"
)

const FulfilmentRequestReceived = "Fulfilment Request Received"

// ProcessFulfilmentRequested audits a fulfilment request against its case.
// The case itself is not changed.
func (s *EventService) ProcessFulfilmentRequested(ctx context.Context, ev *models.Event) error {
	if s.store == nil {
		return NewInvalidError("event service not configured")
	}
	req := ev.FulfilmentRequest
	if req == nil || req.CaseID == "" {
		return NewInvalidError("fulfilment request missing case id")
	}

	err := s.store.WithinTx(ctx, func(tx Tx) error {
		caze, err := tx.GetCaseByID(req.CaseID)
		if err != nil {
			return NewStoreError("get case by id", err)
		}
		if caze == nil {
			return NewNotFoundError(fmt.Sprintf("case %s not found", req.CaseID))
		}
		_, err = s.events.LogEvent(tx, AuditEntry{
			Kind:        models.EventFulfilmentRequested,
			Description: FulfilmentRequestReceived,
			Payload:     marshalPayload(req),
			CaseID:      caze.CaseID,
		}, ev)
		return err
	})
	return wrapStore("process fulfilment request", err)
}
