package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/soaringjerry/casesvc/internal/models"
)

const QIDReceipted = "QID Receipted"

// Anomaly annotations written on RESPONSE_RECEIVED records.
const (
	AnomalyUnknownLink = "receipt for unknown questionnaire link"
	AnomalyUnaddressed = "receipt for unaddressed questionnaire link"
	AnomalyMissingCase = "owning case of questionnaire link not found"
)

// ProcessReceipt deactivates the receipted link and, when it is addressed,
// marks its case as receipted. Redelivered receipts change nothing but are
// still audited. A receipt for a link this service never issued is audited
// as an anomaly and is not an error.
func (s *EventService) ProcessReceipt(ctx context.Context, ev *models.Event) error {
	if s.store == nil {
		return NewInvalidError("event service not configured")
	}
	resp := ev.Response
	if resp == nil || (resp.QuestionnaireID == "" && resp.UAC == "") {
		return NewInvalidError("response payload missing questionnaire id")
	}
	payload := marshalPayload(resp)

	var (
		link        *models.QuestionnaireLink
		linkChanged bool
		updatedCase *models.Case
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		linkChanged, updatedCase = false, nil
		var err error
		link, err = findLink(tx, resp)
		if err != nil {
			return NewStoreError("find questionnaire link", err)
		}
		if link == nil {
			s.logger.Warn("Receipt received for unknown questionnaire link",
				zap.String("qid", resp.QuestionnaireID),
				zap.String("tx_id", ev.TransactionID),
				zap.String("channel", ev.Channel))
			_, err := s.events.LogEvent(tx, AuditEntry{
				Kind:        models.EventResponseReceived,
				Description: QIDReceipted,
				Payload:     payload,
				Anomaly:     AnomalyUnknownLink,
			}, ev)
			return err
		}

		entry := AuditEntry{
			Kind:        models.EventResponseReceived,
			Description: QIDReceipted,
			Payload:     payload,
			LinkID:      link.ID,
		}
		if link.Active {
			link.Active = false
			if err := tx.UpdateLink(link); err != nil {
				return NewStoreError("deactivate questionnaire link", err)
			}
			linkChanged = true
		}

		if caseID, ok := link.Case.CaseID(); ok {
			entry.CaseID = caseID
			caze, err := tx.GetCaseByID(caseID)
			if err != nil {
				return NewStoreError("get case by id", err)
			}
			if caze == nil {
				s.logger.Warn("Receipted link points at a missing case",
					zap.String("qid", link.QID),
					zap.String("case_id", caseID))
				entry.Anomaly = AnomalyMissingCase
			} else {
				changed, err := receiptCase(tx, caze, link.QID)
				if err != nil {
					return err
				}
				if changed {
					updatedCase = caze
				}
			}
		} else {
			s.logger.Warn("Receipt received for unaddressed UAC/QID pair not yet linked to a case",
				zap.String("qid", link.QID),
				zap.String("tx_id", ev.TransactionID),
				zap.String("channel", ev.Channel))
			entry.Anomaly = AnomalyUnaddressed
		}

		_, err = s.events.LogEvent(tx, entry, ev)
		return err
	})
	if err != nil {
		return wrapStore("process receipt", err)
	}

	if linkChanged {
		s.emitUAC(ctx, link)
	}
	if updatedCase != nil {
		s.emitCase(ctx, models.EventCaseUpdated, updatedCase)
	}
	return nil
}

// receiptCase flips the case's receipt flag unless it is already set or the
// questionnaire is a continuation form. It reports whether the case changed.
func receiptCase(tx Tx, caze *models.Case, qid string) (bool, error) {
	if caze.ReceiptReceived {
		return false, nil
	}
	if IsContinuationQuestionnaire(qid) {
		return false, nil
	}
	caze.ReceiptReceived = true
	if err := tx.UpdateCase(caze); err != nil {
		return false, NewStoreError("update case", err)
	}
	return true, nil
}

func findLink(tx Tx, resp *models.Response) (*models.QuestionnaireLink, error) {
	if resp.QuestionnaireID != "" {
		link, err := tx.GetLinkByQID(resp.QuestionnaireID)
		if err != nil || link != nil || resp.UAC == "" {
			return link, err
		}
	}
	return tx.GetLinkByUAC(resp.UAC)
}
