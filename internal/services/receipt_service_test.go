package services

import (
	"context"
	"testing"
	"time"

	"github.com/soaringjerry/casesvc/internal/models"
)

func seedCase(t *testing.T, store *stubStore, qid string, uac string) {
	t.Helper()
	store.putCase(models.Case{CaseID: "case-1", CaseRef: 10000001, TreatmentCode: "HH_LF3R2E", CreatedAt: fixedNow})
	store.putLink(models.QuestionnaireLink{ID: "link-1", UAC: uac, QID: qid, Active: true, Case: models.AddressedTo("case-1")})
}

func receiptEvent(qid string) *models.Event {
	return &models.Event{
		Kind:          models.EventResponseReceived,
		DateTime:      time.Date(2020, 3, 21, 18, 0, 0, 0, time.UTC),
		TransactionID: "tx-receipt",
		Channel:       "EQ",
		Source:        "RECEIPT_SERVICE",
		Response:      &models.Response{QuestionnaireID: qid},
	}
}

func TestProcessReceiptMarksCaseReceipted(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "0120000000000147", "UACX")
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), receiptEvent("0120000000000147")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !store.caseByRef(10000001).ReceiptReceived {
		t.Fatalf("case not receipted")
	}
	links := store.linksFor("case-1")
	if len(links) != 1 || links[0].Active {
		t.Fatalf("link still active: %+v", links)
	}
	recs := store.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Kind != models.EventResponseReceived || rec.Description != QIDReceipted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CaseID != "case-1" || rec.LinkID != "link-1" || rec.Anomaly != "" {
		t.Fatalf("record not tied to link and case: %+v", rec)
	}
	if rec.TransactionID != "tx-receipt" || rec.Source != "RECEIPT_SERVICE" {
		t.Fatalf("metadata not carried: %+v", rec)
	}
	if em.count(models.EventUACUpdated) != 1 || em.count(models.EventCaseUpdated) != 1 {
		t.Fatalf("unexpected emitted events: %+v", em.events)
	}
}

func TestProcessReceiptRedeliveryOnlyAudits(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "0120000000000147", "UACX")
	svc, em := newTestService(store)

	for i := 0; i < 3; i++ {
		if err := svc.Handle(context.Background(), receiptEvent("0120000000000147")); err != nil {
			t.Fatalf("receipt %d: %v", i, err)
		}
	}
	if n := len(store.records()); n != 3 {
		t.Fatalf("records = %d, want 3", n)
	}
	if !store.caseByRef(10000001).ReceiptReceived {
		t.Fatalf("case not receipted")
	}
	if em.count(models.EventCaseUpdated) != 1 || em.count(models.EventUACUpdated) != 1 {
		t.Fatalf("redelivery emitted again: %+v", em.events)
	}
}

func TestProcessReceiptByAccessCode(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "0120000000000147", "UACX")
	svc, _ := newTestService(store)

	ev := &models.Event{Kind: models.EventResponseReceived, Response: &models.Response{UAC: "UACX"}}
	if err := svc.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !store.caseByRef(10000001).ReceiptReceived {
		t.Fatalf("case not receipted via access code")
	}
	if store.records()[0].TransactionID == "" {
		t.Fatalf("transaction id not generated")
	}
}

func TestProcessReceiptContinuationQuestionnaire(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "1120000000000147", "UACX")
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), receiptEvent("1120000000000147")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if store.caseByRef(10000001).ReceiptReceived {
		t.Fatalf("continuation questionnaire receipted the case")
	}
	if store.linksFor("case-1")[0].Active {
		t.Fatalf("continuation link not deactivated")
	}
	if n := len(store.records()); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	if em.count(models.EventCaseUpdated) != 0 {
		t.Fatalf("case update emitted for continuation receipt")
	}
}

func TestProcessReceiptUnknownLink(t *testing.T) {
	store := newStubStore()
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), receiptEvent("9999")); err != nil {
		t.Fatalf("unknown link must not fail: %v", err)
	}
	recs := store.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Anomaly != AnomalyUnknownLink || recs[0].CaseID != "" || recs[0].LinkID != "" {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if len(em.events) != 0 {
		t.Fatalf("events emitted for unknown link: %+v", em.events)
	}
}

func TestProcessReceiptUnaddressedLink(t *testing.T) {
	store := newStubStore()
	store.putLink(models.QuestionnaireLink{ID: "anon", UAC: "UACA", QID: "0120000000000999", Active: true, Case: models.Unaddressed()})
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), receiptEvent("0120000000000999")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	recs := store.records()
	if len(recs) != 1 || recs[0].Anomaly != AnomalyUnaddressed || recs[0].LinkID != "anon" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if em.count(models.EventUACUpdated) != 1 {
		t.Fatalf("link deactivation not emitted")
	}
	if em.count(models.EventCaseUpdated) != 0 {
		t.Fatalf("case update emitted for unaddressed link")
	}
}

func TestProcessReceiptMissingOwningCase(t *testing.T) {
	store := newStubStore()
	store.putLink(models.QuestionnaireLink{ID: "orphan", UAC: "UACO", QID: "0120000000000888", Active: true, Case: models.AddressedTo("gone")})
	svc, _ := newTestService(store)

	if err := svc.Handle(context.Background(), receiptEvent("0120000000000888")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	recs := store.records()
	if len(recs) != 1 || recs[0].Anomaly != AnomalyMissingCase || recs[0].CaseID != "gone" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestProcessReceiptAuditFailureRollsBack(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "0120000000000147", "UACX")
	store.failAudit = true
	svc, em := newTestService(store)

	err := svc.Handle(context.Background(), receiptEvent("0120000000000147"))
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorStore {
		t.Fatalf("expected store error, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("store errors should be retryable")
	}
	if store.caseByRef(10000001).ReceiptReceived || !store.linksFor("case-1")[0].Active {
		t.Fatalf("state changed without an audit record")
	}
	if len(em.events) != 0 {
		t.Fatalf("events emitted for rolled back receipt")
	}
}

func TestProcessReceiptRequiresIdentifier(t *testing.T) {
	svc, _ := newTestService(newStubStore())
	err := svc.Handle(context.Background(), &models.Event{Kind: models.EventResponseReceived, Response: &models.Response{}})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestProcessReceiptAuditsResponseOnly(t *testing.T) {
	store := newStubStore()
	seedCase(t, store, "0120000000000147", "UACX")
	svc, _ := newTestService(store)

	ev := receiptEvent("0120000000000147")
	ev.Payload = []byte(`{"response":{"questionnaireId":"0120000000000147"}}`)
	if err := svc.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	recs := store.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if want := `{"questionnaireId":"0120000000000147"}`; recs[0].Payload != want {
		t.Fatalf("payload = %s, want %s", recs[0].Payload, want)
	}
}
