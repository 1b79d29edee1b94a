package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/soaringjerry/casesvc/internal/codepool"
	"github.com/soaringjerry/casesvc/internal/models"
)

var fixedNow = time.Date(2020, 3, 22, 9, 0, 0, 0, time.UTC)

func newTestService(store *stubStore) (*EventService, *stubEmitter) {
	em := &stubEmitter{}
	svc := NewEventService(store, &stubCodes{}, WithEmitter(em), WithTranche(2))
	svc.now = func() time.Time { return fixedNow }
	svc.events.now = func() time.Time { return fixedNow }
	return svc, em
}

func sampleEvent(treatmentCode string) *models.Event {
	return &models.Event{
		Kind:    models.EventSampleLoaded,
		Channel: "RM",
		Source:  "CASE_SERVICE",
		Sample: &models.Sample{
			Address:       models.Address{AddressLine1: "1 Main Street", Postcode: "AB1 2CD"},
			TreatmentCode: treatmentCode,
		},
	}
}

func TestProcessSampleReceivedSingleLink(t *testing.T) {
	store := newStubStore()
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	caze := store.caseByRef(10000000)
	if caze == nil {
		t.Fatalf("case not created")
	}
	if caze.TreatmentCode != "HH_LF3R2E" || caze.Address.Postcode != "AB1 2CD" {
		t.Fatalf("unexpected case: %+v", caze)
	}
	links := store.linksFor(caze.CaseID)
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if !links[0].Active || links[0].QID[:2] != "01" || links[0].QID[2] != '2' || links[0].UAC != "UAC0001" {
		t.Fatalf("unexpected link: %+v", links[0])
	}
	if !ValidQID(links[0].QID) {
		t.Fatalf("qid %q has bad check digits", links[0].QID)
	}

	recs := store.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Kind != models.EventSampleLoaded || rec.Description != CreateCaseSampleReceived || rec.CaseID != caze.CaseID {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.TransactionID == "" || !rec.ProcessedAt.Equal(fixedNow) || !rec.EventDate.Equal(fixedNow) {
		t.Fatalf("record metadata not filled: %+v", rec)
	}
	var payload models.Sample
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil || payload.TreatmentCode != "HH_LF3R2E" {
		t.Fatalf("payload = %q (%v)", rec.Payload, err)
	}

	if em.count(models.EventCaseCreated) != 1 || em.count(models.EventUACUpdated) != 1 {
		t.Fatalf("unexpected emitted events: %+v", em.events)
	}
}

func TestProcessSampleReceivedBilingual(t *testing.T) {
	store := newStubStore()
	svc, em := newTestService(store)

	if err := svc.Handle(context.Background(), sampleEvent("HH_QF2R1W")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	caze := store.caseByRef(10000000)
	links := store.linksFor(caze.CaseID)
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	types := map[string]bool{}
	uacs := map[string]bool{}
	for _, l := range links {
		types[l.QID[:2]] = true
		uacs[l.UAC] = true
	}
	if !types["02"] || !types["03"] {
		t.Fatalf("questionnaire types = %v, want 02 and 03", types)
	}
	if len(uacs) != 2 {
		t.Fatalf("links share an access code: %v", uacs)
	}
	if n := len(store.records()); n != 1 {
		t.Fatalf("records = %d, want exactly one SAMPLE_LOADED", n)
	}
	if em.count(models.EventUACUpdated) != 2 {
		t.Fatalf("uac updates = %d, want 2", em.count(models.EventUACUpdated))
	}
}

func TestProcessSampleReceivedUnknownTreatmentCode(t *testing.T) {
	store := newStubStore()
	codes := &stubCodes{}
	svc := NewEventService(store, codes)

	err := svc.Handle(context.Background(), sampleEvent("XX_NOPE"))
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if codes.n != 0 {
		t.Fatalf("codes acquired for an invalid sample")
	}
	if len(store.records()) != 0 || store.caseByRef(10000000) != nil {
		t.Fatalf("state written for an invalid sample")
	}
}

func TestProcessSampleReceivedPoolExhausted(t *testing.T) {
	store := newStubStore()
	svc := NewEventService(store, &stubCodes{err: codepool.ErrPoolExhausted})

	err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E"))
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("resource exhausted should be retryable")
	}
	if store.caseByRef(10000000) != nil {
		t.Fatalf("case written without a code")
	}
}

func TestProcessSampleReceivedCodeSourceFailure(t *testing.T) {
	svc := NewEventService(newStubStore(), &stubCodes{err: errors.New("connection refused")})
	err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E"))
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorGenerator {
		t.Fatalf("expected generator error, got %v", err)
	}
}

func TestProcessSampleReceivedAuditFailureRollsBack(t *testing.T) {
	store := newStubStore()
	store.failAudit = true
	svc, em := newTestService(store)

	err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E"))
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorStore {
		t.Fatalf("expected store error, got %v", err)
	}
	if store.caseByRef(10000000) != nil {
		t.Fatalf("case committed without its audit record")
	}
	if len(em.events) != 0 {
		t.Fatalf("events emitted for a rolled back unit: %+v", em.events)
	}
}

func TestProcessPrintSelected(t *testing.T) {
	store := newStubStore()
	svc, _ := newTestService(store)
	if err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E")); err != nil {
		t.Fatalf("sample: %v", err)
	}

	raw := json.RawMessage(`{"printCaseSelected":{"caseRef":10000000,"packCode":"P_IC_ICL1"}}`)
	ev := &models.Event{
		Kind:              models.EventPrintCaseSelected,
		DateTime:          time.Date(2020, 3, 20, 12, 0, 0, 0, time.UTC),
		TransactionID:     "tx-print",
		Channel:           "ACTION_EXPORTER",
		Source:            "RM",
		Payload:           raw,
		PrintCaseSelected: &models.PrintCaseSelected{CaseRef: 10000000, PackCode: "P_IC_ICL1"},
	}
	if err := svc.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	recs := store.records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	rec := recs[1]
	if rec.Kind != models.EventPrintCaseSelected || rec.Description != "Case sent to printer with pack code P_IC_ICL1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Payload != string(raw) || rec.TransactionID != "tx-print" || rec.Channel != "ACTION_EXPORTER" {
		t.Fatalf("metadata not carried: %+v", rec)
	}
	if !rec.EventDate.Equal(ev.DateTime) || !rec.ProcessedAt.Equal(fixedNow) {
		t.Fatalf("timestamps mixed up: %+v", rec)
	}
}

func TestProcessCaseSelectedUnknownCase(t *testing.T) {
	for _, ev := range []*models.Event{
		{Kind: models.EventPrintCaseSelected, PrintCaseSelected: &models.PrintCaseSelected{CaseRef: 42, PackCode: "P"}},
		{Kind: models.EventFieldCaseSelected, FieldCaseSelected: &models.FieldCaseSelected{CaseRef: 42}},
	} {
		store := newStubStore()
		svc, _ := newTestService(store)
		err := svc.Handle(context.Background(), ev)
		se, ok := AsServiceError(err)
		if !ok || se.Code != ErrorNotFound {
			t.Fatalf("%s: expected not found, got %v", ev.Kind, err)
		}
		if IsRetryable(err) {
			t.Fatalf("%s: not found must not be retryable", ev.Kind)
		}
		if len(store.records()) != 0 {
			t.Fatalf("%s: record written for missing case", ev.Kind)
		}
	}
}

func TestProcessFieldSelected(t *testing.T) {
	store := newStubStore()
	svc, _ := newTestService(store)
	if err := svc.Handle(context.Background(), sampleEvent("CE_LDIEE")); err != nil {
		t.Fatalf("sample: %v", err)
	}
	err := svc.Handle(context.Background(), &models.Event{
		Kind:              models.EventFieldCaseSelected,
		FieldCaseSelected: &models.FieldCaseSelected{CaseRef: 10000000},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	recs := store.records()
	if recs[1].Kind != models.EventFieldCaseSelected || recs[1].Description != CaseSentForFieldwork {
		t.Fatalf("unexpected record: %+v", recs[1])
	}
	if recs[1].Payload != `{"caseRef":10000000}` {
		t.Fatalf("payload = %q", recs[1].Payload)
	}
}

func TestHandleRejectsUnknownKind(t *testing.T) {
	svc, _ := newTestService(newStubStore())
	err := svc.Handle(context.Background(), &models.Event{Kind: "SURVEY_LAUNCHED"})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if err := svc.Handle(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
	if err := svc.Handle(context.Background(), &models.Event{Kind: models.EventPrintCaseSelected}); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestProcessRefusal(t *testing.T) {
	store := newStubStore()
	svc, em := newTestService(store)
	if err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E")); err != nil {
		t.Fatalf("sample: %v", err)
	}
	caze := store.caseByRef(10000000)
	refusal := &models.Event{
		Kind:    models.EventRefusalReceived,
		Refusal: &models.Refusal{Type: models.RefusalHard, CaseID: caze.CaseID},
	}
	for i := 0; i < 2; i++ {
		if err := svc.Handle(context.Background(), refusal); err != nil {
			t.Fatalf("refusal %d: %v", i, err)
		}
	}
	if !store.caseByRef(10000000).RefusalReceived {
		t.Fatalf("refusal flag not set")
	}
	if n := len(store.records()); n != 3 {
		t.Fatalf("records = %d, want 3", n)
	}
	if em.count(models.EventCaseUpdated) != 1 {
		t.Fatalf("case updates = %d, want 1", em.count(models.EventCaseUpdated))
	}

	err := svc.Handle(context.Background(), &models.Event{
		Kind:    models.EventRefusalReceived,
		Refusal: &models.Refusal{Type: models.RefusalHard, CaseID: "missing"},
	})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProcessFulfilmentRequested(t *testing.T) {
	store := newStubStore()
	svc, em := newTestService(store)
	if err := svc.Handle(context.Background(), sampleEvent("HH_LF3R2E")); err != nil {
		t.Fatalf("sample: %v", err)
	}
	before := *store.caseByRef(10000000)
	emitted := len(em.events)

	ev := &models.Event{
		Kind:              models.EventFulfilmentRequested,
		DateTime:          time.Date(2020, 3, 24, 10, 0, 0, 0, time.UTC),
		Channel:           "CC",
		Source:            "CONTACT_CENTRE_API",
		Payload:           []byte(`{"fulfilmentRequest":{"fulfilmentCode":"P_OR_H1","caseId":"` + before.CaseID + `"}}`),
		FulfilmentRequest: &models.FulfilmentRequest{FulfilmentCode: "P_OR_H1", CaseID: before.CaseID},
	}
	if err := svc.Handle(context.Background(), ev); err != nil {
		t.Fatalf("fulfilment: %v", err)
	}

	recs := store.records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	rec := recs[1]
	if rec.Kind != models.EventFulfilmentRequested || rec.Description != FulfilmentRequestReceived {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CaseID != before.CaseID || rec.Channel != "CC" || rec.Source != "CONTACT_CENTRE_API" {
		t.Fatalf("record not tied to case: %+v", rec)
	}
	if rec.TransactionID == "" || !rec.EventDate.Equal(ev.DateTime) {
		t.Fatalf("metadata not defaulted: %+v", rec)
	}
	if want := `{"fulfilmentCode":"P_OR_H1","caseId":"` + before.CaseID + `"}`; rec.Payload != want {
		t.Fatalf("payload = %s, want %s", rec.Payload, want)
	}
	if after := *store.caseByRef(10000000); after != before {
		t.Fatalf("case changed: %+v", after)
	}
	if len(em.events) != emitted {
		t.Fatalf("fulfilment emitted %d events", len(em.events)-emitted)
	}

	err := svc.Handle(context.Background(), &models.Event{
		Kind:              models.EventFulfilmentRequested,
		FulfilmentRequest: &models.FulfilmentRequest{FulfilmentCode: "P_OR_H1", CaseID: "missing"},
	})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := len(store.records()); n != 2 {
		t.Fatalf("records = %d after unknown case, want 2", n)
	}
}
