package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soaringjerry/casesvc/internal/models"
)

// stubStore keeps everything in maps. WithinTx works on a copy and swaps it
// in on success, so failed units leave no trace.
type stubStore struct {
	mu        sync.Mutex
	state     stubState
	failAudit bool
}

type stubState struct {
	cases   map[string]models.Case
	links   map[string]models.QuestionnaireLink
	records []models.AuditRecord
	caseRef int64
	qidSeq  int64
}

func newStubStore() *stubStore {
	return &stubStore{state: stubState{
		cases:   map[string]models.Case{},
		links:   map[string]models.QuestionnaireLink{},
		caseRef: 9999999,
	}}
}

func (s stubState) clone() stubState {
	out := s
	out.cases = make(map[string]models.Case, len(s.cases))
	for k, v := range s.cases {
		out.cases[k] = v
	}
	out.links = make(map[string]models.QuestionnaireLink, len(s.links))
	for k, v := range s.links {
		out.links[k] = v
	}
	out.records = append([]models.AuditRecord(nil), s.records...)
	return out
}

func (s *stubStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &stubTx{state: s.state.clone(), failAudit: s.failAudit}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *stubStore) records() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditRecord(nil), s.state.records...)
}

func (s *stubStore) caseByRef(ref int64) *models.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.state.cases {
		if c.CaseRef == ref {
			cp := c
			return &cp
		}
	}
	return nil
}

func (s *stubStore) linksFor(caseID string) []models.QuestionnaireLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QuestionnaireLink
	for _, l := range s.state.links {
		if id, ok := l.Case.CaseID(); ok && id == caseID {
			out = append(out, l)
		}
	}
	return out
}

func (s *stubStore) putCase(c models.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.cases[c.CaseID] = c
}

func (s *stubStore) putLink(l models.QuestionnaireLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.links[l.QID] = l
}

type stubTx struct {
	state     stubState
	failAudit bool
}

func (t *stubTx) CreateCase(c *models.Case) error {
	if _, ok := t.state.cases[c.CaseID]; ok {
		return errors.New("duplicate case")
	}
	t.state.caseRef++
	c.CaseRef = t.state.caseRef
	t.state.cases[c.CaseID] = *c
	return nil
}

func (t *stubTx) GetCaseByRef(ref int64) (*models.Case, error) {
	for _, c := range t.state.cases {
		if c.CaseRef == ref {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *stubTx) GetCaseByID(id string) (*models.Case, error) {
	if c, ok := t.state.cases[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (t *stubTx) UpdateCase(c *models.Case) error {
	old, ok := t.state.cases[c.CaseID]
	if !ok {
		return fmt.Errorf("case %s missing", c.CaseID)
	}
	if old.ReceiptReceived && !c.ReceiptReceived {
		return errors.New("receipt_received cannot be cleared")
	}
	t.state.cases[c.CaseID] = *c
	return nil
}

func (t *stubTx) NextQIDSequence() (int64, error) {
	t.state.qidSeq++
	return t.state.qidSeq, nil
}

func (t *stubTx) CreateLink(l *models.QuestionnaireLink) error {
	if _, ok := t.state.links[l.QID]; ok {
		return errors.New("duplicate qid")
	}
	t.state.links[l.QID] = *l
	return nil
}

func (t *stubTx) GetLinkByQID(qid string) (*models.QuestionnaireLink, error) {
	if l, ok := t.state.links[qid]; ok {
		return &l, nil
	}
	return nil, nil
}

func (t *stubTx) GetLinkByUAC(uac string) (*models.QuestionnaireLink, error) {
	for _, l := range t.state.links {
		if l.UAC == uac {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *stubTx) UpdateLink(l *models.QuestionnaireLink) error {
	old, ok := t.state.links[l.QID]
	if !ok {
		return fmt.Errorf("link %s missing", l.QID)
	}
	if !old.Active && l.Active {
		return errors.New("questionnaire link cannot be reactivated")
	}
	t.state.links[l.QID] = *l
	return nil
}

func (t *stubTx) AppendAudit(r *models.AuditRecord) error {
	if t.failAudit {
		return errors.New("disk full")
	}
	r.Seq = int64(len(t.state.records) + 1)
	t.state.records = append(t.state.records, *r)
	return nil
}

type stubCodes struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *stubCodes) Acquire(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.n++
	return fmt.Sprintf("UAC%04d", c.n), nil
}

type emitted struct {
	kind models.EventKind
	id   string
}

type stubEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *stubEmitter) EmitCase(_ context.Context, kind models.EventKind, c *models.Case) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: kind, id: c.CaseID})
	return nil
}

func (e *stubEmitter) EmitUAC(_ context.Context, l *models.QuestionnaireLink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: models.EventUACUpdated, id: l.QID})
	return nil
}

func (e *stubEmitter) count(kind models.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.kind == kind {
			n++
		}
	}
	return n
}
