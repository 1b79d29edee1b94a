package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soaringjerry/casesvc/internal/codepool"
	"github.com/soaringjerry/casesvc/internal/models"
)

const (
	CreateCaseSampleReceived = "Create case sample received"
	CaseSentToPrinter        = "Case sent to printer with pack code %s"
	CaseSentForFieldwork     = "Case sent for fieldwork followup"
)

type handlerFunc func(ctx context.Context, ev *models.Event) error

// EventService applies inbound events to case and questionnaire link state
// and records each one in the audit trail. Every event runs in its own
// transaction; nothing is cached between events.
type EventService struct {
	store    Store
	codes    CodeSource
	emitter  Emitter
	events   *EventLogger
	logger   *zap.Logger
	now      func() time.Time
	idGen    func() string
	tranche  int
	handlers map[models.EventKind]handlerFunc
}

type Option func(*EventService)

// WithEmitter publishes case and link notifications after each commit.
func WithEmitter(e Emitter) Option {
	return func(s *EventService) {
		if e != nil {
			s.emitter = e
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *EventService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTranche sets the tranche digit written into new questionnaire ids.
func WithTranche(t int) Option {
	return func(s *EventService) { s.tranche = t }
}

func NewEventService(store Store, codes CodeSource, opts ...Option) *EventService {
	s := &EventService{
		store:   store,
		codes:   codes,
		emitter: nopEmitter{},
		events:  NewEventLogger(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		idGen:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[models.EventKind]handlerFunc{
		models.EventSampleLoaded:        s.ProcessSampleReceived,
		models.EventPrintCaseSelected:   s.ProcessPrintSelected,
		models.EventFieldCaseSelected:   s.ProcessFieldSelected,
		models.EventResponseReceived:    s.ProcessReceipt,
		models.EventRefusalReceived:     s.ProcessRefusal,
		models.EventFulfilmentRequested: s.ProcessFulfilmentRequested,
	}
	return s
}

// Handle dispatches ev to the handler registered for its kind.
func (s *EventService) Handle(ctx context.Context, ev *models.Event) error {
	if ev == nil {
		return NewInvalidError("nil event")
	}
	h, ok := s.handlers[ev.Kind]
	if !ok {
		return NewInvalidError(fmt.Sprintf("unsupported event type %q", ev.Kind))
	}
	return h(ctx, ev)
}

// ProcessSampleReceived creates a case and its questionnaire link(s) from a
// sample row. Bilingual treatment codes also get a Welsh link, which shares
// the single SAMPLE_LOADED record.
func (s *EventService) ProcessSampleReceived(ctx context.Context, ev *models.Event) error {
	if s.store == nil || s.codes == nil {
		return NewInvalidError("event service not configured")
	}
	sample := ev.Sample
	if sample == nil {
		return NewInvalidError("sample payload missing")
	}
	questionnaireType, err := QuestionnaireType(sample.TreatmentCode)
	if err != nil {
		return err
	}
	bilingual := IsBilingual(sample.TreatmentCode)

	// Codes are taken before the transaction opens so a slow pool never
	// holds the write lock.
	uac, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	var welshUAC string
	if bilingual {
		if welshUAC, err = s.acquire(ctx); err != nil {
			return err
		}
	}

	caze := &models.Case{
		CaseID:               s.idGen(),
		TreatmentCode:        sample.TreatmentCode,
		CollectionExerciseID: sample.CollectionExerciseID,
		ActionPlanID:         sample.ActionPlanID,
		Address:              sample.Address,
		CreatedAt:            s.now(),
	}

	var links []*models.QuestionnaireLink
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		links = links[:0]
		if err := tx.CreateCase(caze); err != nil {
			return NewStoreError("create case", err)
		}
		link, err := s.createLink(tx, caze, questionnaireType, uac)
		if err != nil {
			return err
		}
		links = append(links, link)

		if _, err := s.events.LogEvent(tx, AuditEntry{
			Kind:        models.EventSampleLoaded,
			Description: CreateCaseSampleReceived,
			Payload:     payloadJSON(ev, sample),
			CaseID:      caze.CaseID,
		}, ev); err != nil {
			return err
		}

		if bilingual {
			welsh, err := s.createLink(tx, caze, WelshQuestionnaireType, welshUAC)
			if err != nil {
				return err
			}
			links = append(links, welsh)
		}
		return nil
	})
	if err != nil {
		return wrapStore("process sample", err)
	}

	s.logger.Debug("Case created",
		zap.String("case_id", caze.CaseID),
		zap.Int64("case_ref", caze.CaseRef),
		zap.Int("links", len(links)))
	s.emitCase(ctx, models.EventCaseCreated, caze)
	for _, l := range links {
		s.emitUAC(ctx, l)
	}
	return nil
}

// ProcessPrintSelected records that a case was sent to the printer.
func (s *EventService) ProcessPrintSelected(ctx context.Context, ev *models.Event) error {
	p := ev.PrintCaseSelected
	if p == nil {
		return NewInvalidError("printCaseSelected payload missing")
	}
	return s.logCaseEvent(ctx, ev, p.CaseRef, models.EventPrintCaseSelected,
		fmt.Sprintf(CaseSentToPrinter, p.PackCode), payloadJSON(ev, p))
}

// ProcessFieldSelected records that a case was sent for field follow-up.
func (s *EventService) ProcessFieldSelected(ctx context.Context, ev *models.Event) error {
	p := ev.FieldCaseSelected
	if p == nil {
		return NewInvalidError("fieldCaseSelected payload missing")
	}
	return s.logCaseEvent(ctx, ev, p.CaseRef, models.EventFieldCaseSelected,
		CaseSentForFieldwork, payloadJSON(ev, p))
}

func (s *EventService) logCaseEvent(ctx context.Context, ev *models.Event, caseRef int64, kind models.EventKind, description, payload string) error {
	if s.store == nil {
		return NewInvalidError("event service not configured")
	}
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		caze, err := tx.GetCaseByRef(caseRef)
		if err != nil {
			return NewStoreError("get case by ref", err)
		}
		if caze == nil {
			return NewNotFoundError(fmt.Sprintf("case ref %d not found", caseRef))
		}
		_, err = s.events.LogEvent(tx, AuditEntry{
			Kind:        kind,
			Description: description,
			Payload:     payload,
			CaseID:      caze.CaseID,
		}, ev)
		return err
	})
	return wrapStore("log case event", err)
}

func (s *EventService) createLink(tx Tx, caze *models.Case, questionnaireType int, uac string) (*models.QuestionnaireLink, error) {
	seq, err := tx.NextQIDSequence()
	if err != nil {
		return nil, NewStoreError("next qid sequence", err)
	}
	qid, err := BuildQID(questionnaireType, s.tranche, seq)
	if err != nil {
		return nil, err
	}
	link := &models.QuestionnaireLink{
		ID:        s.idGen(),
		UAC:       uac,
		QID:       qid,
		Active:    true,
		Case:      models.AddressedTo(caze.CaseID),
		CreatedAt: s.now(),
	}
	if err := tx.CreateLink(link); err != nil {
		return nil, NewStoreError("create questionnaire link", err)
	}
	return link, nil
}

func (s *EventService) acquire(ctx context.Context) (string, error) {
	code, err := s.codes.Acquire(ctx)
	if errors.Is(err, codepool.ErrPoolExhausted) {
		return "", NewResourceExhaustedError("acquire access code", err)
	}
	if err != nil {
		return "", NewGeneratorError("acquire access code", err)
	}
	return code, nil
}

func (s *EventService) emitCase(ctx context.Context, kind models.EventKind, c *models.Case) {
	if err := s.emitter.EmitCase(ctx, kind, c); err != nil {
		s.logger.Warn("Failed to emit case event",
			zap.String("type", string(kind)),
			zap.String("case_id", c.CaseID),
			zap.Error(err))
	}
}

func (s *EventService) emitUAC(ctx context.Context, l *models.QuestionnaireLink) {
	if err := s.emitter.EmitUAC(ctx, l); err != nil {
		s.logger.Warn("Failed to emit uac updated event", zap.String("qid", l.QID), zap.Error(err))
	}
}
