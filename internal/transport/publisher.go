package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/soaringjerry/casesvc/internal/db"
	"github.com/soaringjerry/casesvc/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer that keys messages by hash so every
// notification about one case or link lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Publisher emits CASE_CREATED, CASE_UPDATED and UAC_UPDATED notifications.
type Publisher struct {
	w     MessageWriter
	now   func() time.Time
	idGen func() string
}

func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{
		w:     w,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

type collectionCase struct {
	ID                   string         `json:"id"`
	CaseRef              string         `json:"caseRef"`
	TreatmentCode        string         `json:"treatmentCode"`
	CollectionExerciseID string         `json:"collectionExerciseId,omitempty"`
	ActionPlanID         string         `json:"actionPlanId,omitempty"`
	ReceiptReceived      bool           `json:"receiptReceived"`
	RefusalReceived      bool           `json:"refusalReceived"`
	Address              models.Address `json:"address"`
	CreatedDateTime      string         `json:"createdDateTime"`
}

type uacPayload struct {
	UAC             string `json:"uac"`
	UACHash         string `json:"uacHash"`
	QuestionnaireID string `json:"questionnaireId"`
	Active          bool   `json:"active"`
	CaseID          string `json:"caseId,omitempty"`
}

type outboundPayload struct {
	CollectionCase *collectionCase `json:"collectionCase,omitempty"`
	UAC            *uacPayload     `json:"uac,omitempty"`
}

type outboundMessage struct {
	Event   eventHeader     `json:"event"`
	Payload outboundPayload `json:"payload"`
}

func (p *Publisher) EmitCase(ctx context.Context, kind models.EventKind, c *models.Case) error {
	if kind != models.EventCaseCreated && kind != models.EventCaseUpdated {
		return fmt.Errorf("publish: %s is not a case event", kind)
	}
	cc := &collectionCase{
		ID:                   c.CaseID,
		CaseRef:              fmt.Sprintf("%d", c.CaseRef),
		TreatmentCode:        c.TreatmentCode,
		CollectionExerciseID: c.CollectionExerciseID,
		ActionPlanID:         c.ActionPlanID,
		ReceiptReceived:      c.ReceiptReceived,
		RefusalReceived:      c.RefusalReceived,
		Address:              c.Address,
		CreatedDateTime:      c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return p.publish(ctx, kind, c.CaseID, outboundPayload{CollectionCase: cc})
}

func (p *Publisher) EmitUAC(ctx context.Context, l *models.QuestionnaireLink) error {
	caseID, _ := l.Case.CaseID()
	return p.publish(ctx, models.EventUACUpdated, l.QID, outboundPayload{UAC: &uacPayload{
		UAC:             l.UAC,
		UACHash:         db.HashUAC(l.UAC),
		QuestionnaireID: l.QID,
		Active:          l.Active,
		CaseID:          caseID,
	}})
}

func (p *Publisher) publish(ctx context.Context, kind models.EventKind, key string, payload outboundPayload) error {
	body, err := json.Marshal(outboundMessage{
		Event: eventHeader{
			Type:          kind,
			Source:        ServiceSource,
			Channel:       ServiceChannel,
			DateTime:      p.now().Format(time.RFC3339Nano),
			TransactionID: p.idGen(),
		},
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
