// Package transport moves events between Kafka and the event service: it
// decodes inbound messages, publishes outbound notifications and archives
// messages that cannot be processed.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soaringjerry/casesvc/internal/models"
	"github.com/soaringjerry/casesvc/internal/services"
)

// Channel and source stamped on events this service originates.
const (
	ServiceChannel = "RM"
	ServiceSource  = "CASE_SERVICE"
)

// Decoder turns one Kafka message into an inbound event.
type Decoder func(msg kafka.Message) (*models.Event, error)

type eventHeader struct {
	Type          models.EventKind `json:"type"`
	Source        string           `json:"source"`
	Channel       string           `json:"channel"`
	DateTime      string           `json:"dateTime"`
	TransactionID string           `json:"transactionId"`
}

type envelope struct {
	Event   eventHeader     `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type collectionCaseRef struct {
	ID string `json:"id"`
}

type refusalBody struct {
	Type           models.RefusalType `json:"type"`
	Report         string             `json:"report,omitempty"`
	AgentID        string             `json:"agentId,omitempty"`
	CollectionCase collectionCaseRef  `json:"collectionCase"`
}

type payloadBody struct {
	PrintCaseSelected *models.PrintCaseSelected `json:"printCaseSelected"`
	FieldCaseSelected *models.FieldCaseSelected `json:"fieldCaseSelected"`
	Response          *models.Response          `json:"response"`
	Refusal           *refusalBody              `json:"refusal"`
	FulfilmentRequest *models.FulfilmentRequest `json:"fulfilmentRequest"`
}

// DecodeSample reads a bare sample row. Samples carry no event header, so the
// event is stamped as originating here with a zero DateTime.
func DecodeSample(msg kafka.Message) (*models.Event, error) {
	var sample models.Sample
	if err := strictUnmarshal(msg.Value, &sample); err != nil {
		return nil, services.NewInvalidError(fmt.Sprintf("decode sample: %v", err))
	}
	if strings.TrimSpace(sample.TreatmentCode) == "" {
		return nil, services.NewInvalidError("decode sample: treatmentCode missing")
	}
	return &models.Event{
		Kind:    models.EventSampleLoaded,
		Channel: ServiceChannel,
		Source:  ServiceSource,
		Payload: json.RawMessage(msg.Value),
		Sample:  &sample,
	}, nil
}

// DecodeEnvelope reads an {"event":…,"payload":…} message and fills the
// typed payload matching the event type.
func DecodeEnvelope(msg kafka.Message) (*models.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, services.NewInvalidError(fmt.Sprintf("decode envelope: %v", err))
	}
	if env.Event.Type == "" {
		return nil, services.NewInvalidError("decode envelope: event type missing")
	}
	var body payloadBody
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, services.NewInvalidError(fmt.Sprintf("decode payload: %v", err))
		}
	}

	ev := &models.Event{
		Kind:          env.Event.Type,
		TransactionID: env.Event.TransactionID,
		Channel:       env.Event.Channel,
		Source:        env.Event.Source,
		Payload:       env.Payload,
	}
	if env.Event.DateTime != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Event.DateTime)
		if err != nil {
			return nil, services.NewInvalidError(fmt.Sprintf("decode envelope: bad dateTime %q", env.Event.DateTime))
		}
		ev.DateTime = ts.UTC()
	}

	switch ev.Kind {
	case models.EventPrintCaseSelected:
		ev.PrintCaseSelected = body.PrintCaseSelected
	case models.EventFieldCaseSelected:
		ev.FieldCaseSelected = body.FieldCaseSelected
	case models.EventResponseReceived:
		ev.Response = body.Response
	case models.EventRefusalReceived:
		if body.Refusal != nil {
			ev.Refusal = &models.Refusal{
				Type:    body.Refusal.Type,
				Report:  body.Refusal.Report,
				AgentID: body.Refusal.AgentID,
				CaseID:  body.Refusal.CollectionCase.ID,
			}
		}
	case models.EventFulfilmentRequested:
		ev.FulfilmentRequest = body.FulfilmentRequest
	default:
		return nil, services.NewInvalidError(fmt.Sprintf("unsupported event type %q", ev.Kind))
	}
	if !hasPayload(ev) {
		return nil, services.NewInvalidError(fmt.Sprintf("%s: payload missing", ev.Kind))
	}
	return ev, nil
}

func hasPayload(ev *models.Event) bool {
	return ev.PrintCaseSelected != nil || ev.FieldCaseSelected != nil || ev.Response != nil ||
		ev.Refusal != nil || ev.FulfilmentRequest != nil
}

// strictUnmarshal rejects trailing data after the first JSON value.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}
