package models

import (
	"encoding/json"
	"time"
)

// Case is the tracking unit for one sampled address. ReceiptReceived and
// RefusalReceived only ever move from false to true.
type Case struct {
	CaseID               string
	CaseRef              int64 // assigned by the store on create
	TreatmentCode        string
	ReceiptReceived      bool
	RefusalReceived      bool
	CollectionExerciseID string
	ActionPlanID         string
	Address              Address
	CreatedAt            time.Time
}

// Address holds the sample attributes that describe where the case lives.
type Address struct {
	ARID             string `json:"arid,omitempty"`
	EstabARID        string `json:"estabArid,omitempty"`
	UPRN             string `json:"uprn,omitempty"`
	AddressType      string `json:"addressType,omitempty"`
	EstabType        string `json:"estabType,omitempty"`
	AddressLevel     string `json:"addressLevel,omitempty"`
	OrganisationName string `json:"organisationName,omitempty"`
	AddressLine1     string `json:"addressLine1,omitempty"`
	AddressLine2     string `json:"addressLine2,omitempty"`
	AddressLine3     string `json:"addressLine3,omitempty"`
	TownName         string `json:"townName,omitempty"`
	Postcode         string `json:"postcode,omitempty"`
	Latitude         string `json:"latitude,omitempty"`
	Longitude        string `json:"longitude,omitempty"`
	OA               string `json:"oa,omitempty"`
	LSOA             string `json:"lsoa,omitempty"`
	MSOA             string `json:"msoa,omitempty"`
	LAD              string `json:"lad,omitempty"`
	Region           string `json:"region,omitempty"`
}

// OwningCase is the optional case a questionnaire link belongs to. The zero
// value is an unaddressed link.
type OwningCase struct {
	caseID string
	ok     bool
}

// AddressedTo returns an OwningCase pointing at caseID.
func AddressedTo(caseID string) OwningCase { return OwningCase{caseID: caseID, ok: caseID != ""} }

// Unaddressed returns the absent OwningCase.
func Unaddressed() OwningCase { return OwningCase{} }

// CaseID returns the owning case id and whether the link is addressed.
func (o OwningCase) CaseID() (string, bool) { return o.caseID, o.ok }

// QuestionnaireLink pairs a single-use access code with a questionnaire id.
type QuestionnaireLink struct {
	ID        string
	UAC       string
	QID       string
	Active    bool
	Case      OwningCase
	CreatedAt time.Time
}

// EventKind enumerates inbound events and the audit record kinds they produce.
type EventKind string

const (
	EventSampleLoaded        EventKind = "SAMPLE_LOADED"
	EventPrintCaseSelected   EventKind = "PRINT_CASE_SELECTED"
	EventFieldCaseSelected   EventKind = "FIELD_CASE_SELECTED"
	EventResponseReceived    EventKind = "RESPONSE_RECEIVED"
	EventRefusalReceived     EventKind = "REFUSAL_RECEIVED"
	EventFulfilmentRequested EventKind = "FULFILMENT_REQUESTED"
)

// Outbound notification kinds.
const (
	EventCaseCreated EventKind = "CASE_CREATED"
	EventCaseUpdated EventKind = "CASE_UPDATED"
	EventUACUpdated  EventKind = "UAC_UPDATED"
)

// AuditRecord is an immutable entry describing one processed event.
type AuditRecord struct {
	ID            string
	Seq           int64 // insertion order, assigned by the store
	Kind          EventKind
	Description   string
	Payload       string
	TransactionID string
	Channel       string
	Source        string
	EventDate     time.Time
	ProcessedAt   time.Time
	CaseID        string // empty when the event has no case
	LinkID        string // empty when the event has no link
	Anomaly       string // non-empty flags an unmatched or unaddressed receipt
}

// Event is the inbound envelope. Exactly one of the typed payloads is set,
// matching Kind. Payload keeps the original bytes for the audit trail.
type Event struct {
	Kind          EventKind
	DateTime      time.Time
	TransactionID string
	Channel       string
	Source        string
	Payload       json.RawMessage

	Sample            *Sample
	PrintCaseSelected *PrintCaseSelected
	FieldCaseSelected *FieldCaseSelected
	Response          *Response
	Refusal           *Refusal
	FulfilmentRequest *FulfilmentRequest
}

// Sample is a single row from a loaded sample file.
type Sample struct {
	Address
	TreatmentCode        string `json:"treatmentCode"`
	FieldCoordinatorID   string `json:"fieldCoordinatorId,omitempty"`
	FieldOfficerID       string `json:"fieldOfficerId,omitempty"`
	CEExpectedCapacity   string `json:"ceExpectedCapacity,omitempty"`
	CollectionExerciseID string `json:"collectionExerciseId,omitempty"`
	ActionPlanID         string `json:"actionPlanId,omitempty"`
}

type PrintCaseSelected struct {
	CaseRef      int64  `json:"caseRef"`
	PackCode     string `json:"packCode"`
	ActionRuleID string `json:"actionRuleId,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
}

type FieldCaseSelected struct {
	CaseRef      int64  `json:"caseRef"`
	ActionRuleID string `json:"actionRuleId,omitempty"`
}

// Response reports that a questionnaire came back. QuestionnaireID is the
// usual key; UAC is accepted when the channel only knows the access code.
type Response struct {
	QuestionnaireID string `json:"questionnaireId,omitempty"`
	UAC             string `json:"uac,omitempty"`
}

type RefusalType string

const (
	RefusalHard          RefusalType = "HARD_REFUSAL"
	RefusalExtraordinary RefusalType = "EXTRAORDINARY_REFUSAL"
)

// Refusal records that a household declined to take part.
type Refusal struct {
	Type    RefusalType `json:"type"`
	Report  string      `json:"report,omitempty"`
	AgentID string      `json:"agentId,omitempty"`
	CaseID  string      `json:"caseId"`
}

// FulfilmentRequest asks for material (a paper questionnaire, a new access
// code) to be sent for a case. It is audited against the case only.
type FulfilmentRequest struct {
	FulfilmentCode   string `json:"fulfilmentCode"`
	CaseID           string `json:"caseId"`
	IndividualCaseID string `json:"individualCaseId,omitempty"`
}
