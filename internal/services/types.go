package services

import (
	"context"

	"github.com/soaringjerry/casesvc/internal/models"
)

// Store opens the unit of work a single inbound event runs in. fn's writes
// are committed together when it returns nil and discarded otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the persistence surface available inside one event's transaction.
// Getters return (nil, nil) when nothing matches.
type Tx interface {
	CreateCase(c *models.Case) error
	GetCaseByRef(ref int64) (*models.Case, error)
	GetCaseByID(id string) (*models.Case, error)
	UpdateCase(c *models.Case) error

	NextQIDSequence() (int64, error)
	CreateLink(l *models.QuestionnaireLink) error
	GetLinkByQID(qid string) (*models.QuestionnaireLink, error)
	GetLinkByUAC(uac string) (*models.QuestionnaireLink, error)
	UpdateLink(l *models.QuestionnaireLink) error

	AppendAudit(r *models.AuditRecord) error
}

// CodeSource hands out single-use access codes.
type CodeSource interface {
	Acquire(ctx context.Context) (string, error)
}

// Emitter publishes case and link notifications once a transaction commits.
type Emitter interface {
	EmitCase(ctx context.Context, kind models.EventKind, c *models.Case) error
	EmitUAC(ctx context.Context, l *models.QuestionnaireLink) error
}

type nopEmitter struct{}

func (nopEmitter) EmitCase(context.Context, models.EventKind, *models.Case) error { return nil }
func (nopEmitter) EmitUAC(context.Context, *models.QuestionnaireLink) error       { return nil }
