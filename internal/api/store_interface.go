package api

import (
	"context"

	"github.com/soaringjerry/casesvc/internal/codepool"
	"github.com/soaringjerry/casesvc/internal/models"
)

// CaseReader is the read side of the durable store. *db.SQLiteStore
// satisfies it.
type CaseReader interface {
	CaseByRef(ctx context.Context, ref int64) (*models.Case, error)
	LinksForCase(ctx context.Context, caseID string) ([]*models.QuestionnaireLink, error)
	EventsForCase(ctx context.Context, caseID string) ([]*models.AuditRecord, error)
	Events(ctx context.Context, limit int, anomaliesOnly bool) ([]*models.AuditRecord, error)
}

type PoolStats interface {
	Stats() codepool.Stats
}
