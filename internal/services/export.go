package services

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/soaringjerry/casesvc/internal/models"
)

var auditCSVHeader = []string{
	"seq", "event_type", "description", "transaction_id", "channel", "source",
	"event_date", "processed_at", "case_id", "uac_qid_link_id", "anomaly", "payload",
}

// ExportAuditCSV renders audit records, one per row, in the order given.
func ExportAuditCSV(records []*models.AuditRecord) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(auditCSVHeader)
	for _, r := range records {
		if r == nil {
			continue
		}
		rec := []string{
			strconv.FormatInt(r.Seq, 10),
			string(r.Kind),
			r.Description,
			r.TransactionID,
			r.Channel,
			r.Source,
			formatCSVTime(r.EventDate),
			formatCSVTime(r.ProcessedAt),
			r.CaseID,
			r.LinkID,
			r.Anomaly,
			r.Payload,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatCSVTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
