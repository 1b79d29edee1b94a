package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/soaringjerry/casesvc/internal/models"
	"github.com/soaringjerry/casesvc/internal/services"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// BuildInfo is reported by /version and /health.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Router struct {
	cases  CaseReader
	pool   PoolStats
	build  BuildInfo
	logger *zap.Logger
}

func NewRouter(cases CaseReader, pool PoolStats, build BuildInfo, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cases: cases, pool: pool, build: build, logger: logger}
}

// Register mounts the public probes on mux and the case history endpoints
// behind protect.
func (rt *Router) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}
	mux.HandleFunc("/health", rt.handleHealth)                                // GET
	mux.HandleFunc("/version", rt.handleVersion)                              // GET
	mux.Handle("/api/cases/", protect(http.HandlerFunc(rt.handleCaseScoped))) // GET /api/cases/{ref}[/events]
	mux.Handle("/api/events", protect(http.HandlerFunc(rt.handleEvents)))     // GET ?limit=N
}

type caseView struct {
	ID                   string         `json:"id"`
	CaseRef              int64          `json:"case_ref"`
	TreatmentCode        string         `json:"treatment_code"`
	ReceiptReceived      bool           `json:"receipt_received"`
	RefusalReceived      bool           `json:"refusal_received"`
	CollectionExerciseID string         `json:"collection_exercise_id,omitempty"`
	Address              models.Address `json:"address"`
	CreatedAt            time.Time      `json:"created_at"`
	Links                []linkView     `json:"links"`
}

// linkView never exposes the access code itself.
type linkView struct {
	QID       string    `json:"qid"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type eventView struct {
	Seq           int64            `json:"seq"`
	Type          models.EventKind `json:"type"`
	Description   string           `json:"description"`
	TransactionID string           `json:"transaction_id"`
	Channel       string           `json:"channel,omitempty"`
	Source        string           `json:"source,omitempty"`
	EventDate     time.Time        `json:"event_date"`
	ProcessedAt   time.Time        `json:"processed_at"`
	CaseID        string           `json:"case_id,omitempty"`
	Anomaly       string           `json:"anomaly,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
}

func toEventView(r *models.AuditRecord, _ int) eventView {
	v := eventView{
		Seq:           r.Seq,
		Type:          r.Kind,
		Description:   r.Description,
		TransactionID: r.TransactionID,
		Channel:       r.Channel,
		Source:        r.Source,
		EventDate:     r.EventDate,
		ProcessedAt:   r.ProcessedAt,
		CaseID:        r.CaseID,
		Anomaly:       r.Anomaly,
	}
	if json.Valid([]byte(r.Payload)) {
		v.Payload = json.RawMessage(r.Payload)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) writeCSV(w http.ResponseWriter, filename string, records []*models.AuditRecord) {
	out, err := services.ExportAuditCSV(records)
	if err != nil {
		rt.logger.Error("Failed to render audit CSV", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(out)
}

// GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{"ok": true, "name": "casesvc", "commit": rt.build.Commit}
	if rt.pool != nil {
		stats := rt.pool.Stats()
		body["code_pool"] = stats
		if stats.Size == 0 && !stats.Refilling && stats.Failures > 0 {
			body["ok"] = false
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /version
func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.build)
}

// GET /api/cases/{ref} and /api/cases/{ref}/events[?format=csv]
func (rt *Router) handleCaseScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "events") {
		http.NotFound(w, r)
		return
	}
	ref, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ref <= 0 {
		http.Error(w, "case ref must be a positive integer", http.StatusBadRequest)
		return
	}

	caze, err := rt.cases.CaseByRef(r.Context(), ref)
	if err != nil {
		rt.logger.Error("Failed to load case", zap.Int64("case_ref", ref), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if caze == nil {
		http.Error(w, "case not found", http.StatusNotFound)
		return
	}

	if len(parts) == 2 {
		records, err := rt.cases.EventsForCase(r.Context(), caze.CaseID)
		if err != nil {
			rt.logger.Error("Failed to load case events", zap.String("case_id", caze.CaseID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("format") == "csv" {
			rt.writeCSV(w, fmt.Sprintf("case-%d-events.csv", caze.CaseRef), records)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"case_ref": caze.CaseRef,
			"events":   lo.Map(records, toEventView),
		})
		return
	}

	links, err := rt.cases.LinksForCase(r.Context(), caze.CaseID)
	if err != nil {
		rt.logger.Error("Failed to load questionnaire links", zap.String("case_id", caze.CaseID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, caseView{
		ID:                   caze.CaseID,
		CaseRef:              caze.CaseRef,
		TreatmentCode:        caze.TreatmentCode,
		ReceiptReceived:      caze.ReceiptReceived,
		RefusalReceived:      caze.RefusalReceived,
		CollectionExerciseID: caze.CollectionExerciseID,
		Address:              caze.Address,
		CreatedAt:            caze.CreatedAt,
		Links: lo.Map(links, func(l *models.QuestionnaireLink, _ int) linkView {
			return linkView{QID: l.QID, Active: l.Active, CreatedAt: l.CreatedAt}
		}),
	})
}

// GET /api/events?limit=N&anomalies=true
func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	anomaliesOnly := r.URL.Query().Get("anomalies") == "true"
	records, err := rt.cases.Events(r.Context(), limit, anomaliesOnly)
	if err != nil {
		rt.logger.Error("Failed to list events", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": lo.Map(records, toEventView)})
}
