package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"github.com/soaringjerry/casesvc/internal/models"
	"github.com/soaringjerry/casesvc/internal/services"
)

var _ services.Store = (*SQLiteStore)(nil)

// Open opens the SQLite database at path. Transactions start with BEGIN
// IMMEDIATE so concurrent events touching the same rows are serialized
// rather than failing on lock upgrade.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// WithinTx runs fn in one transaction and commits only if fn returns nil.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx services.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()
	return fn(&sqliteTx{ctx: ctx, q: tx})
}

// CaseByRef reads a case outside any event transaction.
func (s *SQLiteStore) CaseByRef(ctx context.Context, ref int64) (*models.Case, error) {
	return (&sqliteTx{ctx: ctx, q: s.db}).GetCaseByRef(ref)
}

// LinksForCase lists the questionnaire links owned by a case.
func (s *SQLiteStore) LinksForCase(ctx context.Context, caseID string) ([]*models.QuestionnaireLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM uac_qid_links WHERE case_id = ? ORDER BY created_at, qid`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	var out []*models.QuestionnaireLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const eventColumns = `seq, id, event_type, description, payload, transaction_id, channel, source,
      event_date, processed_at, case_id, uac_qid_link_id, anomaly`

// EventsForCase lists a case's audit records in processing order.
func (s *SQLiteStore) EventsForCase(ctx context.Context, caseID string) ([]*models.AuditRecord, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE case_id = ? ORDER BY seq ASC`, caseID)
}

// Events returns the most recent limit audit records in processing order.
// With anomaliesOnly the window is taken over flagged records alone.
func (s *SQLiteStore) Events(ctx context.Context, limit int, anomaliesOnly bool) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	where := ""
	if anomaliesOnly {
		where = ` WHERE anomaly IS NOT NULL`
	}
	return s.listEvents(ctx, `SELECT * FROM (SELECT `+eventColumns+` FROM events`+where+` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
}

func (s *SQLiteStore) listEvents(ctx context.Context, query string, args ...any) ([]*models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []*models.AuditRecord
	for rows.Next() {
		var (
			r                          models.AuditRecord
			kind, eventDate, processed string
			payload, channel, source   sql.NullString
			caseID, linkID, anomaly    sql.NullString
		)
		if err := rows.Scan(&r.Seq, &r.ID, &kind, &r.Description, &payload, &r.TransactionID, &channel, &source,
			&eventDate, &processed, &caseID, &linkID, &anomaly); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Kind = models.EventKind(kind)
		r.Payload = payload.String
		r.Channel = channel.String
		r.Source = source.String
		r.EventDate = parseTime(eventDate)
		r.ProcessedAt = parseTime(processed)
		r.CaseID = caseID.String
		r.LinkID = linkID.String
		r.Anomaly = anomaly.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	ctx context.Context
	q   querier
}

func (t *sqliteTx) nextSequence(name string) (int64, error) {
	var v int64
	err := t.q.QueryRowContext(t.ctx, `UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", name, err)
	}
	return v, nil
}

func (t *sqliteTx) NextQIDSequence() (int64, error) { return t.nextSequence("qid") }

// --- Cases ---

const caseColumns = `case_id, case_ref, treatment_code, receipt_received, refusal_received,
      collection_exercise_id, action_plan_id, address, created_at`

func (t *sqliteTx) CreateCase(c *models.Case) error {
	if c == nil || c.CaseID == "" {
		return errors.New("case id required")
	}
	ref, err := t.nextSequence("case_ref")
	if err != nil {
		return err
	}
	address, err := encodeJSON(c.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = t.q.ExecContext(t.ctx, `INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, ref, c.TreatmentCode, boolToInt64(c.ReceiptReceived), boolToInt64(c.RefusalReceived),
		toNullString(c.CollectionExerciseID), toNullString(c.ActionPlanID), address, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	c.CaseRef = ref
	return nil
}

func (t *sqliteTx) GetCaseByRef(ref int64) (*models.Case, error) {
	return t.getCase(`case_ref = ?`, ref)
}

func (t *sqliteTx) GetCaseByID(id string) (*models.Case, error) {
	return t.getCase(`case_id = ?`, id)
}

func (t *sqliteTx) getCase(where string, arg any) (*models.Case, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT `+caseColumns+` FROM cases WHERE `+where, arg)
	var (
		c                   models.Case
		receipt, refusal    int64
		ceID, apID, address sql.NullString
		created             string
	)
	err := row.Scan(&c.CaseID, &c.CaseRef, &c.TreatmentCode, &receipt, &refusal, &ceID, &apID, &address, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	c.ReceiptReceived = int64ToBool(receipt)
	c.RefusalReceived = int64ToBool(refusal)
	c.CollectionExerciseID = ceID.String
	c.ActionPlanID = apID.String
	c.CreatedAt = parseTime(created)
	if address.Valid && address.String != "" {
		if err := json.Unmarshal([]byte(address.String), &c.Address); err != nil {
			return nil, fmt.Errorf("decode address: %w", err)
		}
	}
	return &c, nil
}

// UpdateCase persists the mutable flags of a case.
func (t *sqliteTx) UpdateCase(c *models.Case) error {
	res, err := t.q.ExecContext(t.ctx, `UPDATE cases SET receipt_received = ?, refusal_received = ? WHERE case_id = ?`,
		boolToInt64(c.ReceiptReceived), boolToInt64(c.RefusalReceived), c.CaseID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	return expectOneRow(res, "case", c.CaseID)
}

// --- Questionnaire links ---

const linkColumns = `id, uac, qid, active, case_id, created_at`

// HashUAC is the lookup key stored for an access code.
func HashUAC(uac string) string {
	sum := blake2b.Sum256([]byte(uac))
	return hex.EncodeToString(sum[:])
}

func (t *sqliteTx) CreateLink(l *models.QuestionnaireLink) error {
	if l == nil || l.ID == "" || l.UAC == "" || l.QID == "" {
		return errors.New("link id, uac and qid required")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	caseID, _ := l.Case.CaseID()
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO uac_qid_links (id, uac, uac_hash, qid, active, case_id, created_at)
      VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UAC, HashUAC(l.UAC), l.QID, boolToInt64(l.Active), toNullString(caseID), formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert questionnaire link: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetLinkByQID(qid string) (*models.QuestionnaireLink, error) {
	return scanLink(t.q.QueryRowContext(t.ctx, `SELECT `+linkColumns+` FROM uac_qid_links WHERE qid = ?`, qid))
}

func (t *sqliteTx) GetLinkByUAC(uac string) (*models.QuestionnaireLink, error) {
	return scanLink(t.q.QueryRowContext(t.ctx, `SELECT `+linkColumns+` FROM uac_qid_links WHERE uac_hash = ?`, HashUAC(uac)))
}

// UpdateLink persists the active flag. The schema refuses to reactivate a
// deactivated link.
func (t *sqliteTx) UpdateLink(l *models.QuestionnaireLink) error {
	res, err := t.q.ExecContext(t.ctx, `UPDATE uac_qid_links SET active = ? WHERE id = ?`, boolToInt64(l.Active), l.ID)
	if err != nil {
		return fmt.Errorf("update questionnaire link: %w", err)
	}
	return expectOneRow(res, "questionnaire link", l.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*models.QuestionnaireLink, error) {
	var (
		l       models.QuestionnaireLink
		active  int64
		caseID  sql.NullString
		created string
	)
	err := row.Scan(&l.ID, &l.UAC, &l.QID, &active, &caseID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan questionnaire link: %w", err)
	}
	l.Active = int64ToBool(active)
	if caseID.Valid {
		l.Case = models.AddressedTo(caseID.String)
	}
	l.CreatedAt = parseTime(created)
	return &l, nil
}

// --- Audit log ---

func (t *sqliteTx) AppendAudit(r *models.AuditRecord) error {
	if r == nil || r.ID == "" {
		return errors.New("audit record id required")
	}
	res, err := t.q.ExecContext(t.ctx, `INSERT INTO events (id, event_type, description, payload, transaction_id,
      channel, source, event_date, processed_at, case_id, uac_qid_link_id, anomaly)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Description, toNullString(r.Payload), r.TransactionID,
		toNullString(r.Channel), toNullString(r.Source), formatTime(r.EventDate), formatTime(r.ProcessedAt),
		toNullString(r.CaseID), toNullString(r.LinkID), toNullString(r.Anomaly))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		r.Seq = seq
	}
	return nil
}

// --- helpers ---

func expectOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s %s: expected 1 row updated, got %d", what, id, n)
	}
	return nil
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
