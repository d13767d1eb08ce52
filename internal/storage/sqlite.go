package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/delivery"
	"relaybot/internal/rules"
	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and schema on first
// use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- rules ----

const ruleColumns = `id, bot_id, source_chat_id, dest_chat_id, mode, status,
	current_item_id, start_item_id, end_item_id, queue, batch_size,
	interval_value, interval_unit, copy_mode, strip_links, watermark,
	include_keywords, exclude_keywords, shuffle, repeat_when_done,
	announce_text, cooldown_seconds, delete_enabled, delete_value, delete_unit,
	delivered_count, last_delivered_at, next_run_at, locked_until,
	is_active, error_message`

func (s *sqliteStore) ClaimDueRules(ctx context.Context, now time.Time, limit int, lockFor time.Duration) ([]*rules.Rule, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMS := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM rules
		 WHERE status = ? AND is_active = 1
		   AND next_run_at IS NOT NULL AND next_run_at <= ?
		   AND (locked_until IS NULL OR locked_until <= ?)
		 ORDER BY next_run_at LIMIT ?`,
		string(rules.StatusRunning), nowMS, nowMS, limit)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	lockMS := now.Add(lockFor).UnixMilli()
	var claimed []*rules.Rule
	for _, id := range ids {
		// The claim is a conditional update: a rule already relocked by a
		// concurrent scheduler instance is skipped, never double-processed.
		res, err := tx.ExecContext(ctx,
			`UPDATE rules SET locked_until = ?
			 WHERE id = ? AND status = ? AND is_active = 1
			   AND (locked_until IS NULL OR locked_until <= ?)`,
			lockMS, id, string(rules.StatusRunning), nowMS)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r, err := scanRule(tx.QueryRowContext(ctx,
			`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqliteStore) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) SaveRule(ctx context.Context, r *rules.Rule) error {
	queue, err := jsonOrNil(r.Queue)
	if err != nil {
		return err
	}
	include, err := jsonOrNil(r.IncludeKeywords)
	if err != nil {
		return err
	}
	exclude, err := jsonOrNil(r.ExcludeKeywords)
	if err != nil {
		return err
	}

	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO rules (bot_id, source_chat_id, dest_chat_id, mode, status,
				current_item_id, start_item_id, end_item_id, queue, batch_size,
				interval_value, interval_unit, copy_mode, strip_links, watermark,
				include_keywords, exclude_keywords, shuffle, repeat_when_done,
				announce_text, cooldown_seconds, delete_enabled, delete_value, delete_unit,
				delivered_count, last_delivered_at, next_run_at, locked_until,
				is_active, error_message)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.BotID, r.SourceChatID, r.DestChatID, string(r.Mode), string(r.Status),
			r.CurrentItemID, r.StartItemID, r.EndItemID, queue, r.BatchSize,
			r.IntervalValue, string(r.IntervalUnit), r.CopyMode, r.StripLinks, nullStr(r.Watermark),
			include, exclude, r.Shuffle, r.RepeatWhenDone,
			nullStr(r.AnnounceText), r.CooldownSeconds, r.Deletion.Enabled, r.Deletion.Value, string(r.Deletion.Unit),
			r.DeliveredCount, msOrNil(r.LastDeliveredAt), msOrNil(r.NextRunAt), msOrNil(r.LockedUntil),
			r.IsActive, nullStr(r.ErrorMessage))
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE rules SET bot_id=?, source_chat_id=?, dest_chat_id=?, mode=?, status=?,
			current_item_id=?, start_item_id=?, end_item_id=?, queue=?, batch_size=?,
			interval_value=?, interval_unit=?, copy_mode=?, strip_links=?, watermark=?,
			include_keywords=?, exclude_keywords=?, shuffle=?, repeat_when_done=?,
			announce_text=?, cooldown_seconds=?, delete_enabled=?, delete_value=?, delete_unit=?,
			delivered_count=?, last_delivered_at=?, next_run_at=?, locked_until=?,
			is_active=?, error_message=?
		 WHERE id=?`,
		r.BotID, r.SourceChatID, r.DestChatID, string(r.Mode), string(r.Status),
		r.CurrentItemID, r.StartItemID, r.EndItemID, queue, r.BatchSize,
		r.IntervalValue, string(r.IntervalUnit), r.CopyMode, r.StripLinks, nullStr(r.Watermark),
		include, exclude, r.Shuffle, r.RepeatWhenDone,
		nullStr(r.AnnounceText), r.CooldownSeconds, r.Deletion.Enabled, r.Deletion.Value, string(r.Deletion.Unit),
		r.DeliveredCount, msOrNil(r.LastDeliveredAt), msOrNil(r.NextRunAt), msOrNil(r.LockedUntil),
		r.IsActive, nullStr(r.ErrorMessage), r.ID)
	return err
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*rules.Rule, error) {
	var (
		r                               rules.Rule
		mode, status, unit, deleteUnit  string
		queue, include, exclude         sql.NullString
		watermark, announce, errMsg     sql.NullString
		lastDelivered, nextRun, lockedU sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.BotID, &r.SourceChatID, &r.DestChatID, &mode, &status,
		&r.CurrentItemID, &r.StartItemID, &r.EndItemID, &queue, &r.BatchSize,
		&r.IntervalValue, &unit, &r.CopyMode, &r.StripLinks, &watermark,
		&include, &exclude, &r.Shuffle, &r.RepeatWhenDone,
		&announce, &r.CooldownSeconds, &r.Deletion.Enabled, &r.Deletion.Value, &deleteUnit,
		&r.DeliveredCount, &lastDelivered, &nextRun, &lockedU,
		&r.IsActive, &errMsg)
	if err != nil {
		return nil, err
	}
	r.Mode = rules.ScheduleMode(mode)
	r.Status = rules.Status(status)
	r.IntervalUnit = rules.IntervalUnit(unit)
	r.Deletion.Unit = rules.IntervalUnit(deleteUnit)
	r.Watermark = watermark.String
	r.AnnounceText = announce.String
	r.ErrorMessage = errMsg.String
	r.LastDeliveredAt = timeFromMS(lastDelivered)
	r.NextRunAt = timeFromMS(nextRun)
	r.LockedUntil = timeFromMS(lockedU)
	if err := unmarshalInto(queue, &r.Queue); err != nil {
		return nil, err
	}
	if err := unmarshalInto(include, &r.IncludeKeywords); err != nil {
		return nil, err
	}
	if err := unmarshalInto(exclude, &r.ExcludeKeywords); err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- broadcast jobs ----

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	var (
		j                 Job
		status, kind      string
		text, fileID      sql.NullString
		buttons           sql.NullString
		recipients        string
		created, finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, status, content_kind, content_text, content_file_id,
			buttons, no_preview, source_chat_id, source_item_id, recipients,
			sent, failed, blocked, created_at, finished_at
		 FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.BotID, &status, &kind, &text, &fileID,
			&buttons, &j.Content.NoPreview, &j.SourceChatID, &j.SourceItemID, &recipients,
			&j.Sent, &j.Failed, &j.Blocked, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Content.Kind = delivery.ContentKind(kind)
	j.Content.Text = text.String
	j.Content.FileID = fileID.String
	j.CreatedAt = timeFromMS(created)
	j.FinishedAt = timeFromMS(finished)
	if err := json.Unmarshal([]byte(recipients), &j.Recipients); err != nil {
		return nil, err
	}
	if err := unmarshalInto(buttons, &j.Content.Buttons); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqliteStore) SaveJob(ctx context.Context, j *Job) error {
	recipients, err := json.Marshal(j.Recipients)
	if err != nil {
		return err
	}
	buttons, err := jsonOrNil(j.Content.Buttons)
	if err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	if j.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (bot_id, status, content_kind, content_text, content_file_id,
				buttons, no_preview, source_chat_id, source_item_id, recipients,
				sent, failed, blocked, created_at, finished_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.BotID, string(j.Status), string(j.Content.Kind), nullStr(j.Content.Text), nullStr(j.Content.FileID),
			buttons, j.Content.NoPreview, j.SourceChatID, j.SourceItemID, string(recipients),
			j.Sent, j.Failed, j.Blocked, j.CreatedAt.UnixMilli(), msOrNil(j.FinishedAt))
		if err != nil {
			return err
		}
		j.ID, err = res.LastInsertId()
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET bot_id=?, status=?, content_kind=?, content_text=?, content_file_id=?,
			buttons=?, no_preview=?, source_chat_id=?, source_item_id=?, recipients=?,
			sent=?, failed=?, blocked=?, created_at=?, finished_at=?
		 WHERE id=?`,
		j.BotID, string(j.Status), string(j.Content.Kind), nullStr(j.Content.Text), nullStr(j.Content.FileID),
		buttons, j.Content.NoPreview, j.SourceChatID, j.SourceItemID, string(recipients),
		j.Sent, j.Failed, j.Blocked, j.CreatedAt.UnixMilli(), msOrNil(j.FinishedAt), j.ID)
	return err
}

func (s *sqliteStore) UpdateJobProgress(ctx context.Context, id int64, sent, failed, blocked int, status JobStatus) error {
	var finished any
	if status.Terminal() {
		finished = time.Now().UnixMilli()
	}
	// Terminal jobs are immutable: the guard keeps a late flush from
	// resurrecting a cancelled job.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET sent=?, failed=?, blocked=?, status=?,
			finished_at = COALESCE(finished_at, ?)
		 WHERE id=? AND status NOT IN ('completed','failed','cancelled')`,
		sent, failed, blocked, string(status), finished, id)
	return err
}

func (s *sqliteStore) AppendJobError(ctx context.Context, jobID, recipientID int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_errors (job_id, recipient_id, error, at) VALUES (?,?,?,?)
		 ON CONFLICT(job_id, recipient_id) DO UPDATE SET error=excluded.error, at=excluded.at`,
		jobID, recipientID, msg, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) JobErrors(ctx context.Context, jobID int64, limit int) ([]JobError, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, error, at FROM job_errors
		 WHERE job_id = ? ORDER BY at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobError
	for rows.Next() {
		var (
			e  JobError
			at int64
		)
		if err := rows.Scan(&e.RecipientID, &e.Message, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- recipients ----

func (s *sqliteStore) DeactivateRecipient(ctx context.Context, recipientID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (id, is_active, blocked_at) VALUES (?, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET is_active=0, blocked_at=excluded.blocked_at`,
		recipientID, at.UnixMilli())
	return err
}

// ---- memberships ----

func (s *sqliteStore) ExpiredMemberships(ctx context.Context, now time.Time, limit int) ([]*Membership, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, recipient_id, destination_id, expires_at,
			is_active, kicked_at, fail_count, last_error
		 FROM memberships
		 WHERE expires_at <= ? AND is_active = 1 AND kicked_at IS NULL
		 ORDER BY expires_at LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var (
			m         Membership
			expires   int64
			kicked    sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.BotID, &m.RecipientID, &m.DestinationID, &expires,
			&m.IsActive, &kicked, &m.FailCount, &lastError); err != nil {
			return nil, err
		}
		m.ExpiresAt = time.UnixMilli(expires)
		m.KickedAt = timeFromMS(kicked)
		m.LastError = lastError.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveMembership(ctx context.Context, m *Membership) error {
	if m.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO memberships (bot_id, recipient_id, destination_id, expires_at,
				is_active, kicked_at, fail_count, last_error)
			 VALUES (?,?,?,?,?,?,?,?)`,
			m.BotID, m.RecipientID, m.DestinationID, m.ExpiresAt.UnixMilli(),
			m.IsActive, msOrNil(m.KickedAt), m.FailCount, nullStr(m.LastError))
		if err != nil {
			return err
		}
		m.ID, err = res.LastInsertId()
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET bot_id=?, recipient_id=?, destination_id=?, expires_at=?,
			is_active=?, kicked_at=?, fail_count=?, last_error=?
		 WHERE id=?`,
		m.BotID, m.RecipientID, m.DestinationID, m.ExpiresAt.UnixMilli(),
		m.IsActive, msOrNil(m.KickedAt), m.FailCount, nullStr(m.LastError), m.ID)
	return err
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func jsonOrNil(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" || s == "[]" {
		return nil, nil
	}
	return s, nil
}

func unmarshalInto(v sql.NullString, dst any) error {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}
