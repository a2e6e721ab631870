package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"envoybot/internal/domain"
	logx "envoybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
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
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascading deletes (instance -> candidates/poll/outbox) rely on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- chats & templates ----

func (s *sqliteStore) UpsertChat(ctx context.Context, c domain.RegisteredChat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, title, deleted, template_id) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, deleted=excluded.deleted, template_id=excluded.template_id`,
		c.ID, c.Title, boolInt(c.Deleted), c.TemplateID,
	)
	return err
}

func (s *sqliteStore) GetChat(ctx context.Context, id int64) (domain.RegisteredChat, error) {
	var c domain.RegisteredChat
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, deleted, template_id FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &deleted, &c.TemplateID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RegisteredChat{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RegisteredChat{}, err
	}
	c.Deleted = deleted != 0
	return c, nil
}

func (s *sqliteStore) UpsertTemplate(ctx context.Context, t domain.SlotTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slot_templates(id, seq, vote_start_at, vote_end_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   seq=excluded.seq, vote_start_at=excluded.vote_start_at, vote_end_at=excluded.vote_end_at`,
		t.ID, t.Seq, int(t.VoteStartAt), int(t.VoteEndAt),
	)
	return err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id int64) (domain.SlotTemplate, error) {
	var t domain.SlotTemplate
	var start, end int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, seq, vote_start_at, vote_end_at FROM slot_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Seq, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SlotTemplate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SlotTemplate{}, err
	}
	t.VoteStartAt = domain.DayTime(start)
	t.VoteEndAt = domain.DayTime(end)
	return t, nil
}

// ---- relations ----

func (s *sqliteStore) AddRelation(ctx context.Context, source, target int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relations(source_chat_id, target_chat_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(source_chat_id, target_chat_id) DO NOTHING`,
		source, target, at.Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) RemoveRelation(ctx context.Context, source, target int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM relations WHERE source_chat_id = ? AND target_chat_id = ?`,
		source, target,
	)
	return err
}

func (s *sqliteStore) HasRelation(ctx context.Context, source, target int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM relations WHERE source_chat_id = ? AND target_chat_id = ?`,
		source, target,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListMutualPairs(ctx context.Context) ([]domain.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.source_chat_id, r.target_chat_id, r.created_at
		   FROM relations r
		   JOIN relations rev
		     ON rev.source_chat_id = r.target_chat_id
		    AND rev.target_chat_id = r.source_chat_id
		  ORDER BY r.source_chat_id, r.target_chat_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Relation
	for rows.Next() {
		var r domain.Relation
		var created string
		if err := rows.Scan(&r.SourceChatID, &r.TargetChatID, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- slot instances ----

func (s *sqliteStore) CreateSlotInstance(ctx context.Context, inst domain.SlotInstance) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slot_instances(date, template_id, source_chat_id, target_chat_id, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		inst.Date, inst.TemplateID, inst.SourceChatID, inst.TargetChatID,
		string(inst.Status), inst.CreatedAt.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) SlotInstanceExists(ctx context.Context, date string, templateID, source, target int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM slot_instances
		  WHERE date = ? AND template_id = ? AND source_chat_id = ? AND target_chat_id = ?`,
		date, templateID, source, target,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) FindSlotInstance(ctx context.Context, date string, templateID, source, target int64) (domain.SlotInstance, error) {
	var inst domain.SlotInstance
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, date, template_id, source_chat_id, target_chat_id, status, created_at
		   FROM slot_instances
		  WHERE date = ? AND template_id = ? AND source_chat_id = ? AND target_chat_id = ?`,
		date, templateID, source, target,
	).Scan(&inst.ID, &inst.Date, &inst.TemplateID, &inst.SourceChatID,
		&inst.TargetChatID, &inst.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SlotInstance{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SlotInstance{}, err
	}
	inst.CreatedAt, _ = time.Parse(timeFormat, created)
	return inst, nil
}

func (s *sqliteStore) SetSlotStatus(ctx context.Context, id int64, st domain.SlotStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE slot_instances SET status = ? WHERE id = ?`, string(st), id,
	)
	return err
}

func (s *sqliteStore) DeleteSlotInstance(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM slot_instances WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListOpenableSlots(ctx context.Context, date string, minute int) ([]OpenableSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT si.id, si.date, si.template_id, si.source_chat_id, si.target_chat_id, si.status, si.created_at,
		        t.id, t.seq, t.vote_start_at, t.vote_end_at
		   FROM slot_instances si
		   JOIN slot_templates t ON t.id = si.template_id
		  WHERE si.status = ?
		    AND si.date = ?
		    AND ? >= t.vote_start_at AND ? < t.vote_end_at
		    AND NOT EXISTS (SELECT 1 FROM polls p WHERE p.slot_instance_id = si.id)
		  ORDER BY si.id`,
		string(domain.SlotCollecting), date, minute, minute,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenableSlot
	for rows.Next() {
		var o OpenableSlot
		var created string
		var start, end int
		if err := rows.Scan(
			&o.Slot.ID, &o.Slot.Date, &o.Slot.TemplateID, &o.Slot.SourceChatID,
			&o.Slot.TargetChatID, &o.Slot.Status, &created,
			&o.Template.ID, &o.Template.Seq, &start, &end,
		); err != nil {
			return nil, err
		}
		o.Slot.CreatedAt, _ = time.Parse(timeFormat, created)
		o.Template.VoteStartAt = domain.DayTime(start)
		o.Template.VoteEndAt = domain.DayTime(end)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- candidates ----

func (s *sqliteStore) AddCandidate(ctx context.Context, c domain.Candidate) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates(slot_instance_id, external_message_id, preview, author_id, submitter_id, created_at)
		 VALUES(?,?,?,?,?,?)`,
		c.SlotInstanceID, c.ExternalMessageID, c.Preview, c.AuthorID, c.SubmitterID,
		c.CreatedAt.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) CountCandidates(ctx context.Context, slotID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candidates WHERE slot_instance_id = ?`, slotID,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListCandidates(ctx context.Context, slotID int64, limit int) ([]domain.Candidate, error) {
	q := `SELECT id, slot_instance_id, external_message_id, preview, author_id, submitter_id, created_at
	        FROM candidates WHERE slot_instance_id = ? ORDER BY created_at, id`
	args := []any{slotID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(r rowScanner) (domain.Candidate, error) {
	var c domain.Candidate
	var created string
	err := r.Scan(&c.ID, &c.SlotInstanceID, &c.ExternalMessageID, &c.Preview,
		&c.AuthorID, &c.SubmitterID, &created)
	if err != nil {
		return domain.Candidate{}, err
	}
	c.CreatedAt, _ = time.Parse(timeFormat, created)
	return c, nil
}

func (s *sqliteStore) WithdrawCandidate(ctx context.Context, slotID int64, externalMessageID int, requesterID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candidates
		  WHERE slot_instance_id = ?
		    AND external_message_id = ?
		    AND (author_id = ? OR submitter_id = ?)
		    AND EXISTS (SELECT 1 FROM slot_instances si
		                 WHERE si.id = candidates.slot_instance_id AND si.status = ?)
		    AND NOT EXISTS (SELECT 1 FROM polls p WHERE p.slot_instance_id = candidates.slot_instance_id)
		    AND NOT EXISTS (SELECT 1 FROM outbox o WHERE o.slot_instance_id = candidates.slot_instance_id)`,
		slotID, externalMessageID, requesterID, requesterID, string(domain.SlotCollecting),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CandidateByExternalID(ctx context.Context, slotID int64, externalMessageID int) (domain.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slot_instance_id, external_message_id, preview, author_id, submitter_id, created_at
		   FROM candidates WHERE slot_instance_id = ? AND external_message_id = ?`,
		slotID, externalMessageID,
	)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Candidate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Candidate{}, err
	}
	return c, nil
}

// ---- polls ----

func (s *sqliteStore) CreatePoll(ctx context.Context, p domain.Poll) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO polls(slot_instance_id, status, external_id, opened_at) VALUES(?,?,?,?)`,
		p.SlotInstanceID, string(p.Status), p.ExternalID, p.OpenedAt.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ClosePoll(ctx context.Context, pollID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE polls SET status = ?, closed_at = ? WHERE id = ?`,
		string(domain.PollClosed), at.Format(timeFormat), pollID,
	)
	return err
}

func (s *sqliteStore) DeletePoll(ctx context.Context, pollID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM polls WHERE id = ?`, pollID)
	return err
}

func (s *sqliteStore) ListExpiredPolls(ctx context.Context, date string, minute int) ([]ExpiredPoll, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.slot_instance_id, p.status, p.external_id, p.opened_at, p.closed_at,
		        si.id, si.date, si.template_id, si.source_chat_id, si.target_chat_id, si.status, si.created_at,
		        t.id, t.seq, t.vote_start_at, t.vote_end_at
		   FROM polls p
		   JOIN slot_instances si ON si.id = p.slot_instance_id
		   JOIN slot_templates t ON t.id = si.template_id
		  WHERE p.status = ?
		    AND (si.date < ? OR (si.date = ? AND ? > t.vote_end_at))
		  ORDER BY p.id`,
		string(domain.PollOpened), date, date, minute,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredPoll
	for rows.Next() {
		var e ExpiredPoll
		var opened string
		var closed sql.NullString
		var slotCreated string
		var start, end int
		if err := rows.Scan(
			&e.Poll.ID, &e.Poll.SlotInstanceID, &e.Poll.Status, &e.Poll.ExternalID, &opened, &closed,
			&e.Slot.ID, &e.Slot.Date, &e.Slot.TemplateID, &e.Slot.SourceChatID,
			&e.Slot.TargetChatID, &e.Slot.Status, &slotCreated,
			&e.Template.ID, &e.Template.Seq, &start, &end,
		); err != nil {
			return nil, err
		}
		e.Poll.OpenedAt, _ = time.Parse(timeFormat, opened)
		if closed.Valid {
			t, _ := time.Parse(timeFormat, closed.String)
			e.Poll.ClosedAt = &t
		}
		e.Slot.CreatedAt, _ = time.Parse(timeFormat, slotCreated)
		e.Template.VoteStartAt = domain.DayTime(start)
		e.Template.VoteEndAt = domain.DayTime(end)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- outbox ----

func (s *sqliteStore) CreateOutboxEntry(ctx context.Context, e domain.OutboxEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox(slot_instance_id, candidate_id, status, attempts, created_at)
		 VALUES(?,?,?,?,?)`,
		e.SlotInstanceID, e.CandidateID, string(e.Status), e.Attempts,
		e.CreatedAt.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListDueOutbox(ctx context.Context, date string, minute int) ([]DueDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.slot_instance_id, o.candidate_id, o.status, o.attempts, o.created_at, o.sent_at,
		        si.id, si.date, si.template_id, si.source_chat_id, si.target_chat_id, si.status, si.created_at,
		        c.id, c.slot_instance_id, c.external_message_id, c.preview, c.author_id, c.submitter_id, c.created_at
		   FROM outbox o
		   JOIN slot_instances si ON si.id = o.slot_instance_id
		   JOIN slot_templates t ON t.id = si.template_id
		   JOIN candidates c ON c.id = o.candidate_id
		  WHERE o.status = ?
		    AND o.sent_at IS NULL
		    AND o.attempts < ?
		    AND (si.date < ? OR (si.date = ? AND ? > t.vote_end_at))
		  ORDER BY o.id`,
		string(domain.OutboxPending), domain.MaxDispatchAttempts, date, date, minute,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueDelivery
	for rows.Next() {
		var d DueDelivery
		var entryCreated string
		var sent sql.NullString
		var slotCreated, candCreated string
		if err := rows.Scan(
			&d.Entry.ID, &d.Entry.SlotInstanceID, &d.Entry.CandidateID, &d.Entry.Status,
			&d.Entry.Attempts, &entryCreated, &sent,
			&d.Slot.ID, &d.Slot.Date, &d.Slot.TemplateID, &d.Slot.SourceChatID,
			&d.Slot.TargetChatID, &d.Slot.Status, &slotCreated,
			&d.Candidate.ID, &d.Candidate.SlotInstanceID, &d.Candidate.ExternalMessageID,
			&d.Candidate.Preview, &d.Candidate.AuthorID, &d.Candidate.SubmitterID, &candCreated,
		); err != nil {
			return nil, err
		}
		d.Entry.CreatedAt, _ = time.Parse(timeFormat, entryCreated)
		if sent.Valid {
			t, _ := time.Parse(timeFormat, sent.String)
			d.Entry.SentAt = &t
		}
		d.Slot.CreatedAt, _ = time.Parse(timeFormat, slotCreated)
		d.Candidate.CreatedAt, _ = time.Parse(timeFormat, candCreated)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordDispatchFailure(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE id = ? AND status = ?`,
		id, string(domain.OutboxPending),
	)
	return err
}

func (s *sqliteStore) RecordDispatchSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, status = ?, sent_at = ?
		  WHERE id = ? AND status = ?`,
		string(domain.OutboxSent), at.Format(timeFormat), id, string(domain.OutboxPending),
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
