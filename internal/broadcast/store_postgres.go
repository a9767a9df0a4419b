package broadcast

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voice-broadcast/pkg/utils"
)

// PostgresStore is the durable Store backed by Postgres via database/sql
// (pgx stdlib driver).
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Schema is applied idempotently at startup. Kept inline: the service owns
// exactly two tables and no migration history yet.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
  call_id         TEXT PRIMARY KEY,
  broadcast_id    TEXT NOT NULL DEFAULT '',
  contact_id      TEXT NOT NULL DEFAULT '',
  contact_name    TEXT NOT NULL DEFAULT '',
  phone_number    TEXT NOT NULL DEFAULT '',
  script          TEXT NOT NULL DEFAULT '',
  status          TEXT NOT NULL DEFAULT 'pending',
  script_played   BOOLEAN NOT NULL DEFAULT FALSE,
  amd_result      TEXT NOT NULL DEFAULT '',
  consent_given   BOOLEAN NOT NULL DEFAULT FALSE,
  gather_attempts INT NOT NULL DEFAULT 0,
  hangup_cause    TEXT NOT NULL DEFAULT '',
  duration        INT NOT NULL DEFAULT 0,
  sms_sent        BOOLEAN NOT NULL DEFAULT FALSE,
  sms_message_id  TEXT NOT NULL DEFAULT '',
  sms_error       TEXT NOT NULL DEFAULT '',
  is_synthetic    BOOLEAN NOT NULL DEFAULT FALSE,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL,
  answered_at     TIMESTAMPTZ,
  end_time        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_call_records_broadcast ON call_records (broadcast_id);
CREATE INDEX IF NOT EXISTS idx_call_records_status ON call_records (status);

CREATE TABLE IF NOT EXISTS broadcast_sessions (
  broadcast_id TEXT PRIMARY KEY,
  total_calls  INT NOT NULL DEFAULT 0,
  status       TEXT NOT NULL DEFAULT 'active',
  start_time   TIMESTAMPTZ NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

const callColumns = `
call_id, broadcast_id, contact_id, contact_name, phone_number, script,
status, script_played, amd_result, consent_given, gather_attempts,
hangup_cause, duration, sms_sent, sms_message_id, sms_error, is_synthetic,
created_at, updated_at, answered_at, end_time
`

func scanCall(row interface{ Scan(...any) error }) (CallRecord, error) {
	var rec CallRecord
	var answeredAt, endTime sql.NullTime
	if err := row.Scan(
		&rec.CallID,
		&rec.BroadcastID,
		&rec.ContactID,
		&rec.ContactName,
		&rec.PhoneNumber,
		&rec.Script,
		&rec.Status,
		&rec.ScriptPlayed,
		&rec.AMDResult,
		&rec.ConsentGiven,
		&rec.GatherAttempts,
		&rec.HangupCause,
		&rec.DurationSeconds,
		&rec.SMSSent,
		&rec.SMSMessageID,
		&rec.SMSError,
		&rec.IsSynthetic,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&answeredAt,
		&endTime,
	); err != nil {
		return CallRecord{}, err
	}
	if answeredAt.Valid {
		rec.AnsweredAt = answeredAt.Time
	}
	if endTime.Valid {
		rec.EndTime = endTime.Time
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresStore) StoreCall(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	const q = `
INSERT INTO call_records (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (call_id) DO UPDATE SET
  broadcast_id = EXCLUDED.broadcast_id,
  contact_id = EXCLUDED.contact_id,
  contact_name = EXCLUDED.contact_name,
  phone_number = EXCLUDED.phone_number,
  script = EXCLUDED.script,
  status = EXCLUDED.status,
  script_played = EXCLUDED.script_played,
  amd_result = EXCLUDED.amd_result,
  consent_given = EXCLUDED.consent_given,
  gather_attempts = EXCLUDED.gather_attempts,
  hangup_cause = EXCLUDED.hangup_cause,
  duration = EXCLUDED.duration,
  sms_sent = EXCLUDED.sms_sent,
  sms_message_id = EXCLUDED.sms_message_id,
  sms_error = EXCLUDED.sms_error,
  is_synthetic = EXCLUDED.is_synthetic,
  updated_at = EXCLUDED.updated_at,
  answered_at = EXCLUDED.answered_at,
  end_time = EXCLUDED.end_time
`
	_, err := s.db.ExecContext(ctx, q,
		rec.CallID,
		rec.BroadcastID,
		rec.ContactID,
		rec.ContactName,
		rec.PhoneNumber,
		rec.Script,
		rec.Status,
		rec.ScriptPlayed,
		rec.AMDResult,
		rec.ConsentGiven,
		rec.GatherAttempts,
		rec.HangupCause,
		rec.DurationSeconds,
		rec.SMSSent,
		rec.SMSMessageID,
		rec.SMSError,
		rec.IsSynthetic,
		rec.CreatedAt,
		rec.UpdatedAt,
		nullTime(rec.AnsweredAt),
		nullTime(rec.EndTime),
	)
	return err
}

func (s *PostgresStore) UpdateCall(ctx context.Context, callID string, update CallUpdate) (CallRecord, error) {
	if callID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	now := s.clock().UTC()

	var out CallRecord
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `SELECT ` + callColumns + ` FROM call_records WHERE call_id = $1 FOR UPDATE`
		rec, err := scanCall(tx.QueryRowContext(ctx, sel, callID))
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// Create-if-absent: an event can outrun the initial write.
			rec = CallRecord{CallID: callID, Status: CallStatusPending, CreatedAt: now}
		}
		update.apply(&rec, now)

		if err := upsertCallTx(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}
	return out, nil
}

func upsertCallTx(ctx context.Context, tx *sql.Tx, rec CallRecord) error {
	const q = `
INSERT INTO call_records (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (call_id) DO UPDATE SET
  status = EXCLUDED.status,
  script_played = EXCLUDED.script_played,
  amd_result = EXCLUDED.amd_result,
  consent_given = EXCLUDED.consent_given,
  gather_attempts = EXCLUDED.gather_attempts,
  hangup_cause = EXCLUDED.hangup_cause,
  duration = EXCLUDED.duration,
  sms_sent = EXCLUDED.sms_sent,
  sms_message_id = EXCLUDED.sms_message_id,
  sms_error = EXCLUDED.sms_error,
  updated_at = EXCLUDED.updated_at,
  answered_at = EXCLUDED.answered_at,
  end_time = EXCLUDED.end_time
`
	_, err := tx.ExecContext(ctx, q,
		rec.CallID,
		rec.BroadcastID,
		rec.ContactID,
		rec.ContactName,
		rec.PhoneNumber,
		rec.Script,
		rec.Status,
		rec.ScriptPlayed,
		rec.AMDResult,
		rec.ConsentGiven,
		rec.GatherAttempts,
		rec.HangupCause,
		rec.DurationSeconds,
		rec.SMSSent,
		rec.SMSMessageID,
		rec.SMSError,
		rec.IsSynthetic,
		rec.CreatedAt,
		rec.UpdatedAt,
		nullTime(rec.AnsweredAt),
		nullTime(rec.EndTime),
	)
	return err
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM call_records WHERE call_id = $1`
	rec, err := scanCall(s.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) StoreBroadcastSession(ctx context.Context, sess BroadcastSession) error {
	if sess.BroadcastID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO broadcast_sessions (broadcast_id, total_calls, status, start_time, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (broadcast_id) DO UPDATE SET
  total_calls = EXCLUDED.total_calls,
  status = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q,
		sess.BroadcastID,
		sess.TotalCalls,
		sess.Status,
		sess.StartTime,
		s.clock().UTC(),
	)
	return err
}

func (s *PostgresStore) UpdateBroadcastSession(ctx context.Context, broadcastID string, status BroadcastStatus) error {
	const q = `UPDATE broadcast_sessions SET status = $2, updated_at = $3 WHERE broadcast_id = $1`
	res, err := s.db.ExecContext(ctx, q, broadcastID, status, s.clock().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetBroadcastSession(ctx context.Context, broadcastID string) (BroadcastSession, error) {
	const q = `
SELECT broadcast_id, total_calls, status, start_time, updated_at
FROM broadcast_sessions
WHERE broadcast_id = $1
`
	var sess BroadcastSession
	if err := s.db.QueryRowContext(ctx, q, broadcastID).Scan(
		&sess.BroadcastID,
		&sess.TotalCalls,
		&sess.Status,
		&sess.StartTime,
		&sess.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BroadcastSession{}, ErrNotFound
		}
		return BroadcastSession{}, err
	}
	return sess, nil
}

func (s *PostgresStore) ActiveBroadcasts(ctx context.Context) ([]BroadcastSession, error) {
	const q = `
SELECT broadcast_id, total_calls, status, start_time, updated_at
FROM broadcast_sessions
WHERE status = $1
ORDER BY start_time
`
	rows, err := s.db.QueryContext(ctx, q, BroadcastStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastSession
	for rows.Next() {
		var sess BroadcastSession
		if err := rows.Scan(&sess.BroadcastID, &sess.TotalCalls, &sess.Status, &sess.StartTime, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CallCounts(ctx context.Context, broadcastID string) (map[CallStatus]int, error) {
	const q = `
SELECT status, COUNT(*)
FROM call_records
WHERE ($1 = '' OR broadcast_id = $1)
GROUP BY status
`
	rows, err := s.db.QueryContext(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[CallStatus]int)
	for rows.Next() {
		var status CallStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ActiveCalls(ctx context.Context) ([]CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM call_records WHERE status IN ($1, $2) ORDER BY created_at`
	return s.queryCalls(ctx, q, CallStatusPending, CallStatusRinging)
}

func (s *PostgresStore) BroadcastCalls(ctx context.Context, broadcastID string) ([]CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM call_records WHERE broadcast_id = $1 ORDER BY created_at`
	return s.queryCalls(ctx, q, broadcastID)
}

func (s *PostgresStore) queryCalls(ctx context.Context, q string, args ...any) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelBroadcastCalls(ctx context.Context, broadcastID string) (int, error) {
	const q = `
UPDATE call_records
SET status = $2, updated_at = $3
WHERE broadcast_id = $1
  AND status NOT IN ('completed', 'no_answer', 'busy', 'canceled', 'rejected', 'failed')
`
	res, err := s.db.ExecContext(ctx, q, broadcastID, CallStatusCanceled, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
