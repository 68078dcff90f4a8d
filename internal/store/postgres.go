package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSlotTaken   = errors.New("exam slot already taken")
	ErrEmailExists = errors.New("email already registered")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const agentColumns = `id, display_name, email, password_hash, role, deactivated_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var agent Agent
	var deactivated sql.NullTime
	if err := row.Scan(&agent.ID, &agent.DisplayName, &agent.Email, &agent.PasswordHash, &agent.Role, &deactivated, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return Agent{}, err
	}
	if deactivated.Valid {
		agent.DeactivatedAt = &deactivated.Time
	}
	return agent, nil
}

func (s *PostgresStore) GetAgentByID(ctx context.Context, id string) (Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
}

func (s *PostgresStore) GetAgentByEmail(ctx context.Context, email string) (Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	items := make([]Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		items = append(items, agent)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, agent.ID, agent.DisplayName, strings.TrimSpace(agent.Email), agent.PasswordHash, agent.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgentPassword(ctx context.Context, agentID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET password_hash=$2, updated_at=NOW() WHERE id=$1`, agentID, passwordHash)
	if err != nil {
		return fmt.Errorf("update agent password: %w", err)
	}
	return expectAffected(result)
}

// UpdateAgentAccess changes an agent's role and activation. Deactivating
// also revokes the agent's refresh sessions.
func (s *PostgresStore) UpdateAgentAccess(ctx context.Context, agentID, role string, active bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET role=$2,
			deactivated_at=CASE WHEN $3 THEN NULL ELSE COALESCE(deactivated_at, NOW()) END,
			updated_at=NOW()
		WHERE id=$1
	`, agentID, role, active)
	if err != nil {
		return fmt.Errorf("update agent access: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}
	if !active {
		if _, err := tx.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE agent_id=$1 AND revoked_at IS NULL`, agentID); err != nil {
			return fmt.Errorf("revoke agent sessions: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, agentID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, agent_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET agent_id=EXCLUDED.agent_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, agentID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.display_name, a.email, a.password_hash, a.role, a.deactivated_at, a.created_at, a.updated_at
		FROM refresh_sessions rs
		JOIN agents a ON a.id = rs.agent_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND a.deactivated_at IS NULL
	`, tokenHash)
	return scanAgent(row)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, agentID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, agent_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, agentID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&agentID)
	if err != nil {
		return "", err
	}
	return agentID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

const channelColumns = `id, name, slug, kind, instance, table_name, active, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Slug, &ch.Kind, &ch.Instance, &ch.Table, &ch.Active, &ch.CreatedAt, &ch.UpdatedAt)
	return ch, err
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, ch)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id=$1`, id))
}

// InsertChannel records the channel and provisions its message table in one
// transaction.
func (s *PostgresStore) InsertChannel(ctx context.Context, ch Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin channel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, name, slug, kind, instance, table_name, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ch.ID, ch.Name, ch.Slug, ch.Kind, ch.Instance, ch.Table, ch.Active); err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	if err := provisionMessageTable(ctx, tx, ch.Table); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit channel tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, ch Channel) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET name=$2, kind=$3, instance=$4, active=$5, updated_at=NOW()
		WHERE id=$1
	`, ch.ID, ch.Name, ch.Kind, ch.Instance, ch.Active)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return expectAffected(result)
}

func (s *PostgresStore) GetContact(ctx context.Context, phone string) (Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, display_name, updated_by, updated_at FROM contacts WHERE phone=$1
	`, phone).Scan(&c.Phone, &c.DisplayName, &c.UpdatedBy, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) ListContacts(ctx context.Context, phones []string) ([]Contact, error) {
	if len(phones) == 0 {
		return []Contact{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT phone, display_name, updated_by, updated_at FROM contacts WHERE phone = ANY($1)
	`, phones)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	items := make([]Contact, 0, len(phones))
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Phone, &c.DisplayName, &c.UpdatedBy, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (phone, display_name, updated_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET display_name=EXCLUDED.display_name, updated_by=EXCLUDED.updated_by, updated_at=NOW()
	`, c.Phone, c.DisplayName, c.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

const appointmentColumns = `id, channel_id, session_id, phone, patient_name, exam_type, scheduled_at, duration_minutes, status, notes, created_by, created_at, updated_at`

func scanAppointment(row interface{ Scan(...any) error }) (ExamAppointment, error) {
	var a ExamAppointment
	var minutes int
	if err := row.Scan(&a.ID, &a.ChannelID, &a.SessionID, &a.Phone, &a.PatientName, &a.ExamType, &a.ScheduledAt, &minutes, &a.Status, &a.Notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return ExamAppointment{}, err
	}
	a.Duration = time.Duration(minutes) * time.Minute
	return a, nil
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id string) (ExamAppointment, error) {
	return scanAppointment(s.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM exam_appointments WHERE id=$1`, id))
}

func (s *PostgresStore) ListAppointments(ctx context.Context, channelID string, from, to time.Time) ([]ExamAppointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM exam_appointments WHERE scheduled_at >= $1 AND scheduled_at < $2`
	args := []any{from, to}
	if channelID != "" {
		query += ` AND channel_id = $3`
		args = append(args, channelID)
	}
	query += ` ORDER BY scheduled_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	items := make([]ExamAppointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// lockChannelSlots serialises slot checks for one channel until the
// surrounding transaction ends.
func lockChannelSlots(ctx context.Context, tx *sql.Tx, channelID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "exam:"+channelID); err != nil {
		return fmt.Errorf("lock exam slots: %w", err)
	}
	return nil
}

func slotTaken(ctx context.Context, tx *sql.Tx, a ExamAppointment) (bool, error) {
	var taken bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM exam_appointments
			WHERE channel_id = $1
				AND id <> $2
				AND status <> 'cancelled'
				AND scheduled_at < $4
				AND scheduled_at + make_interval(mins => duration_minutes) > $3
		)
	`, a.ChannelID, a.ID, a.ScheduledAt, a.EndsAt()).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check exam slot: %w", err)
	}
	return taken, nil
}

// ScheduleAppointment inserts the appointment unless it overlaps a live
// appointment on the same channel.
func (s *PostgresStore) ScheduleAppointment(ctx context.Context, a ExamAppointment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin appointment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockChannelSlots(ctx, tx, a.ChannelID); err != nil {
		return err
	}
	taken, err := slotTaken(ctx, tx, a)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotTaken
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exam_appointments (id, channel_id, session_id, phone, patient_name, exam_type, scheduled_at, duration_minutes, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.ChannelID, a.SessionID, a.Phone, a.PatientName, a.ExamType, a.ScheduledAt, int(a.Duration/time.Minute), a.Status, a.Notes, a.CreatedBy); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit appointment tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) RescheduleAppointment(ctx context.Context, a ExamAppointment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reschedule tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockChannelSlots(ctx, tx, a.ChannelID); err != nil {
		return err
	}
	taken, err := slotTaken(ctx, tx, a)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotTaken
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE exam_appointments SET scheduled_at=$2, duration_minutes=$3, updated_at=NOW()
		WHERE id=$1
	`, a.ID, a.ScheduledAt, int(a.Duration/time.Minute))
	if err != nil {
		return fmt.Errorf("reschedule appointment: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reschedule tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id, status, notes string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE exam_appointments
		SET status=$2, notes=CASE WHEN $3 = '' THEN notes ELSE $3 END, updated_at=NOW()
		WHERE id=$1
	`, id, status, notes)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	return expectAffected(result)
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity, entity_id, details)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, entry.Actor, entry.Action, entry.Entity, entry.EntityID, string(details))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, entity string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, actor, action, entity, entity_id, details, created_at FROM audit_log`
	args := []any{}
	if entity != "" {
		query += ` WHERE entity = $1`
		args = append(args, entity)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Entity, &entry.EntityID, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Details = json.RawMessage(details)
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertMediaRun(ctx context.Context, run MediaMigrationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_migration_runs (id, actor, dry_run, scanned, migrated, skipped, failed, bytes, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Actor, run.DryRun, run.Scanned, run.Migrated, run.Skipped, run.Failed, run.Bytes, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert media run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMediaRuns(ctx context.Context, limit int) ([]MediaMigrationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, dry_run, scanned, migrated, skipped, failed, bytes, started_at, finished_at
		FROM media_migration_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list media runs: %w", err)
	}
	defer rows.Close()

	items := make([]MediaMigrationRun, 0)
	for rows.Next() {
		var run MediaMigrationRun
		if err := rows.Scan(&run.ID, &run.Actor, &run.DryRun, &run.Scanned, &run.Migrated, &run.Skipped, &run.Failed, &run.Bytes, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan media run: %w", err)
		}
		items = append(items, run)
	}
	return items, rows.Err()
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
