package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInvalidTable is returned for any message table name that could not have
// been produced by channel provisioning.
var ErrInvalidTable = errors.New("invalid message table name")

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

func quoteTable(name string) (string, error) {
	if !ValidTableName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func provisionMessageTable(ctx context.Context, db execer, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}
	index := pgx.Identifier{table + "_session_idx"}.Sanitize()
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				session_id TEXT NOT NULL,
				direction TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
				sender TEXT NOT NULL DEFAULT 'customer',
				body TEXT NOT NULL DEFAULT '',
				media_kind TEXT,
				media_mime TEXT,
				media_base64 TEXT,
				media_url TEXT,
				contact_name TEXT NOT NULL DEFAULT '',
				external_id TEXT UNIQUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (session_id, created_at)`, index, quoted),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS switchboard_notify ON %s`, quoted),
		fmt.Sprintf(`CREATE TRIGGER switchboard_notify AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION switchboard_notify_change()`, quoted),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provision table %s: %w", table, err)
		}
	}
	return nil
}

// ProvisionChannelTable creates the message table for a statically
// configured channel. It is idempotent.
func (s *PostgresStore) ProvisionChannelTable(ctx context.Context, table string) error {
	return provisionMessageTable(ctx, s.db, table)
}

const messageColumns = `id, session_id, direction, sender, body, COALESCE(media_kind, ''), COALESCE(media_mime, ''),
	COALESCE(media_url, ''), COALESCE(media_base64, '') <> '', contact_name, COALESCE(external_id, ''), created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Direction, &m.Sender, &m.Body, &m.MediaKind, &m.MediaMIME,
		&m.MediaURL, &m.HasInlineMedia, &m.ContactName, &m.ExternalID, &m.CreatedAt)
	return m, err
}

// InsertMessage stores a message. A repeated external id is not an error:
// the existing row is returned with inserted=false.
func (s *PostgresStore) InsertMessage(ctx context.Context, table string, m Message) (Message, bool, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return Message{}, false, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, direction, sender, body, media_kind, media_mime, media_base64, media_url, contact_name, external_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''), COALESCE($11, NOW()))
		ON CONFLICT (external_id) DO NOTHING
		RETURNING `+messageColumns, quoted)

	var createdAt any
	if !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt
	}
	stored, err := scanMessage(s.db.QueryRowContext(ctx, query,
		m.SessionID, m.Direction, m.Sender, m.Body, m.MediaKind, m.MediaMIME, m.MediaBase64, m.MediaURL, m.ContactName, m.ExternalID, createdAt))
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := scanMessage(s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT `+messageColumns+` FROM %s WHERE external_id = $1`, quoted), m.ExternalID))
		if lookupErr != nil {
			return Message{}, false, fmt.Errorf("lookup duplicate message: %w", lookupErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return stored, true, nil
}

// ListMessages returns the newest messages matching the filter in
// chronological order.
func (s *PostgresStore) ListMessages(ctx context.Context, table string, filter MessageFilter) ([]Message, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	var where []string
	var args []any
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT `+messageColumns+` FROM %s`, quoted)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ListMessagesAfter returns rows with an id greater than afterID in id order.
func (s *PostgresStore) ListMessagesAfter(ctx context.Context, table string, afterID int64, limit int) ([]Message, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+messageColumns+` FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, quoted), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages after %d: %w", afterID, err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) LatestMessageID(ctx context.Context, table string) (int64, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, quoted)).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return id, nil
}

// ListBase64Candidates returns rows after afterID that have no media URL yet
// and either an inline payload or a body made only of base64 characters.
func (s *PostgresStore) ListBase64Candidates(ctx context.Context, table string, afterID int64, limit int) ([]MediaCandidate, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, body, COALESCE(media_base64, ''), COALESCE(media_mime, ''), COALESCE(media_kind, '')
		FROM %s
		WHERE id > $1
			AND COALESCE(media_url, '') = ''
			AND (
				COALESCE(media_base64, '') <> ''
				OR (length(body) >= 64 AND body ~ '^(data:[^,]*;base64,)?[A-Za-z0-9+/=_\s-]+$')
			)
		ORDER BY id
		LIMIT $2`, quoted)

	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list base64 candidates: %w", err)
	}
	defer rows.Close()

	items := make([]MediaCandidate, 0)
	for rows.Next() {
		var c MediaCandidate
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Body, &c.MediaBase64, &c.MediaMIME, &c.MediaKind); err != nil {
			return nil, fmt.Errorf("scan base64 candidate: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ReplaceInlineMedia points a row at its uploaded object and drops the inline
// payload. It returns sql.ErrNoRows when the row is gone or already migrated.
func (s *PostgresStore) ReplaceInlineMedia(ctx context.Context, table string, id int64, update MediaUpdate) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET media_url = $2,
			media_mime = $3,
			media_kind = $4,
			media_base64 = NULL,
			body = CASE WHEN $5 THEN '' ELSE body END
		WHERE id = $1 AND COALESCE(media_url, '') = ''`, quoted),
		id, update.URL, update.MIME, update.Kind, update.ClearBody)
	if err != nil {
		return fmt.Errorf("replace inline media %d: %w", id, err)
	}
	return expectAffected(result)
}

// SearchMessages runs a case-insensitive substring search across tables.
func (s *PostgresStore) SearchMessages(ctx context.Context, tables []string, text string, limit int) ([]MessageHit, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(tables) == 0 {
		return []MessageHit{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	parts := make([]string, 0, len(tables))
	for _, table := range tables {
		quoted, err := quoteTable(table)
		if err != nil {
			return nil, err
		}
		parts = append(parts, fmt.Sprintf(`
			SELECT '%s'::text AS table_name, `+messageColumns+`
			FROM %s
			WHERE body ILIKE $1 OR contact_name ILIKE $1`, table, quoted))
	}
	query := strings.Join(parts, " UNION ALL ") + fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	pattern := "%" + escapeLike(text) + "%"
	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	hits := make([]MessageHit, 0)
	for rows.Next() {
		var hit MessageHit
		m := &hit.Message
		if err := rows.Scan(&hit.Table, &m.ID, &m.SessionID, &m.Direction, &m.Sender, &m.Body, &m.MediaKind, &m.MediaMIME,
			&m.MediaURL, &m.HasInlineMedia, &m.ContactName, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
