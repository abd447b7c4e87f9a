package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	// Register the Postgres and SQLite drivers.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
	logx "github.com/relay-agent/server/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type dialect struct {
	name     string
	idColumn string
	// lock is appended to the profile read inside MergeProfile.
	lock string
}

var dialects = map[string]dialect{
	DriverPostgres: {name: DriverPostgres, idColumn: "BIGSERIAL PRIMARY KEY", lock: " FOR UPDATE"},
	DriverSQLite:   {name: DriverSQLite, idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"},
}

// rebind turns ? placeholders into $n for Postgres.
func (d dialect) rebind(q string) string {
	if d.name != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id ` + d.idColumn + `,
			intent TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id BIGINT PRIMARY KEY,
			info TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS distillations (
			id ` + d.idColumn + `,
			query TEXT NOT NULL,
			intent TEXT NOT NULL,
			expensive_answer TEXT NOT NULL,
			local_failure_reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
}

// SQLStore persists to Postgres or SQLite. Timestamps are unix millis.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// OpenSQL opens the database and creates the tables when missing.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// a single connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY on concurrent writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	s, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open handle and migrates it.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &SQLStore{db: db, d: d, now: time.Now}, nil
}

// WithClock replaces the timestamp source.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) Close() error { return s.db.Close() }

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

func (s *SQLStore) FindSimilarAnswer(ctx context.Context, text string) (*model.ChatRecord, bool, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, false, nil
	}
	q := s.d.rebind(`SELECT id, intent, role, content, created_at FROM chat_messages
		WHERE role = ? AND LOWER(content) LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT 1`)

	var (
		rec model.ChatRecord
		ms  int64
	)
	err := s.db.QueryRowContext(ctx, q, model.RoleAssistant, "%"+escapeLike(needle)+"%").
		Scan(&rec.ID, &rec.Intent, &rec.Role, &rec.Content, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		logx.Error().Err(err).Msg("failed to search chat messages")
		return nil, false, errx.WrapStore(err)
	}
	rec.CreatedAt = time.UnixMilli(ms).UTC()
	return &rec, true, nil
}

func (s *SQLStore) AppendChatMessage(ctx context.Context, intent, role, content string) error {
	q := s.d.rebind(`INSERT INTO chat_messages (intent, role, content, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, intent, role, content, s.now().UnixMilli()); err != nil {
		logx.Error().Err(err).Msg("failed to insert chat message")
		return errx.WrapStore(err)
	}
	return nil
}

func (s *SQLStore) GetRecentMessages(ctx context.Context, limit int) ([]model.ChatRecord, error) {
	if limit <= 0 {
		return []model.ChatRecord{}, nil
	}
	q := s.d.rebind(`SELECT id, intent, role, content, created_at FROM chat_messages ORDER BY id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		logx.Error().Err(err).Msg("failed to load recent messages")
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()

	out := make([]model.ChatRecord, 0, limit)
	for rows.Next() {
		var (
			rec model.ChatRecord
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Intent, &rec.Role, &rec.Content, &ms); err != nil {
			return nil, errx.WrapStore(err)
		}
		rec.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStore(err)
	}

	// newest first from the query, oldest first for callers
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) loadProfile(ctx context.Context, q queryRower, userID int64, lock string) (*model.Profile, error) {
	p := &model.Profile{UserID: userID, Info: map[string]any{}}
	var (
		raw string
		ms  int64
	)
	err := q.QueryRowContext(ctx, s.d.rebind(`SELECT info, updated_at FROM user_profiles WHERE user_id = ?`+lock), userID).
		Scan(&raw, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	if err := json.Unmarshal([]byte(raw), &p.Info); err != nil {
		return nil, fmt.Errorf("decode profile %d: %w", userID, err)
	}
	if p.Info == nil {
		p.Info = map[string]any{}
	}
	if ms > 0 {
		p.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

func (s *SQLStore) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	return s.loadProfile(ctx, s.db, userID, "")
}

// MergeProfile reads, merges and upserts inside one transaction. An empty
// row is inserted first so the locked read always has a row to lock, even
// for a user's first merge.
func (s *SQLStore) MergeProfile(ctx context.Context, userID int64, partial map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapStore(err)
	}
	defer func() { _ = tx.Rollback() }()

	seed := s.d.rebind(`INSERT INTO user_profiles (user_id, info, updated_at) VALUES (?, '{}', 0)
		ON CONFLICT (user_id) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, seed, userID); err != nil {
		logx.Error().Err(err).Int64("user_id", userID).Msg("failed to seed profile")
		return errx.WrapStore(err)
	}

	p, err := s.loadProfile(ctx, tx, userID, s.d.lock)
	if err != nil {
		return err
	}
	maps.Copy(p.Info, partial)
	b, err := json.Marshal(p.Info)
	if err != nil {
		return fmt.Errorf("encode profile %d: %w", userID, err)
	}

	q := s.d.rebind(`INSERT INTO user_profiles (user_id, info, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET info = excluded.info, updated_at = excluded.updated_at`)
	if _, err := tx.ExecContext(ctx, q, userID, string(b), s.now().UnixMilli()); err != nil {
		logx.Error().Err(err).Int64("user_id", userID).Msg("failed to upsert profile")
		return errx.WrapStore(err)
	}
	return errx.WrapStore(tx.Commit())
}

func (s *SQLStore) AppendDistillation(ctx context.Context, rec model.DistillationRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	q := s.d.rebind(`INSERT INTO distillations (query, intent, expensive_answer, local_failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, rec.Query, rec.Intent, rec.ExpensiveAnswer, rec.LocalFailureReason, created.UnixMilli()); err != nil {
		logx.Error().Err(err).Msg("failed to insert distillation record")
		return errx.WrapStore(err)
	}
	return nil
}

// Distillations lists the stored records, oldest first.
func (s *SQLStore) Distillations(ctx context.Context) ([]model.DistillationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT query, intent, expensive_answer, local_failure_reason, created_at
		FROM distillations ORDER BY id`)
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()

	var out []model.DistillationRecord
	for rows.Next() {
		var (
			rec model.DistillationRecord
			ms  int64
		)
		if err := rows.Scan(&rec.Query, &rec.Intent, &rec.ExpensiveAnswer, &rec.LocalFailureReason, &ms); err != nil {
			return nil, errx.WrapStore(err)
		}
		rec.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, errx.WrapStore(rows.Err())
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return errx.WrapStore(s.db.PingContext(ctx))
}

var _ model.Store = (*SQLStore)(nil)
