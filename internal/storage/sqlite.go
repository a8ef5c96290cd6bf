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

	logx "monhub/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

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

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) UpsertPlugin(ctx context.Context, p PluginState) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Health == "" {
		p.Health = "unknown"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins(id, name, category, enabled, builtin, schema, config, health, consec_fails, last_exec, last_success, health_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, category=excluded.category, builtin=excluded.builtin, schema=excluded.schema`,
		p.ID, p.Name, p.Category, boolInt(p.Enabled), boolInt(p.Builtin), nullStr(p.SchemaJSON), nullStr(p.ConfigJSON),
		p.Health, p.ConsecutiveFailures, nullTime(p.LastExecution), nullTime(p.LastSuccess),
		nullTime(p.HealthUpdated), fmtTime(p.CreatedAt),
	)
	return wrapErr(err)
}

func (s *sqliteStore) GetPlugin(ctx context.Context, id string) (PluginState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, enabled, builtin, schema, config, health, consec_fails, last_exec, last_success, health_at, created_at
		 FROM plugins WHERE id = ?`, id)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PluginState{}, ErrNotFound
	}
	return p, wrapErr(err)
}

func (s *sqliteStore) ListPlugins(ctx context.Context) ([]PluginState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, enabled, builtin, schema, config, health, consec_fails, last_exec, last_success, health_at, created_at
		 FROM plugins ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []PluginState
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, p)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	return s.mustAffect(ctx, `UPDATE plugins SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
}

func (s *sqliteStore) MarkPluginExecuted(ctx context.Context, id string, at time.Time, ok bool) error {
	if ok {
		return s.mustAffect(ctx, `UPDATE plugins SET last_exec = ?, last_success = ? WHERE id = ?`, fmtTime(at), fmtTime(at), id)
	}
	return s.mustAffect(ctx, `UPDATE plugins SET last_exec = ? WHERE id = ?`, fmtTime(at), id)
}

func (s *sqliteStore) UpdatePluginHealth(ctx context.Context, id, health string, fails int, at time.Time) error {
	return s.mustAffect(ctx, `UPDATE plugins SET health = ?, consec_fails = ?, health_at = ? WHERE id = ?`,
		health, fails, fmtTime(at), id)
}

func (s *sqliteStore) SetPluginConfig(ctx context.Context, id, configJSON string) error {
	return s.mustAffect(ctx, `UPDATE plugins SET config = ? WHERE id = ?`, nullStr(configJSON), id)
}

func (s *sqliteStore) AppendExecution(ctx context.Context, e ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, plugin_id, started_at, ended_at, status, err, triggered_by)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.PluginID, fmtTime(e.StartedAt), fmtTime(e.EndedAt), e.Status, nullStr(e.Error), e.TriggeredBy,
	)
	return wrapErr(err)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, plugin_id, started_at, ended_at, status, err, triggered_by FROM executions`
	args := []any{}
	if pluginID != "" {
		q += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var e ExecutionRecord
		var started, ended string
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.PluginID, &started, &ended, &e.Status, &errStr, &e.TriggeredBy); err != nil {
			return nil, wrapErr(err)
		}
		e.StartedAt = parseTime(started)
		e.EndedAt = parseTime(ended)
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) AppendMetric(ctx context.Context, m MetricObservation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(plugin_id, at, payload) VALUES(?,?,?)`,
		m.PluginID, fmtTime(m.At), m.PayloadJSON,
	)
	return wrapErr(err)
}

func (s *sqliteStore) QueryMetrics(ctx context.Context, pluginID string, from, to time.Time, limit int) ([]MetricObservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT plugin_id, at, payload FROM metrics WHERE plugin_id = ?`
	args := []any{pluginID}
	if !from.IsZero() {
		q += ` AND at >= ?`
		args = append(args, fmtTime(from))
	}
	if !to.IsZero() {
		q += ` AND at <= ?`
		args = append(args, fmtTime(to))
	}
	q += ` ORDER BY at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []MetricObservation
	for rows.Next() {
		var m MetricObservation
		var at string
		if err := rows.Scan(&m.PluginID, &at, &m.PayloadJSON); err != nil {
			return nil, wrapErr(err)
		}
		m.At = parseTime(at)
		out = append(out, m)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) InsertAPIKey(ctx context.Context, k APIKeyRecord) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys(id, plugin_id, hash, scopes, expires_at, use_count, last_used, revoked, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		k.ID, k.PluginID, k.Hash, strings.Join(k.Scopes, ","), nullTime(k.ExpiresAt),
		k.UseCount, nullTime(k.LastUsed), boolInt(k.Revoked), fmtTime(k.CreatedAt),
	)
	return wrapErr(err)
}

func (s *sqliteStore) GetAPIKey(ctx context.Context, id string) (APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plugin_id, hash, scopes, expires_at, use_count, last_used, revoked, created_at
		 FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKeyRecord{}, ErrNotFound
	}
	return k, wrapErr(err)
}

func (s *sqliteStore) ListAPIKeys(ctx context.Context, pluginID string) ([]APIKeyRecord, error) {
	q := `SELECT id, plugin_id, hash, scopes, expires_at, use_count, last_used, revoked, created_at FROM api_keys`
	args := []any{}
	if pluginID != "" {
		q += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, k)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) RevokeAPIKey(ctx context.Context, id string) error {
	return s.mustAffect(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
}

func (s *sqliteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.mustAffect(ctx, `UPDATE api_keys SET use_count = use_count + 1, last_used = ? WHERE id = ?`, fmtTime(at), id)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, actor_type, action, resource, resource_id, source, ok, detail)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, fmtTime(e.At), e.Actor, e.ActorType, e.Action, e.Resource,
		nullStr(e.ResourceID), nullStr(e.Source), boolInt(e.OK), nullStr(e.Detail),
	)
	return wrapErr(err)
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, actor, actor_type, action, resource, resource_id, source, ok, detail
		 FROM audit ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var resID, source, detail sql.NullString
		var ok int
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.ActorType, &e.Action, &e.Resource, &resID, &source, &ok, &detail); err != nil {
			return nil, wrapErr(err)
		}
		e.At = parseTime(at)
		e.ResourceID = resID.String
		e.Source = source.String
		e.Detail = detail.String
		e.OK = ok != 0
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

// mustAffect runs an UPDATE and maps "zero rows touched" to ErrNotFound.
func (s *sqliteStore) mustAffect(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (PluginState, error) {
	var p PluginState
	var enabled, builtin int
	var schema, cfg, lastExec, lastSuccess, healthAt sql.NullString
	var created string
	err := row.Scan(&p.ID, &p.Name, &p.Category, &enabled, &builtin, &schema, &cfg, &p.Health,
		&p.ConsecutiveFailures, &lastExec, &lastSuccess, &healthAt, &created)
	if err != nil {
		return PluginState{}, err
	}
	p.Enabled = enabled != 0
	p.Builtin = builtin != 0
	p.SchemaJSON = schema.String
	p.ConfigJSON = cfg.String
	p.LastExecution = parseTime(lastExec.String)
	p.LastSuccess = parseTime(lastSuccess.String)
	p.HealthUpdated = parseTime(healthAt.String)
	p.CreatedAt = parseTime(created)
	return p, nil
}

func scanAPIKey(row scanner) (APIKeyRecord, error) {
	var k APIKeyRecord
	var scopes string
	var expires, lastUsed sql.NullString
	var revoked int
	var created string
	err := row.Scan(&k.ID, &k.PluginID, &k.Hash, &scopes, &expires, &k.UseCount, &lastUsed, &revoked, &created)
	if err != nil {
		return APIKeyRecord{}, err
	}
	if scopes != "" {
		k.Scopes = strings.Split(scopes, ",")
	}
	k.ExpiresAt = parseTime(expires.String)
	k.LastUsed = parseTime(lastUsed.String)
	k.Revoked = revoked != 0
	k.CreatedAt = parseTime(created)
	return k, nil
}

// timeLayout is RFC 3339 with a fixed-width fraction. RFC3339Nano trims
// trailing fractional zeros, so its strings do not sort in time order
// ("...00.5Z" > "...00.55Z"); the ORDER BY and range comparisons above
// need string order to match time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
