package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/aipartnerup/apflow-demo/db/migrations"
)

const globalScope = "global"

// PostgresStore persists counters and the task-tree registry in
// Postgres. All conditional increments are single UPDATE statements
// with the limit in the WHERE clause, so concurrent callers across
// replicas serialize on the row lock and never overshoot a limit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) TryIncrementQuota(ctx context.Context, userID, day string, llm bool, limits QuotaLimits) (QuotaCounts, bool, error) {
	now := time.Now().UTC()
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO quota_counters (user_id, day, total_count, llm_count, updated_at)
		 VALUES ($1,$2,0,0,$3)
		 ON CONFLICT (user_id, day) DO NOTHING`,
		userID, day, now,
	); err != nil {
		return QuotaCounts{}, false, err
	}

	llmBump := 0
	if llm {
		llmBump = 1
	}
	var counts QuotaCounts
	err := p.db.QueryRowContext(ctx,
		`UPDATE quota_counters
		 SET total_count = total_count + 1, llm_count = llm_count + $3, updated_at = $4
		 WHERE user_id = $1 AND day = $2
		   AND total_count < $5
		   AND ($3 = 0 OR llm_count < $6)
		 RETURNING total_count, llm_count`,
		userID, day, llmBump, now, limits.Total, limits.LLM,
	).Scan(&counts.Total, &counts.LLM)
	if errors.Is(err, sql.ErrNoRows) {
		counts, err = p.GetQuotaCounts(ctx, userID, day)
		return counts, false, err
	}
	if err != nil {
		return QuotaCounts{}, false, err
	}
	return counts, true, nil
}

func (p *PostgresStore) GetQuotaCounts(ctx context.Context, userID, day string) (QuotaCounts, error) {
	var counts QuotaCounts
	err := p.db.QueryRowContext(ctx,
		`SELECT total_count, llm_count FROM quota_counters WHERE user_id=$1 AND day=$2`,
		userID, day,
	).Scan(&counts.Total, &counts.LLM)
	if errors.Is(err, sql.ErrNoRows) {
		return QuotaCounts{}, nil
	}
	return counts, err
}

// TryClaimSlots claims both scopes in one transaction, always touching
// the global row before the user row so concurrent claims cannot
// deadlock each other.
func (p *PostgresStore) TryClaimSlots(ctx context.Context, userID string, maxGlobal, maxPerUser int) (bool, error) {
	now := time.Now().UTC()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range []struct{ scope, id string }{{globalScope, ""}, {"user", userID}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO concurrency_counters (scope, identifier, count, updated_at)
			 VALUES ($1,$2,0,$3) ON CONFLICT (scope, identifier) DO NOTHING`,
			row.scope, row.id, now,
		); err != nil {
			return false, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE concurrency_counters SET count = count + 1, updated_at = $2
		 WHERE scope = $3 AND identifier = '' AND count < $1`,
		maxGlobal, now, globalScope,
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE concurrency_counters SET count = count + 1, updated_at = $3
		 WHERE scope = 'user' AND identifier = $1 AND count < $2`,
		userID, maxPerUser, now,
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		// Rolling back also undoes the global increment.
		return false, nil
	}

	return true, tx.Commit()
}

func (p *PostgresStore) ReleaseSlots(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`UPDATE concurrency_counters SET count = count - 1, updated_at = $1
		 WHERE scope = $2 AND identifier = '' AND count > 0`,
		now, globalScope,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE concurrency_counters SET count = count - 1, updated_at = $2
		 WHERE scope = 'user' AND identifier = $1 AND count > 0`,
		userID, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ConcurrencySnapshot(ctx context.Context, userID string) (ConcurrencyCounts, error) {
	var counts ConcurrencyCounts
	err := p.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE((SELECT count FROM concurrency_counters WHERE scope=$1 AND identifier=''), 0),
		   COALESCE((SELECT count FROM concurrency_counters WHERE scope='user' AND identifier=$2), 0)`,
		globalScope, userID,
	).Scan(&counts.Global, &counts.User)
	return counts, err
}

func (p *PostgresStore) CreateTreeEntry(ctx context.Context, entry TreeEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = TreePending
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO task_trees (root_task_id, user_id, is_llm_consuming, used_demo, status, reason, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.RootTaskID, entry.UserID, entry.IsLLMConsuming, entry.UsedDemo, entry.Status, entry.Reason, entry.CreatedAt, entry.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTreeEntry(ctx context.Context, rootTaskID string) (TreeEntry, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT root_task_id, user_id, is_llm_consuming, used_demo, status, reason, created_at, updated_at
		 FROM task_trees WHERE root_task_id = $1`, rootTaskID,
	)
	entry, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TreeEntry{}, false, nil
	}
	if err != nil {
		return TreeEntry{}, false, err
	}
	return entry, true, nil
}

func (p *PostgresStore) MarkTreeRunning(ctx context.Context, rootTaskID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE task_trees SET status=$2, updated_at=$3 WHERE root_task_id=$1 AND status=$4`,
		rootTaskID, TreeRunning, time.Now().UTC(), TreePending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	_, ok, err := p.GetTreeEntry(ctx, rootTaskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrTreeNotFound
	}
	return false, nil
}

func (p *PostgresStore) MarkTreeTerminal(ctx context.Context, rootTaskID, status, reason string) (TreeEntry, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE task_trees SET status=$2, reason=$3, updated_at=$4
		 WHERE root_task_id=$1 AND status IN ($5, $6)
		 RETURNING root_task_id, user_id, is_llm_consuming, used_demo, status, reason, created_at, updated_at`,
		rootTaskID, status, reason, time.Now().UTC(), TreePending, TreeRunning,
	)
	entry, err := scanTree(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TreeEntry{}, false, err
	}
	entry, ok, err := p.GetTreeEntry(ctx, rootTaskID)
	if err != nil {
		return TreeEntry{}, false, err
	}
	if !ok {
		return TreeEntry{}, false, ErrTreeNotFound
	}
	return entry, false, nil
}

func (p *PostgresStore) ListOverdueTrees(ctx context.Context, cutoff time.Time) ([]TreeEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT root_task_id, user_id, is_llm_consuming, used_demo, status, reason, created_at, updated_at
		 FROM task_trees WHERE status IN ($1, $2) AND created_at < $3`,
		TreePending, TreeRunning, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TreeEntry, 0)
	for rows.Next() {
		entry, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountActiveUsers(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM concurrency_counters WHERE scope='user' AND count > 0`,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) IncrementUsageStat(ctx context.Context, day, statType, identifier string, delta int) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO usage_stats (day, stat_type, identifier, count, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (day, stat_type, identifier) DO UPDATE SET
		 count = usage_stats.count + EXCLUDED.count,
		 updated_at = EXCLUDED.updated_at`,
		day, statType, identifier, delta, now,
	)
	return err
}

func (p *PostgresStore) GetUsageStat(ctx context.Context, day, statType, identifier string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count FROM usage_stats WHERE day=$1 AND stat_type=$2 AND identifier=$3`,
		day, statType, identifier,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (p *PostgresStore) AppendAuditRecord(ctx context.Context, rec AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_records (action, user_id, result, reason, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.Action, rec.UserID, rec.Result, rec.Reason, rec.Details, rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAuditRecords(ctx context.Context, query AuditQuery) ([]AuditRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Action != "" {
		add("action=$%d", query.Action)
	}
	if query.UserID != "" {
		add("user_id=$%d", query.UserID)
	}
	if query.Result != "" {
		add("result=$%d", query.Result)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, action, user_id, result, reason, details, created_at
		 FROM audit_records
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditRecord, 0, limit)
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.ID, &a.Action, &a.UserID, &a.Result, &a.Reason, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, cutoffDay string, entryCutoff time.Time) (int, error) {
	purged := 0
	for _, q := range []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM quota_counters WHERE day < $1`, []any{cutoffDay}},
		{`DELETE FROM usage_stats WHERE day < $1`, []any{cutoffDay}},
		{`DELETE FROM task_trees WHERE status IN ($1, $2) AND updated_at < $3`, []any{TreeCompleted, TreeFailed, entryCutoff}},
	} {
		res, err := p.db.ExecContext(ctx, q.sql, q.args...)
		if err != nil {
			return purged, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return purged, err
		}
		purged += int(n)
	}
	return purged, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTree(s scanner) (TreeEntry, error) {
	var entry TreeEntry
	if err := s.Scan(&entry.RootTaskID, &entry.UserID, &entry.IsLLMConsuming, &entry.UsedDemo, &entry.Status, &entry.Reason, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return TreeEntry{}, err
	}
	return entry, nil
}
