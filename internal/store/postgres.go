package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a store with an existing *sql.DB.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres dials Postgres with the given DSN.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
		id				TEXT PRIMARY KEY,
		owner			TEXT NOT NULL,
		name			TEXT NOT NULL,
		url				TEXT NOT NULL DEFAULT '',
		default_branch	TEXT NOT NULL DEFAULT 'main',
		created_at		TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner, name))`,
	`CREATE TABLE IF NOT EXISTS plans (
		id					TEXT PRIMARY KEY,
		name				TEXT NOT NULL UNIQUE,
		trigger_type		TEXT NOT NULL,
		regex				TEXT NOT NULL,
		org_template		TEXT NOT NULL DEFAULT '',
		concurrency_limit	INT NOT NULL DEFAULT 1,
		active				BOOLEAN NOT NULL DEFAULT true,
		public				BOOLEAN NOT NULL DEFAULT false,
		created_at			TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS plan_repositories (
		id				TEXT PRIMARY KEY,
		plan_id			TEXT NOT NULL REFERENCES plans(id),
		repository_id	TEXT NOT NULL REFERENCES repositories(id),
		org				TEXT NOT NULL DEFAULT '',
		active			BOOLEAN NOT NULL DEFAULT true,
		created_at		TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE UNIQUE INDEX IF NOT EXISTS plan_repositories_active_pair
		ON plan_repositories (plan_id, repository_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS builds (
		id					TEXT PRIMARY KEY,
		plan_repository_id	TEXT NOT NULL REFERENCES plan_repositories(id),
		commit_sha			TEXT NOT NULL,
		branch				TEXT NOT NULL,
		org					TEXT NOT NULL DEFAULT '',
		scope				TEXT NOT NULL DEFAULT '',
		status				TEXT NOT NULL DEFAULT 'queued',
		created_at			TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at			TIMESTAMPTZ,
		finished_at			TIMESTAMPTZ)`,
	`CREATE INDEX IF NOT EXISTS builds_scope_status ON builds (scope, status)`,
	`CREATE INDEX IF NOT EXISTS builds_pending ON builds (created_at)
		WHERE status IN ('queued','waiting')`,
	`CREATE TABLE IF NOT EXISTS repeatable_jobs (
		id			TEXT PRIMARY KEY,
		name		TEXT NOT NULL,
		callable	TEXT NOT NULL,
		enabled		BOOLEAN NOT NULL DEFAULT true,
		interval	INT NOT NULL,
		unit		TEXT NOT NULL,
		queue		TEXT NOT NULL DEFAULT 'default',
		created_at	TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE UNIQUE INDEX IF NOT EXISTS repeatable_jobs_enabled_pair
		ON repeatable_jobs (name, callable) WHERE enabled`,
}

// Migrate applies the schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) PutRepository(ctx context.Context, repo Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO repositories (id, owner, name, url, default_branch)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, name) DO UPDATE
		SET url = EXCLUDED.url, default_branch = EXCLUDED.default_branch`,
		repo.ID, repo.Owner, repo.Name, repo.URL, repo.DefaultBranch)
	return err
}

func (p *PostgresStore) GetRepository(ctx context.Context, owner, name string) (Repository, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner, name, url, default_branch, created_at
		FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	return scanRepository(row)
}

func (p *PostgresStore) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, name, url, default_branch, created_at
		FROM repositories ORDER BY owner, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutPlan(ctx context.Context, plan Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, trigger_type, regex, org_template, concurrency_limit, active, public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE
		SET trigger_type = EXCLUDED.trigger_type, regex = EXCLUDED.regex,
			org_template = EXCLUDED.org_template, concurrency_limit = EXCLUDED.concurrency_limit,
			active = EXCLUDED.active, public = EXCLUDED.public`,
		plan.ID, plan.Name, string(plan.Trigger), plan.Regex, plan.OrgTemplate,
		plan.ConcurrencyLimit, plan.Active, plan.Public)
	return err
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (Plan, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, trigger_type, regex, org_template, concurrency_limit, active, public, created_at
		FROM plans WHERE id = $1`, id)
	return scanPlan(row)
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, trigger_type, regex, org_template, concurrency_limit, active, public, created_at
		FROM plans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Plan{}
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutPlanRepository(ctx context.Context, pr PlanRepository) error {
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if pr.Active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE plan_repositories SET active = false
			WHERE plan_id = $1 AND repository_id = $2 AND id <> $3 AND active`,
			pr.PlanID, pr.RepositoryID, pr.ID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_repositories (id, plan_id, repository_id, org, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET org = EXCLUDED.org, active = EXCLUDED.active`,
		pr.ID, pr.PlanID, pr.RepositoryID, pr.Org, pr.Active); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetPlanRepository(ctx context.Context, id string) (PlanRepository, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, plan_id, repository_id, org, active, created_at
		FROM plan_repositories WHERE id = $1`, id)
	return scanPlanRepository(row)
}

func (p *PostgresStore) ListPlanRepositories(ctx context.Context, planID string) ([]PlanRepository, error) {
	query := `SELECT id, plan_id, repository_id, org, active, created_at
		FROM plan_repositories`
	args := []any{}
	if planID != "" {
		query += ` WHERE plan_id = $1`
		args = append(args, planID)
	}
	query += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []PlanRepository{}
	for rows.Next() {
		pr, err := scanPlanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeletePlanRepository(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var pending int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM builds
		WHERE plan_repository_id = $1 AND status IN ('queued','waiting','running')`,
		id).Scan(&pending); err != nil {
		return err
	}
	if pending > 0 {
		return ErrBuildsPending
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plan_repositories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (p *PostgresStore) ActivePlansForRepo(ctx context.Context, repoID string) ([]Binding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pl.id, pl.name, pl.trigger_type, pl.regex, pl.org_template,
			pl.concurrency_limit, pl.active, pl.public, pl.created_at,
			pr.id, pr.plan_id, pr.repository_id, pr.org, pr.active, pr.created_at
		FROM plan_repositories pr
		JOIN plans pl ON pl.id = pr.plan_id
		WHERE pr.repository_id = $1 AND pr.active AND pl.active
		ORDER BY pl.name`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Binding{}
	for rows.Next() {
		var b Binding
		var trig string
		if err := rows.Scan(
			&b.Plan.ID, &b.Plan.Name, &trig, &b.Plan.Regex, &b.Plan.OrgTemplate,
			&b.Plan.ConcurrencyLimit, &b.Plan.Active, &b.Plan.Public, &b.Plan.CreatedAt,
			&b.Repo.ID, &b.Repo.PlanID, &b.Repo.RepositoryID, &b.Repo.Org, &b.Repo.Active, &b.Repo.CreatedAt,
		); err != nil {
			return nil, err
		}
		b.Plan.Trigger = TriggerType(trig)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateBuildIfAbsent(ctx context.Context, b Build) (Build, bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusQueued
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Build{}, false, err
	}
	defer tx.Rollback()
	// Serialize concurrent admissions of the same (planrepo, commit) pair.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		b.PlanRepositoryID+"@"+b.Commit); err != nil {
		return Build{}, false, err
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, plan_repository_id, commit_sha, branch, org, scope, status, created_at, started_at, finished_at
		FROM builds
		WHERE plan_repository_id = $1 AND commit_sha = $2
			AND status IN ('queued','waiting','running')
		ORDER BY created_at LIMIT 1`, b.PlanRepositoryID, b.Commit)
	existing, err := scanBuild(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return Build{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Build{}, false, err
	}
	var created time.Time
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO builds (id, plan_repository_id, commit_sha, branch, org, scope, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		b.ID, b.PlanRepositoryID, b.Commit, b.Branch, b.Org, b.Scope, string(b.Status)).Scan(&created); err != nil {
		return Build{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Build{}, false, err
	}
	b.CreatedAt = created
	return b, true, nil
}

func (p *PostgresStore) GetBuild(ctx context.Context, id string) (Build, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, plan_repository_id, commit_sha, branch, org, scope, status, created_at, started_at, finished_at
		FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

func (p *PostgresStore) ListBuilds(ctx context.Context, f BuildFilter) ([]Build, error) {
	query := `SELECT id, plan_repository_id, commit_sha, branch, org, scope, status, created_at, started_at, finished_at
		FROM builds WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.PlanRepositoryID != "" {
		args = append(args, f.PlanRepositoryID)
		query += fmt.Sprintf(" AND plan_repository_id = $%d", len(args))
	}
	if f.Commit != "" {
		args = append(args, f.Commit)
		query += fmt.Sprintf(" AND commit_sha = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PendingBuilds(ctx context.Context) ([]Build, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, plan_repository_id, commit_sha, branch, org, scope, status, created_at, started_at, finished_at
		FROM builds WHERE status IN ('queued','waiting')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionBuild(ctx context.Context, id string, to BuildStatus) (Build, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Build{}, err
	}
	defer tx.Rollback()
	b, err := p.transitionTx(ctx, tx, id, to)
	if err != nil {
		return Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return Build{}, err
	}
	return b, nil
}

func (p *PostgresStore) transitionTx(ctx context.Context, tx *sql.Tx, id string, to BuildStatus) (Build, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, plan_repository_id, commit_sha, branch, org, scope, status, created_at, started_at, finished_at
		FROM builds WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBuild(row)
	if err != nil {
		return Build{}, err
	}
	if !CanTransition(b.Status, to) {
		return Build{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	b.Status = to
	if to == StatusRunning && b.StartedAt == nil {
		b.StartedAt = &now
	}
	if to.Terminal() {
		b.FinishedAt = &now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $2, started_at = $3, finished_at = $4 WHERE id = $1`,
		id, string(b.Status), b.StartedAt, b.FinishedAt); err != nil {
		return Build{}, err
	}
	return b, nil
}

func (p *PostgresStore) PromoteIfUnderLimit(ctx context.Context, id string, scope string, limit int) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	// Concurrent promotions in one scope queue up behind this lock, so the
	// running count can never exceed the limit.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "scope:"+scope); err != nil {
		return false, err
	}
	var running int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM builds WHERE scope = $1 AND status = 'running'`,
		scope).Scan(&running); err != nil {
		return false, err
	}
	if limit > 0 && running >= limit {
		row := tx.QueryRowContext(ctx, `SELECT status FROM builds WHERE id = $1 FOR UPDATE`, id)
		var status string
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, ErrNotFound
			}
			return false, err
		}
		if BuildStatus(status) == StatusQueued {
			if _, err := p.transitionTx(ctx, tx, id, StatusWaiting); err != nil {
				return false, err
			}
		}
		return false, tx.Commit()
	}
	if _, err := p.transitionTx(ctx, tx, id, StatusRunning); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) RequeueBuild(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE builds SET status = 'queued', started_at = NULL
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) EnsureRepeatableJob(ctx context.Context, job RepeatableJob) (RepeatableJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return RepeatableJob{}, false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		"job:"+job.Name+"@"+job.Callable); err != nil {
		return RepeatableJob{}, false, err
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, callable, enabled, interval, unit, queue, created_at
		FROM repeatable_jobs WHERE name = $1 AND callable = $2 AND enabled`,
		job.Name, job.Callable)
	existing, err := scanRepeatableJob(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return RepeatableJob{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return RepeatableJob{}, false, err
	}
	var created time.Time
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO repeatable_jobs (id, name, callable, enabled, interval, unit, queue)
		VALUES ($1, $2, $3, true, $4, $5, $6)
		RETURNING created_at`,
		job.ID, job.Name, job.Callable, job.Interval, job.Unit, job.Queue).Scan(&created); err != nil {
		return RepeatableJob{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return RepeatableJob{}, false, err
	}
	job.Enabled = true
	job.CreatedAt = created
	return job, true, nil
}

func (p *PostgresStore) ListRepeatableJobs(ctx context.Context, enabledOnly bool) ([]RepeatableJob, error) {
	query := `SELECT id, name, callable, enabled, interval, unit, queue, created_at
		FROM repeatable_jobs`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RepeatableJob{}
	for rows.Next() {
		j, err := scanRepeatableJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var r Repository
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.URL, &r.DefaultBranch, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func scanPlan(row rowScanner) (Plan, error) {
	var pl Plan
	var trig string
	err := row.Scan(&pl.ID, &pl.Name, &trig, &pl.Regex, &pl.OrgTemplate,
		&pl.ConcurrencyLimit, &pl.Active, &pl.Public, &pl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	pl.Trigger = TriggerType(trig)
	return pl, err
}

func scanPlanRepository(row rowScanner) (PlanRepository, error) {
	var pr PlanRepository
	err := row.Scan(&pr.ID, &pr.PlanID, &pr.RepositoryID, &pr.Org, &pr.Active, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRepository{}, ErrNotFound
	}
	return pr, err
}

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	var status string
	var started, finished sql.NullTime
	err := row.Scan(&b.ID, &b.PlanRepositoryID, &b.Commit, &b.Branch, &b.Org, &b.Scope,
		&status, &b.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	b.Status = BuildStatus(status)
	if started.Valid {
		t := started.Time
		b.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return b, err
}

func scanRepeatableJob(row rowScanner) (RepeatableJob, error) {
	var j RepeatableJob
	err := row.Scan(&j.ID, &j.Name, &j.Callable, &j.Enabled, &j.Interval, &j.Unit, &j.Queue, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RepeatableJob{}, ErrNotFound
	}
	return j, err
}
