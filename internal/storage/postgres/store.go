// Package postgres provides the Postgres-backed pipeline store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements pipeline.Store on Postgres. Version lists, attempt
// logs, and report bodies are kept as JSONB.
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: utcNow}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const sectionColumns = `code, section, url, content, raw_content, legislative_history,
	has_content, content_length, is_multi_version, versions,
	division, part, chapter, article, notes, created_at, updated_at`

// UpsertSection inserts a section skeleton or refreshes its location
// fields. Content fields are owned by UpdateContent and SetVersions and
// are left untouched on conflict.
func (s *Store) UpsertSection(ctx context.Context, sec pipeline.Section) error {
	_, err := s.upsertSection(ctx, sec)
	return err
}

// BulkUpsertSections upserts all sections and returns how many were new.
func (s *Store) BulkUpsertSections(ctx context.Context, sections []pipeline.Section) (int, error) {
	inserted := 0
	for _, sec := range sections {
		isNew, err := s.upsertSection(ctx, sec)
		if err != nil {
			return inserted, err
		}
		if isNew {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Store) upsertSection(ctx context.Context, sec pipeline.Section) (bool, error) {
	query := `
		INSERT INTO sections (code, section, url, division, part, chapter, article, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (code, section) DO UPDATE
		SET url = EXCLUDED.url,
			division = EXCLUDED.division,
			part = EXCLUDED.part,
			chapter = EXCLUDED.chapter,
			article = EXCLUDED.article,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted;
	`
	var isNew bool
	err := s.pool.QueryRow(ctx, query,
		strings.ToUpper(sec.Code), sec.Number, sec.URL,
		sec.Division, sec.Part, sec.Chapter, sec.Article, s.now(),
	).Scan(&isNew)
	if err != nil {
		return false, fmt.Errorf("upsert section %s: %w", sec.Identifier(), err)
	}
	return isNew, nil
}

// GetSection returns one section or pipeline.ErrNotFound.
func (s *Store) GetSection(ctx context.Context, code, section string) (pipeline.Section, error) {
	query := fmt.Sprintf(`SELECT %s FROM sections WHERE code = $1 AND section = $2;`, sectionColumns)
	row := s.pool.QueryRow(ctx, query, strings.ToUpper(code), section)
	sec, err := scanSection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Section{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Section{}, fmt.Errorf("get section %s:%s: %w", code, section, err)
	}
	return sec, nil
}

// ListSections returns all sections of a code ordered by section number.
func (s *Store) ListSections(ctx context.Context, code string) ([]pipeline.Section, error) {
	query := fmt.Sprintf(`SELECT %s FROM sections WHERE code = $1 ORDER BY section;`, sectionColumns)
	return s.querySections(ctx, query, strings.ToUpper(code))
}

// ListIncomplete returns sections with neither content nor versions.
func (s *Store) ListIncomplete(ctx context.Context, code string) ([]pipeline.Section, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sections
		WHERE code = $1
		  AND NOT (has_content AND content <> '')
		  AND NOT (is_multi_version AND COALESCE(jsonb_array_length(versions), 0) > 0)
		ORDER BY section;`, sectionColumns)
	return s.querySections(ctx, query, strings.ToUpper(code))
}

// ListMultiVersion returns flagged sections whose versions are unresolved.
func (s *Store) ListMultiVersion(ctx context.Context, code string) ([]pipeline.Section, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sections
		WHERE code = $1
		  AND is_multi_version
		  AND COALESCE(jsonb_array_length(versions), 0) = 0
		ORDER BY section;`, sectionColumns)
	return s.querySections(ctx, query, strings.ToUpper(code))
}

func (s *Store) querySections(ctx context.Context, query string, args ...any) ([]pipeline.Section, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return out, nil
}

func scanSection(row pgx.Row) (pipeline.Section, error) {
	var (
		sec          pipeline.Section
		versionsJSON []byte
	)
	err := row.Scan(
		&sec.Code, &sec.Number, &sec.URL, &sec.Content, &sec.RawContent, &sec.LegislativeHistory,
		&sec.HasContent, &sec.ContentLength, &sec.IsMultiVersion, &versionsJSON,
		&sec.Division, &sec.Part, &sec.Chapter, &sec.Article, &sec.Notes, &sec.CreatedAt, &sec.UpdatedAt,
	)
	if err != nil {
		return pipeline.Section{}, err
	}
	if len(versionsJSON) > 0 {
		if err := json.Unmarshal(versionsJSON, &sec.Versions); err != nil {
			return pipeline.Section{}, fmt.Errorf("decode versions: %w", err)
		}
	}
	return sec, nil
}

// UpdateContent overwrites a section's content fields.
func (s *Store) UpdateContent(ctx context.Context, u pipeline.ContentUpdate) error {
	query := `
		UPDATE sections
		SET content = $3,
			raw_content = $4,
			legislative_history = $5,
			content_length = $6,
			has_content = TRUE,
			is_multi_version = FALSE,
			url = CASE WHEN $7 <> '' THEN $7 ELSE url END,
			updated_at = $8
		WHERE code = $1 AND section = $2;
	`
	tag, err := s.pool.Exec(ctx, query,
		strings.ToUpper(u.Code), u.Section,
		u.Content, u.RawContent, u.LegislativeHistory, len(u.Content), u.SourceURL, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update content %s:%s: %w", u.Code, u.Section, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// MarkMultiVersion flags a section without touching its content.
func (s *Store) MarkMultiVersion(ctx context.Context, code, section, sourceURL string) error {
	query := `
		UPDATE sections
		SET is_multi_version = TRUE,
			url = CASE WHEN $3 <> '' THEN $3 ELSE url END,
			updated_at = $4
		WHERE code = $1 AND section = $2;
	`
	tag, err := s.pool.Exec(ctx, query, strings.ToUpper(code), section, sourceURL, s.now())
	if err != nil {
		return fmt.Errorf("mark multi-version %s:%s: %w", code, section, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetVersions stores the resolved version list.
func (s *Store) SetVersions(ctx context.Context, code, section string, versions []pipeline.Version) error {
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("marshal versions: %w", err)
	}
	query := `
		UPDATE sections
		SET versions = $3,
			is_multi_version = TRUE,
			has_content = FALSE,
			updated_at = $4
		WHERE code = $1 AND section = $2;
	`
	tag, err := s.pool.Exec(ctx, query, strings.ToUpper(code), section, versionsJSON, s.now())
	if err != nil {
		return fmt.Errorf("set versions %s:%s: %w", code, section, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetSectionNotes records free-form notes on a section.
func (s *Store) SetSectionNotes(ctx context.Context, code, section, notes string) error {
	query := `UPDATE sections SET notes = $3, updated_at = $4 WHERE code = $1 AND section = $2;`
	tag, err := s.pool.Exec(ctx, query, strings.ToUpper(code), section, notes, s.now())
	if err != nil {
		return fmt.Errorf("set notes %s:%s: %w", code, section, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// UpsertCode inserts or replaces a code record.
func (s *Store) UpsertCode(ctx context.Context, c pipeline.Code) error {
	query := `
		INSERT INTO codes (code, full_name, url, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (code) DO UPDATE
		SET full_name = CASE WHEN EXCLUDED.full_name <> '' THEN EXCLUDED.full_name ELSE codes.full_name END,
			url = EXCLUDED.url,
			last_updated = EXCLUDED.last_updated;
	`
	if _, err := s.pool.Exec(ctx, query, strings.ToUpper(c.Code), c.FullName, c.URL, s.now()); err != nil {
		return fmt.Errorf("upsert code %s: %w", c.Code, err)
	}
	return nil
}

// GetCode returns a code record or pipeline.ErrNotFound.
func (s *Store) GetCode(ctx context.Context, code string) (pipeline.Code, error) {
	query := `
		SELECT code, full_name, url, total_sections, single_version_count, multi_version_count,
			processed_sections, stage1_completed, stage2_completed, stage3_completed,
			stage1_started, stage1_finished, stage2_started, stage2_finished,
			stage3_started, stage3_finished, created_at, last_updated
		FROM codes WHERE code = $1;
	`
	var c pipeline.Code
	err := s.pool.QueryRow(ctx, query, strings.ToUpper(code)).Scan(
		&c.Code, &c.FullName, &c.URL, &c.TotalSections, &c.SingleVersionCount, &c.MultiVersionCount,
		&c.ProcessedSections, &c.Stage1Completed, &c.Stage2Completed, &c.Stage3Completed,
		&c.Stage1Started, &c.Stage1Finished, &c.Stage2Started, &c.Stage2Finished,
		&c.Stage3Started, &c.Stage3Finished, &c.CreatedAt, &c.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Code{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Code{}, fmt.Errorf("get code %s: %w", code, err)
	}
	return c, nil
}

// UpdateCode applies a partial update, touching only non-nil fields.
func (s *Store) UpdateCode(ctx context.Context, code string, u pipeline.CodeUpdate) error {
	set, args := codeUpdateClauses(u)
	if len(set) == 0 {
		return nil
	}
	args = append(args, s.now())
	set = append(set, fmt.Sprintf("last_updated = $%d", len(args)))
	args = append(args, strings.ToUpper(code))

	query := fmt.Sprintf(`UPDATE codes SET %s WHERE code = $%d;`, strings.Join(set, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update code %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func codeUpdateClauses(u pipeline.CodeUpdate) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.FullName != nil {
		add("full_name", *u.FullName)
	}
	if u.TotalSections != nil {
		add("total_sections", *u.TotalSections)
	}
	if u.SingleVersionCount != nil {
		add("single_version_count", *u.SingleVersionCount)
	}
	if u.MultiVersionCount != nil {
		add("multi_version_count", *u.MultiVersionCount)
	}
	if u.ProcessedSections != nil {
		add("processed_sections", *u.ProcessedSections)
	}
	if u.Stage1Completed != nil {
		add("stage1_completed", *u.Stage1Completed)
	}
	if u.Stage2Completed != nil {
		add("stage2_completed", *u.Stage2Completed)
	}
	if u.Stage3Completed != nil {
		add("stage3_completed", *u.Stage3Completed)
	}
	if u.Stage1Started != nil {
		add("stage1_started", *u.Stage1Started)
	}
	if u.Stage1Finished != nil {
		add("stage1_finished", *u.Stage1Finished)
	}
	if u.Stage2Started != nil {
		add("stage2_started", *u.Stage2Started)
	}
	if u.Stage2Finished != nil {
		add("stage2_finished", *u.Stage2Finished)
	}
	if u.Stage3Started != nil {
		add("stage3_started", *u.Stage3Started)
	}
	if u.Stage3Finished != nil {
		add("stage3_finished", *u.Stage3Finished)
	}
	return set, args
}

// GetActiveCheckpoint returns the resumable checkpoint for (code, stage).
func (s *Store) GetActiveCheckpoint(ctx context.Context, code string, stage pipeline.Stage) (pipeline.Checkpoint, error) {
	query := `
		SELECT code, stage, status, total_sections, processed_sections, failed_sections,
			current_batch, total_batches, batch_size, workers,
			started_at, last_updated, completed_at, error_text
		FROM checkpoints
		WHERE code = $1 AND stage = $2 AND status IN ('in_progress', 'paused');
	`
	var (
		cp         pipeline.Checkpoint
		failedJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, strings.ToUpper(code), string(stage)).Scan(
		&cp.Code, &cp.Stage, &cp.Status, &cp.TotalSections, &cp.ProcessedSections, &failedJSON,
		&cp.CurrentBatch, &cp.TotalBatches, &cp.BatchSize, &cp.Workers,
		&cp.StartedAt, &cp.LastUpdated, &cp.CompletedAt, &cp.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Checkpoint{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Checkpoint{}, fmt.Errorf("get checkpoint %s/%s: %w", code, stage, err)
	}
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &cp.FailedSections); err != nil {
			return pipeline.Checkpoint{}, fmt.Errorf("decode failed sections: %w", err)
		}
	}
	return cp, nil
}

// SaveCheckpoint replaces the checkpoint for its (code, stage).
func (s *Store) SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	failedJSON, err := json.Marshal(cp.FailedSections)
	if err != nil {
		return fmt.Errorf("marshal failed sections: %w", err)
	}
	query := `
		INSERT INTO checkpoints (code, stage, status, total_sections, processed_sections, failed_sections,
			current_batch, total_batches, batch_size, workers, started_at, last_updated, completed_at, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (code, stage) DO UPDATE
		SET status = EXCLUDED.status,
			total_sections = EXCLUDED.total_sections,
			processed_sections = EXCLUDED.processed_sections,
			failed_sections = EXCLUDED.failed_sections,
			current_batch = EXCLUDED.current_batch,
			total_batches = EXCLUDED.total_batches,
			batch_size = EXCLUDED.batch_size,
			workers = EXCLUDED.workers,
			started_at = EXCLUDED.started_at,
			last_updated = EXCLUDED.last_updated,
			completed_at = EXCLUDED.completed_at,
			error_text = EXCLUDED.error_text;
	`
	_, err = s.pool.Exec(ctx, query,
		strings.ToUpper(cp.Code), string(cp.Stage), string(cp.Status),
		cp.TotalSections, cp.ProcessedSections, failedJSON,
		cp.CurrentBatch, cp.TotalBatches, cp.BatchSize, cp.Workers,
		cp.StartedAt, s.now(), cp.CompletedAt, cp.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.Code, cp.Stage, err)
	}
	return nil
}

const failureColumns = `code, section, url, failure_type, error_text, stage, batch_number,
	is_multi_version, retry_status, retry_count, attempts, notes, failed_at, last_retry_at, resolved_at`

// GetFailure returns a ledger entry or pipeline.ErrNotFound.
func (s *Store) GetFailure(ctx context.Context, code, section string) (pipeline.FailedSection, error) {
	query := fmt.Sprintf(`SELECT %s FROM failed_sections WHERE code = $1 AND section = $2;`, failureColumns)
	f, err := scanFailure(s.pool.QueryRow(ctx, query, strings.ToUpper(code), section))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.FailedSection{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.FailedSection{}, fmt.Errorf("get failure %s:%s: %w", code, section, err)
	}
	return f, nil
}

func scanFailure(row pgx.Row) (pipeline.FailedSection, error) {
	var (
		f            pipeline.FailedSection
		attemptsJSON []byte
	)
	err := row.Scan(
		&f.Code, &f.Section, &f.URL, &f.FailureType, &f.ErrorText, &f.Stage, &f.BatchNumber,
		&f.IsMultiVersion, &f.RetryStatus, &f.RetryCount, &attemptsJSON, &f.Notes,
		&f.FailedAt, &f.LastRetryAt, &f.ResolvedAt,
	)
	if err != nil {
		return pipeline.FailedSection{}, err
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &f.Attempts); err != nil {
			return pipeline.FailedSection{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return f, nil
}

// SaveFailure inserts or replaces a ledger entry.
func (s *Store) SaveFailure(ctx context.Context, f pipeline.FailedSection) error {
	attemptsJSON, err := json.Marshal(f.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	query := `
		INSERT INTO failed_sections (code, section, url, failure_type, error_text, stage, batch_number,
			is_multi_version, retry_status, retry_count, attempts, notes, failed_at, last_retry_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (code, section) DO UPDATE
		SET url = EXCLUDED.url,
			failure_type = EXCLUDED.failure_type,
			error_text = EXCLUDED.error_text,
			stage = EXCLUDED.stage,
			batch_number = EXCLUDED.batch_number,
			is_multi_version = EXCLUDED.is_multi_version,
			retry_status = EXCLUDED.retry_status,
			retry_count = EXCLUDED.retry_count,
			attempts = EXCLUDED.attempts,
			notes = EXCLUDED.notes,
			failed_at = EXCLUDED.failed_at,
			last_retry_at = EXCLUDED.last_retry_at,
			resolved_at = EXCLUDED.resolved_at;
	`
	_, err = s.pool.Exec(ctx, query,
		strings.ToUpper(f.Code), f.Section, f.URL, string(f.FailureType), f.ErrorText,
		string(f.Stage), f.BatchNumber, f.IsMultiVersion, string(f.RetryStatus), f.RetryCount,
		attemptsJSON, f.Notes, f.FailedAt, f.LastRetryAt, f.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save failure %s: %w", f.Identifier(), err)
	}
	return nil
}

// ListFailures returns ledger entries filtered by status and types.
func (s *Store) ListFailures(ctx context.Context, code string, status pipeline.RetryStatus, types []pipeline.FailureType) ([]pipeline.FailedSection, error) {
	query := fmt.Sprintf(`SELECT %s FROM failed_sections WHERE code = $1`, failureColumns)
	args := []any{strings.ToUpper(code)}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND retry_status = $%d", len(args))
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		args = append(args, names)
		query += fmt.Sprintf(" AND failure_type = ANY($%d)", len(args))
	}
	query += " ORDER BY section;"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []pipeline.FailedSection
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

// SaveFailureReport stores the latest per-code aggregate.
func (s *Store) SaveFailureReport(ctx context.Context, r pipeline.FailureReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := `
		INSERT INTO failure_reports (code, generated_at, report)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE
		SET generated_at = EXCLUDED.generated_at,
			report = EXCLUDED.report;
	`
	if _, err := s.pool.Exec(ctx, query, strings.ToUpper(r.Code), r.GeneratedAt, body); err != nil {
		return fmt.Errorf("save failure report %s: %w", r.Code, err)
	}
	return nil
}

// GetFailureReport returns the stored aggregate, if any.
func (s *Store) GetFailureReport(ctx context.Context, code string) (pipeline.FailureReport, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT report FROM failure_reports WHERE code = $1;`, strings.ToUpper(code)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.FailureReport{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.FailureReport{}, fmt.Errorf("get failure report %s: %w", code, err)
	}
	var r pipeline.FailureReport
	if err := json.Unmarshal(body, &r); err != nil {
		return pipeline.FailureReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

const jobColumns = `id, code, status, stage, total_sections, processed_sections, failed_sections,
	progress, error_text, started_at, finished_at, created_at, last_updated`

// CreateJob stores a new job.
func (s *Store) CreateJob(ctx context.Context, j pipeline.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	query := `
		INSERT INTO jobs (id, code, status, stage, total_sections, processed_sections, failed_sections,
			progress, error_text, started_at, finished_at, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	_, err := s.pool.Exec(ctx, query,
		j.ID, strings.ToUpper(j.Code), string(j.Status), string(j.Stage),
		j.TotalSections, j.ProcessedSections, j.FailedSections,
		j.Progress, j.ErrorText, j.StartedAt, j.FinishedAt, j.CreatedAt, s.now(),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a job or pipeline.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (pipeline.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1;`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var j pipeline.Job
	err := row.Scan(
		&j.ID, &j.Code, &j.Status, &j.Stage, &j.TotalSections, &j.ProcessedSections, &j.FailedSections,
		&j.Progress, &j.ErrorText, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.LastUpdated,
	)
	return j, err
}

// UpdateJob applies a partial update, touching only non-nil fields.
func (s *Store) UpdateJob(ctx context.Context, id string, u pipeline.JobUpdate) error {
	set, args := jobUpdateClauses(u)
	if len(set) == 0 {
		return nil
	}
	args = append(args, s.now())
	set = append(set, fmt.Sprintf("last_updated = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d;`, strings.Join(set, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func jobUpdateClauses(u pipeline.JobUpdate) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Stage != nil {
		add("stage", string(*u.Stage))
	}
	if u.TotalSections != nil {
		add("total_sections", *u.TotalSections)
	}
	if u.ProcessedSections != nil {
		add("processed_sections", *u.ProcessedSections)
	}
	if u.FailedSections != nil {
		add("failed_sections", *u.FailedSections)
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.ErrorText != nil {
		add("error_text", *u.ErrorText)
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.FinishedAt != nil {
		add("finished_at", *u.FinishedAt)
	}
	return set, args
}

// ListRecentJobs returns jobs ordered newest first.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]pipeline.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs ORDER BY created_at DESC LIMIT $1;`, jobColumns)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
