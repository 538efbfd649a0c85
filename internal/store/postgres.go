package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/virtool/jobrunner/pkg/models"
)

const defaultScanLimit = 50

const jobColumns = `id, task, args, rights, status, proc, mem, user_id, key_hash, queue_state,
	enqueue_seq, worker_id, claimed_at, heartbeat_at, version, created_at, updated_at`

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Jobs ---

func scanJob(row scanner) (*models.Job, error) {
	var (
		j                     models.Job
		task, queueState      string
		args, rights, history []byte
	)
	if err := row.Scan(&j.ID, &task, &args, &rights, &history, &j.Proc, &j.Mem, &j.UserID, &j.KeyHash,
		&queueState, &j.EnqueueSeq, &j.WorkerID, &j.ClaimedAt, &j.HeartbeatAt, &j.Version,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Task = models.Task(task)
	j.QueueState = models.QueueState(queueState)
	if err := json.Unmarshal(args, &j.Args); err != nil {
		return nil, fmt.Errorf("decode job args: %w", err)
	}
	if err := json.Unmarshal(rights, &j.Rights); err != nil {
		return nil, fmt.Errorf("decode job rights: %w", err)
	}
	if err := json.Unmarshal(history, &j.Status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encode job args: %w", err)
	}
	rights, err := json.Marshal(job.Rights)
	if err != nil {
		return fmt.Errorf("encode job rights: %w", err)
	}
	history, err := json.Marshal(job.Status)
	if err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, task, args, rights, status, state, proc, mem, user_id, key_hash,
		   queue_state, worker_id, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, string(job.Task), args, rights, history, string(job.State()), job.Proc, job.Mem,
		job.UserID, job.KeyHash, string(job.QueueState), job.WorkerID, job.Version, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, string(filter.State))
		argIdx++
	}
	if filter.Task != "" {
		conditions = append(conditions, fmt.Sprintf("task = $%d", argIdx))
		args = append(args, string(filter.Task))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) FindJobIDsByState(ctx context.Context, states ...models.JobState) ([]uuid.UUID, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs WHERE state = ANY($1::text[]) ORDER BY created_at, id`, names)
	if err != nil {
		return nil, fmt.Errorf("find jobs by state: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status []models.StatusEntry) (int, error) {
	if len(status) == 0 {
		return 0, fmt.Errorf("update job status: empty status history")
	}
	history, err := json.Marshal(status)
	if err != nil {
		return 0, fmt.Errorf("encode job status: %w", err)
	}
	state := status[len(status)-1].State

	var version int
	err = s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $3, state = $4, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2 AND state NOT IN ('complete', 'error', 'cancelled')
		 RETURNING version`,
		id, expectedVersion, history, string(state)).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update job status: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get job state: %w", err)
	}
	if models.JobState(current).Terminal() {
		return 0, ErrTerminal
	}
	return 0, ErrConflict
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET queue_state = 'queued', enqueue_seq = nextval('job_enqueue_seq'), updated_at = NOW()
		 WHERE id = $1 AND queue_state = '' AND state = 'waiting'`, id)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var queueState string
	err = s.pool.QueryRow(ctx, `SELECT queue_state FROM jobs WHERE id = $1`, id).Scan(&queueState)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get queue state: %w", err)
	}
	if models.QueueState(queueState) == models.QueueStateQueued {
		return nil
	}
	return ErrConflict
}

func (s *PostgresStore) ClaimJob(ctx context.Context, req ClaimRequest) (*models.Job, error) {
	scan := req.ScanLimit
	if scan <= 0 {
		scan = defaultScanLimit
	}
	tasks := make([]string, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, string(t))
	}

	// The inner select locks the scan window so concurrent claimants skip
	// each other's candidates instead of racing for the same row.
	row := s.pool.QueryRow(ctx,
		`WITH candidate AS (
		   SELECT c.id FROM (
		     SELECT id, task, proc, mem, enqueue_seq FROM jobs
		     WHERE queue_state = 'queued'
		     ORDER BY enqueue_seq
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		   ) c
		   WHERE c.proc <= $2 AND c.mem <= $3
		     AND (cardinality($4::text[]) = 0 OR c.task = ANY($4::text[]))
		   ORDER BY c.enqueue_seq
		   LIMIT 1
		 )
		 UPDATE jobs SET queue_state = 'claimed', worker_id = $5, key_hash = $6,
		   claimed_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		 FROM candidate WHERE jobs.id = candidate.id
		 RETURNING jobs.id, jobs.task, jobs.args, jobs.rights, jobs.status, jobs.proc, jobs.mem,
		   jobs.user_id, jobs.key_hash, jobs.queue_state, jobs.enqueue_seq, jobs.worker_id,
		   jobs.claimed_at, jobs.heartbeat_at, jobs.version, jobs.created_at, jobs.updated_at`,
		scan, req.Proc, req.Mem, tasks, req.WorkerID, req.KeyHash)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET queue_state = 'queued', worker_id = '', key_hash = '',
		   claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND worker_id = $2 AND queue_state = 'claimed' AND state = 'waiting'`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "jobs", id)
	}
	return nil
}

func (s *PostgresStore) RemoveQueuedJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET queue_state = 'removed', updated_at = NOW()
		 WHERE id = $1 AND queue_state IN ('', 'queued') AND state = 'waiting'`, id)
	if err != nil {
		return fmt.Errorf("remove queued job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "jobs", id)
	}
	return nil
}

func (s *PostgresStore) TouchJob(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = NOW()
		 WHERE id = $1 AND worker_id = $2 AND queue_state = 'claimed'`, id, workerID)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "jobs", id)
	}
	return nil
}

func (s *PostgresStore) ListStaleClaims(ctx context.Context, heartbeatBefore time.Time) ([]*models.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE queue_state = 'claimed' AND heartbeat_at < $1 AND state IN ('waiting', 'running')
		 ORDER BY heartbeat_at`, heartbeatBefore)
}

func (s *PostgresStore) ListClaimedBy(ctx context.Context, workerID string) ([]*models.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE queue_state = 'claimed' AND worker_id = $1 AND state IN ('waiting', 'running')
		 ORDER BY claimed_at`, workerID)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Analyses ---

const analysisColumns = `id, sample_id, workflow, index_id, reference_id, subtraction_id, job_id,
	user_id, ready, results, created_at, updated_at`

func scanAnalysis(row scanner) (*models.Analysis, error) {
	var (
		a        models.Analysis
		workflow string
		results  []byte
	)
	if err := row.Scan(&a.ID, &a.SampleID, &workflow, &a.IndexID, &a.ReferenceID, &a.SubtractionID,
		&a.JobID, &a.UserID, &a.Ready, &results, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Workflow = models.Task(workflow)
	if len(results) > 0 {
		a.Results = json.RawMessage(results)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analyses (`+analysisColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SampleID, string(a.Workflow), a.IndexID, a.ReferenceID, a.SubtractionID, a.JobID,
		a.UserID, a.Ready, nullJSON(a.Results), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAnalysesBySample(ctx context.Context, sampleID string) ([]*models.Analysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE sample_id = $1 ORDER BY created_at, id`, sampleID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*models.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

func (s *PostgresStore) FinalizeAnalysis(ctx context.Context, id string, results json.RawMessage, tags TagFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize analysis: %w", err)
	}
	defer tx.Rollback(ctx)

	var sampleID string
	err = tx.QueryRow(ctx,
		`UPDATE analyses SET results = $2, ready = TRUE, updated_at = NOW()
		 WHERE id = $1 AND NOT ready RETURNING sample_id`,
		id, nullJSON(results)).Scan(&sampleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.conflictOrMissing(ctx, "analyses", id)
	}
	if err != nil {
		return fmt.Errorf("finalize analysis: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE sample_id = $1 ORDER BY created_at, id`, sampleID)
	if err != nil {
		return fmt.Errorf("list analyses: %w", err)
	}
	analyses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Analysis, error) {
		return scanAnalysis(row)
	})
	if err != nil {
		return fmt.Errorf("scan analysis: %w", err)
	}

	nuvs, pathoscope := tags(analyses)
	tag, err := tx.Exec(ctx,
		`UPDATE samples SET nuvs = $2, pathoscope = $3, updated_at = NOW() WHERE id = $1`,
		sampleID, int16(nuvs), int16(pathoscope))
	if err != nil {
		return fmt.Errorf("update sample tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAnalysis(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM analyses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Samples ---

const sampleColumns = `id, name, user_id, library_type, paired, reads, ready, quality, nuvs, pathoscope,
	created_at, updated_at`

func scanSample(row scanner) (*models.Sample, error) {
	var (
		smp              models.Sample
		libraryType      string
		quality          []byte
		nuvs, pathoscope int16
	)
	if err := row.Scan(&smp.ID, &smp.Name, &smp.UserID, &libraryType, &smp.Paired, &smp.Reads, &smp.Ready,
		&quality, &nuvs, &pathoscope, &smp.CreatedAt, &smp.UpdatedAt); err != nil {
		return nil, err
	}
	smp.LibraryType = models.LibraryType(libraryType)
	smp.NuVs = models.WorkflowTag(nuvs)
	smp.Pathoscope = models.WorkflowTag(pathoscope)
	if len(quality) > 0 {
		smp.Quality = json.RawMessage(quality)
	}
	return &smp, nil
}

func (s *PostgresStore) CreateSample(ctx context.Context, smp *models.Sample) error {
	reads := smp.Reads
	if reads == nil {
		reads = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO samples (`+sampleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		smp.ID, smp.Name, smp.UserID, string(smp.LibraryType), smp.Paired, reads, smp.Ready,
		nullJSON(smp.Quality), int16(smp.NuVs), int16(smp.Pathoscope), smp.CreatedAt, smp.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSample(ctx context.Context, id string) (*models.Sample, error) {
	smp, err := scanSample(s.pool.QueryRow(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sample: %w", err)
	}
	return smp, nil
}

func (s *PostgresStore) UpdateSampleTags(ctx context.Context, id string, nuvs, pathoscope models.WorkflowTag) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE samples SET nuvs = $2, pathoscope = $3, updated_at = NOW() WHERE id = $1`,
		id, int16(nuvs), int16(pathoscope))
	if err != nil {
		return fmt.Errorf("update sample tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinalizeSample(ctx context.Context, id string, quality json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE samples SET quality = $2, ready = TRUE, updated_at = NOW() WHERE id = $1 AND NOT ready`,
		id, nullJSON(quality))
	if err != nil {
		return fmt.Errorf("finalize sample: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "samples", id)
	}
	return nil
}

func (s *PostgresStore) CreateUpload(ctx context.Context, u *models.Upload) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, name, user_id, reserved, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.UserID, u.Reserved, u.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*models.Upload, error) {
	var u models.Upload
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, user_id, reserved, created_at FROM uploads WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.UserID, &u.Reserved, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) ReleaseUploads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE uploads SET reserved = FALSE WHERE id = ANY($1::text[])`, ids)
	if err != nil {
		return fmt.Errorf("release uploads: %w", err)
	}
	return nil
}

// --- References ---

func (s *PostgresStore) CreateIndex(ctx context.Context, idx *models.Index) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO indexes (id, reference_id, version, ready, job_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		idx.ID, idx.ReferenceID, idx.Version, idx.Ready, idx.JobID, idx.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIndex(ctx context.Context, id string) (*models.Index, error) {
	var idx models.Index
	err := s.pool.QueryRow(ctx,
		`SELECT id, reference_id, version, ready, job_id, created_at FROM indexes WHERE id = $1`, id,
	).Scan(&idx.ID, &idx.ReferenceID, &idx.Version, &idx.Ready, &idx.JobID, &idx.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}
	return &idx, nil
}

func (s *PostgresStore) ActivateIndex(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE indexes SET ready = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("activate index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateOTUSequence(ctx context.Context, seq *models.OTUSequence) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO otu_sequences (id, reference_id, otu_id, isolate_id, is_default, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		seq.ID, seq.ReferenceID, seq.OTUID, seq.IsolateID, seq.Default, seq.Sequence)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create otu sequence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOTUSequences(ctx context.Context, referenceID string) ([]*models.OTUSequence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, reference_id, otu_id, isolate_id, is_default, sequence FROM otu_sequences
		 WHERE reference_id = $1 ORDER BY otu_id, isolate_id, id`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("list otu sequences: %w", err)
	}
	defer rows.Close()

	seqs := []*models.OTUSequence{}
	for rows.Next() {
		var seq models.OTUSequence
		if err := rows.Scan(&seq.ID, &seq.ReferenceID, &seq.OTUID, &seq.IsolateID, &seq.Default, &seq.Sequence); err != nil {
			return nil, fmt.Errorf("scan otu sequence: %w", err)
		}
		seqs = append(seqs, &seq)
	}
	return seqs, rows.Err()
}

func (s *PostgresStore) CreateSubtraction(ctx context.Context, sub *models.Subtraction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subtractions (id, name, ready, created_at) VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.Name, sub.Ready, sub.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create subtraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubtraction(ctx context.Context, id string) (*models.Subtraction, error) {
	var sub models.Subtraction
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, ready, created_at FROM subtractions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.Name, &sub.Ready, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subtraction: %w", err)
	}
	return &sub, nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, handle, administrator, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Handle, u.Administrator, u.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddUserGrant(ctx context.Context, userID string, r models.Right) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_grants (user_id, object_type, object_id, capability) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		userID, string(r.ObjectType), r.ObjectID, string(r.Capability))
	if err != nil {
		return fmt.Errorf("add user grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserPermissions(ctx context.Context, userID string) (models.UserPermissions, error) {
	perms := models.UserPermissions{UserID: userID, Grants: []models.Right{}}
	err := s.pool.QueryRow(ctx, `SELECT administrator FROM users WHERE id = $1`, userID).Scan(&perms.Administrator)
	if errors.Is(err, pgx.ErrNoRows) {
		return perms, ErrNotFound
	}
	if err != nil {
		return perms, fmt.Errorf("get user: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT object_type, object_id, capability FROM user_grants WHERE user_id = $1
		 ORDER BY object_type, object_id, capability`, userID)
	if err != nil {
		return perms, fmt.Errorf("list user grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var objectType, objectID, capability string
		if err := rows.Scan(&objectType, &objectID, &capability); err != nil {
			return perms, fmt.Errorf("scan user grant: %w", err)
		}
		perms.Grants = append(perms.Grants, models.Right{
			ObjectType: models.ObjectType(objectType),
			ObjectID:   objectID,
			Capability: models.Capability(capability),
		})
	}
	return perms, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, revoked_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, revoked_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// conflictOrMissing explains a conditional update that matched no rows.
// table is always a package constant.
func (s *PostgresStore) conflictOrMissing(ctx context.Context, table string, id any) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s existence: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
