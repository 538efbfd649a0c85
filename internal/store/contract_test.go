package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
	"golang.org/x/sync/errgroup"
)

// runContract exercises the behaviour every Store implementation shares.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("JobRoundtrip", func(t *testing.T) { testJobRoundtrip(t, newStore(t)) })
	t.Run("UpdateJobStatus", func(t *testing.T) { testUpdateJobStatus(t, newStore(t)) })
	t.Run("EnqueueIdempotent", func(t *testing.T) { testEnqueueIdempotent(t, newStore(t)) })
	t.Run("ClaimFIFO", func(t *testing.T) { testClaimFIFO(t, newStore(t)) })
	t.Run("ClaimResourceSkip", func(t *testing.T) { testClaimResourceSkip(t, newStore(t)) })
	t.Run("ClaimScanLimit", func(t *testing.T) { testClaimScanLimit(t, newStore(t)) })
	t.Run("ClaimTaskFilter", func(t *testing.T) { testClaimTaskFilter(t, newStore(t)) })
	t.Run("ClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("RemoveQueued", func(t *testing.T) { testRemoveQueued(t, newStore(t)) })
	t.Run("Heartbeats", func(t *testing.T) { testHeartbeats(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("FindJobIDsByState", func(t *testing.T) { testFindJobIDsByState(t, newStore(t)) })
	t.Run("Analyses", func(t *testing.T) { testAnalyses(t, newStore(t)) })
	t.Run("Samples", func(t *testing.T) { testSamples(t, newStore(t)) })
	t.Run("References", func(t *testing.T) { testReferences(t, newStore(t)) })
	t.Run("UserPermissions", func(t *testing.T) { testUserPermissions(t, newStore(t)) })
}

func buildIndexArgs() map[string]any {
	return map[string]any{"index_id": "idx-" + uuid.NewString()[:8], "reference_id": "ref1"}
}

func newJob(t *testing.T, s store.Store, task models.Task, proc, mem int) *models.Job {
	t.Helper()
	args := buildIndexArgs()
	if task != models.TaskBuildIndex {
		args = map[string]any{"sample_id": "s1", "analysis_id": uuid.NewString(), "index_id": "i1", "reference_id": "r1"}
	}
	j, err := job.New(task, args, "bob", nil, proc, mem)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func enqueued(t *testing.T, s store.Store, task models.Task, proc, mem int) *models.Job {
	t.Helper()
	j := newJob(t, s, task, proc, mem)
	require.NoError(t, s.EnqueueJob(context.Background(), j.ID))
	return j
}

func claim(s store.Store, proc, mem int) (*models.Job, error) {
	return s.ClaimJob(context.Background(), store.ClaimRequest{WorkerID: "w1", Proc: proc, Mem: mem, ScanLimit: 10, KeyHash: "hash"})
}

func testJobRoundtrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	rights := []models.Right{{ObjectType: models.ObjectSample, ObjectID: "s1", Capability: models.CapabilityRead}}
	j, err := job.New(models.TaskNuVs, map[string]any{
		"sample_id": "s1", "analysis_id": "a1", "index_id": "i1", "reference_id": "r1",
	}, "bob", rights, 2, 8)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, j))
	assert.ErrorIs(t, s.CreateJob(ctx, j), store.ErrDuplicateKey)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, models.TaskNuVs, got.Task)
	assert.Equal(t, "s1", got.Args["sample_id"])
	assert.Equal(t, rights, got.Rights)
	require.Len(t, got.Status, 1)
	assert.Equal(t, models.JobStateWaiting, got.State())
	assert.Equal(t, models.QueueStateNone, got.QueueState)
	assert.Equal(t, 2, got.Proc)
	assert.Equal(t, 8, got.Mem)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateJobStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob(t, s, models.TaskBuildIndex, 1, 1)

	running, err := job.AppendStatus(j, models.JobStateRunning, "make_index_dir", 0, nil)
	require.NoError(t, err)
	v, err := s.UpdateJobStatus(ctx, j.ID, j.Version, running.Status)
	require.NoError(t, err)
	assert.Equal(t, j.Version+1, v)

	// A writer holding the old version loses.
	_, err = s.UpdateJobStatus(ctx, j.ID, j.Version, running.Status)
	assert.ErrorIs(t, err, store.ErrConflict)

	running.Version = v
	done, err := job.AppendStatus(running, models.JobStateComplete, "make_index_dir", 1, nil)
	require.NoError(t, err)
	v, err = s.UpdateJobStatus(ctx, j.ID, v, done.Status)
	require.NoError(t, err)

	_, err = s.UpdateJobStatus(ctx, j.ID, v, done.Status)
	assert.ErrorIs(t, err, store.ErrTerminal)

	_, err = s.UpdateJobStatus(ctx, uuid.New(), 0, done.Status)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateComplete, got.State())
	assert.Len(t, got.Status, 3)
	assert.Equal(t, v, got.Version)
}

func testEnqueueIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	require.NoError(t, s.EnqueueJob(ctx, j.ID))

	first, err := claim(s, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, j.ID, first.ID)

	_, err = claim(s, 4, 4)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.EnqueueJob(ctx, j.ID), store.ErrConflict)
	assert.ErrorIs(t, s.EnqueueJob(ctx, uuid.New()), store.ErrNotFound)
}

func testClaimFIFO(t *testing.T, s store.Store) {
	a := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	b := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	c := enqueued(t, s, models.TaskBuildIndex, 1, 1)

	for _, want := range []*models.Job{a, b, c} {
		got, err := claim(s, 4, 4)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, models.QueueStateClaimed, got.QueueState)
		assert.Equal(t, "w1", got.WorkerID)
		assert.Equal(t, "hash", got.KeyHash)
		assert.NotNil(t, got.ClaimedAt)
	}
	_, err := claim(s, 4, 4)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimResourceSkip(t *testing.T, s store.Store) {
	big := enqueued(t, s, models.TaskNuVs, 8, 64)
	small := enqueued(t, s, models.TaskBuildIndex, 2, 4)

	got, err := claim(s, 4, 16)
	require.NoError(t, err)
	assert.Equal(t, small.ID, got.ID)

	_, err = claim(s, 4, 16)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err = claim(s, 8, 64)
	require.NoError(t, err)
	assert.Equal(t, big.ID, got.ID)
}

func testClaimScanLimit(t *testing.T, s store.Store) {
	for i := 0; i < 3; i++ {
		enqueued(t, s, models.TaskNuVs, 16, 128)
	}
	small := enqueued(t, s, models.TaskBuildIndex, 1, 1)

	req := store.ClaimRequest{WorkerID: "w1", Proc: 2, Mem: 2, ScanLimit: 3}
	_, err := s.ClaimJob(context.Background(), req)
	assert.ErrorIs(t, err, store.ErrNotFound)

	req.ScanLimit = 4
	got, err := s.ClaimJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, small.ID, got.ID)
}

func testClaimTaskFilter(t *testing.T, s store.Store) {
	enqueued(t, s, models.TaskNuVs, 1, 1)
	idx := enqueued(t, s, models.TaskBuildIndex, 1, 1)

	got, err := s.ClaimJob(context.Background(), store.ClaimRequest{
		WorkerID: "w1", Proc: 4, Mem: 4, ScanLimit: 10, Tasks: []models.Task{models.TaskBuildIndex},
	})
	require.NoError(t, err)
	assert.Equal(t, idx.ID, got.ID)
}

func testClaimConcurrent(t *testing.T, s store.Store) {
	const jobs = 30
	for i := 0; i < jobs; i++ {
		enqueued(t, s, models.TaskBuildIndex, 1, 1)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]string{}

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		workerID := uuid.NewString()
		g.Go(func() error {
			for {
				j, err := s.ClaimJob(ctx, store.ClaimRequest{WorkerID: workerID, Proc: 1, Mem: 1, ScanLimit: 5})
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				if prev, dup := seen[j.ID]; dup {
					mu.Unlock()
					return errors.New("job " + j.ID.String() + " claimed by " + prev + " and " + workerID)
				}
				seen[j.ID] = workerID
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, jobs)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	second := enqueued(t, s, models.TaskBuildIndex, 1, 1)

	got, err := claim(s, 1, 1)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	assert.ErrorIs(t, s.ReleaseJob(ctx, first.ID, "someone-else"), store.ErrConflict)
	require.NoError(t, s.ReleaseJob(ctx, first.ID, "w1"))

	released, err := s.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateQueued, released.QueueState)
	assert.Empty(t, released.WorkerID)
	assert.Empty(t, released.KeyHash)

	// The released job keeps its place ahead of later jobs.
	got, err = claim(s, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	running, err := job.AppendStatus(got, models.JobStateRunning, "make_index_dir", 0, nil)
	require.NoError(t, err)
	_, err = s.UpdateJobStatus(ctx, got.ID, got.Version, running.Status)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ReleaseJob(ctx, first.ID, "w1"), store.ErrConflict)

	got, err = claim(s, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func testRemoveQueued(t *testing.T, s store.Store) {
	ctx := context.Background()
	queued := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	unqueued := newJob(t, s, models.TaskBuildIndex, 1, 1)

	require.NoError(t, s.RemoveQueuedJob(ctx, queued.ID))
	require.NoError(t, s.RemoveQueuedJob(ctx, unqueued.ID))
	_, err := claim(s, 1, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.EnqueueJob(ctx, unqueued.ID), store.ErrConflict)

	claimed := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	_, err = claim(s, 1, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, s.RemoveQueuedJob(ctx, claimed.ID), store.ErrConflict)
	assert.ErrorIs(t, s.RemoveQueuedJob(ctx, uuid.New()), store.ErrNotFound)
}

func testHeartbeats(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := enqueued(t, s, models.TaskBuildIndex, 1, 1)
	_, err := claim(s, 1, 1)
	require.NoError(t, err)

	require.NoError(t, s.TouchJob(ctx, j.ID, "w1"))
	assert.ErrorIs(t, s.TouchJob(ctx, j.ID, "w2"), store.ErrConflict)

	stale, err := s.ListStaleClaims(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.ListStaleClaims(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, j.ID, stale[0].ID)

	mine, err := s.ListClaimedBy(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	others, err := s.ListClaimedBy(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		newJob(t, s, models.TaskBuildIndex, 1, 1)
	}
	nuvs := newJob(t, s, models.TaskNuVs, 1, 1)

	all, total, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, all, 6)

	page, total, err := s.ListJobs(ctx, store.JobFilter{Page: 2, Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, page, 2)

	filtered, total, err := s.ListJobs(ctx, store.JobFilter{Task: models.TaskNuVs, UserID: "bob", State: models.JobStateWaiting})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, filtered, 1)
	assert.Equal(t, nuvs.ID, filtered[0].ID)
}

func testFindJobIDsByState(t *testing.T, s store.Store) {
	ctx := context.Background()
	waiting := newJob(t, s, models.TaskBuildIndex, 1, 1)
	running := newJob(t, s, models.TaskBuildIndex, 1, 1)

	next, err := job.AppendStatus(running, models.JobStateRunning, "make_index_dir", 0, nil)
	require.NoError(t, err)
	_, err = s.UpdateJobStatus(ctx, running.ID, running.Version, next.Status)
	require.NoError(t, err)

	ids, err := s.FindJobIDsByState(ctx, models.JobStateWaiting)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{waiting.ID}, ids)

	ids, err = s.FindJobIDsByState(ctx, models.JobStateWaiting, models.JobStateRunning)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{waiting.ID, running.ID}, ids)
}

func testAnalyses(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateSample(ctx, &models.Sample{ID: "s1", Name: "S1", UserID: "bob", LibraryType: models.LibraryNormal, CreatedAt: now, UpdatedAt: now}))

	for i, id := range []string{"a1", "a2"} {
		require.NoError(t, s.CreateAnalysis(ctx, &models.Analysis{
			ID: id, SampleID: "s1", Workflow: models.TaskNuVs, IndexID: "i1", ReferenceID: "r1",
			UserID: "bob", CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}))
	}

	var seen []*models.Analysis
	tags := func(analyses []*models.Analysis) (models.WorkflowTag, models.WorkflowTag) {
		seen = analyses
		return models.TagReady, models.TagPending
	}

	results := json.RawMessage(`{"sequences":[{"index":0}]}`)
	require.NoError(t, s.FinalizeAnalysis(ctx, "a1", results, tags))
	assert.ErrorIs(t, s.FinalizeAnalysis(ctx, "a1", results, tags), store.ErrConflict)
	assert.ErrorIs(t, s.FinalizeAnalysis(ctx, "missing", results, tags), store.ErrNotFound)

	// The tag function sees the analysis as already ready.
	require.Len(t, seen, 2)
	for _, a := range seen {
		assert.Equal(t, a.ID == "a1", a.Ready, a.ID)
	}

	a, err := s.GetAnalysis(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.Ready)
	assert.JSONEq(t, string(results), string(a.Results))

	smp, err := s.GetSample(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.TagReady, smp.NuVs)
	assert.Equal(t, models.TagPending, smp.Pathoscope)

	list, err := s.ListAnalysesBySample(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID)
	assert.False(t, list[1].Ready)
	assert.Nil(t, list[1].Results)

	require.NoError(t, s.DeleteAnalysis(ctx, "a2"))
	assert.ErrorIs(t, s.DeleteAnalysis(ctx, "a2"), store.ErrNotFound)
}

func testSamples(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateUpload(ctx, &models.Upload{ID: "u1", Name: "reads_1.fq.gz", UserID: "bob", Reserved: true, CreatedAt: now}))
	require.NoError(t, s.CreateSample(ctx, &models.Sample{
		ID: "s1", Name: "S1", UserID: "bob", LibraryType: models.LibrarySRNA, Reads: []string{"reads_1.fq.gz"},
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, s.UpdateSampleTags(ctx, "s1", models.TagReady, models.TagPending))
	assert.ErrorIs(t, s.UpdateSampleTags(ctx, "nope", models.TagNone, models.TagNone), store.ErrNotFound)

	quality := json.RawMessage(`{"count":100}`)
	require.NoError(t, s.FinalizeSample(ctx, "s1", quality))
	assert.ErrorIs(t, s.FinalizeSample(ctx, "s1", quality), store.ErrConflict)

	smp, err := s.GetSample(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.TagReady, smp.NuVs)
	assert.Equal(t, models.TagPending, smp.Pathoscope)
	assert.Equal(t, models.LibrarySRNA, smp.LibraryType)
	assert.Equal(t, []string{"reads_1.fq.gz"}, smp.Reads)
	assert.True(t, smp.Ready)
	assert.JSONEq(t, `{"count":100}`, string(smp.Quality))

	require.NoError(t, s.ReleaseUploads(ctx, []string{"u1"}))
	u, err := s.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Reserved)
}

func testReferences(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateIndex(ctx, &models.Index{ID: "i1", ReferenceID: "r1", Version: 3, CreatedAt: now}))
	require.NoError(t, s.ActivateIndex(ctx, "i1"))
	assert.ErrorIs(t, s.ActivateIndex(ctx, "i9"), store.ErrNotFound)
	idx, err := s.GetIndex(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, idx.Ready)
	assert.Equal(t, 3, idx.Version)

	for _, seq := range []*models.OTUSequence{
		{ID: "q2", ReferenceID: "r1", OTUID: "otu2", IsolateID: "iso1", Default: true, Sequence: "ACGT"},
		{ID: "q1", ReferenceID: "r1", OTUID: "otu1", IsolateID: "iso1", Default: true, Sequence: "GGCC"},
		{ID: "q3", ReferenceID: "r2", OTUID: "otu3", IsolateID: "iso1", Sequence: "TTTT"},
	} {
		require.NoError(t, s.CreateOTUSequence(ctx, seq))
	}
	seqs, err := s.ListOTUSequences(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	assert.Equal(t, "q1", seqs[0].ID)

	require.NoError(t, s.CreateSubtraction(ctx, &models.Subtraction{ID: "sub1", Name: "Arabidopsis", Ready: true, CreatedAt: now}))
	sub, err := s.GetSubtraction(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, "Arabidopsis", sub.Name)
	_, err = s.GetSubtraction(ctx, "sub2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUserPermissions(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "bob", Handle: "bob", CreatedAt: now}))

	grant := models.Right{ObjectType: models.ObjectSample, ObjectID: models.WildcardID, Capability: models.CapabilityRead}
	require.NoError(t, s.AddUserGrant(ctx, "bob", grant))
	require.NoError(t, s.AddUserGrant(ctx, "bob", grant))

	perms, err := s.GetUserPermissions(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", perms.UserID)
	assert.False(t, perms.Administrator)
	assert.Equal(t, []models.Right{grant}, perms.Grants)

	_, err = s.GetUserPermissions(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
