package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded Store holding everything in process. It
// honours the same conditional-update contract as PostgresStore.
type MemoryStore struct {
	mu           sync.Mutex
	seq          int64
	jobs         map[uuid.UUID]*models.Job
	analyses     map[string]*models.Analysis
	samples      map[string]*models.Sample
	uploads      map[string]*models.Upload
	indexes      map[string]*models.Index
	otuSequences map[string]*models.OTUSequence
	subtractions map[string]*models.Subtraction
	users        map[string]*models.User
	grants       map[string][]models.Right
	apiKeys      map[uuid.UUID]*models.APIKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[uuid.UUID]*models.Job),
		analyses:     make(map[string]*models.Analysis),
		samples:      make(map[string]*models.Sample),
		uploads:      make(map[string]*models.Upload),
		indexes:      make(map[string]*models.Index),
		otuSequences: make(map[string]*models.OTUSequence),
		subtractions: make(map[string]*models.Subtraction),
		users:        make(map[string]*models.User),
		grants:       make(map[string][]models.Right),
		apiKeys:      make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Status = append([]models.StatusEntry(nil), j.Status...)
	c.Rights = append([]models.Right(nil), j.Rights...)
	if j.EnqueueSeq != nil {
		seq := *j.EnqueueSeq
		c.EnqueueSeq = &seq
	}
	return &c
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.State != "" && j.State() != filter.State {
			continue
		}
		if filter.Task != "" && j.Task != filter.Task {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() < matched[b].ID.String()
	})

	page, limit := normalizePage(filter.Page, filter.Limit)
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*models.Job, 0, end-start)
	for _, j := range matched[start:end] {
		out = append(out, copyJob(j))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) FindJobIDsByState(_ context.Context, states ...models.JobState) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		for _, st := range states {
			if j.State() == st {
				matched = append(matched, j)
				break
			}
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.Before(matched[b].CreatedAt)
		}
		return matched[a].ID.String() < matched[b].ID.String()
	})
	ids := make([]uuid.UUID, len(matched))
	for i, j := range matched {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, expectedVersion int, status []models.StatusEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	if j.State().Terminal() {
		return 0, ErrTerminal
	}
	if j.Version != expectedVersion {
		return 0, ErrConflict
	}
	j.Status = append([]models.StatusEntry(nil), status...)
	j.Version++
	j.UpdatedAt = time.Now().UTC()
	return j.Version, nil
}

func (s *MemoryStore) EnqueueJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch {
	case j.QueueState == models.QueueStateQueued:
		return nil
	case j.QueueState != models.QueueStateNone || j.State() != models.JobStateWaiting:
		return ErrConflict
	}
	s.seq++
	seq := s.seq
	j.EnqueueSeq = &seq
	j.QueueState = models.QueueStateQueued
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, req ClaimRequest) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*models.Job
	for _, j := range s.jobs {
		if j.QueueState == models.QueueStateQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(a, b int) bool { return *queued[a].EnqueueSeq < *queued[b].EnqueueSeq })

	scan := req.ScanLimit
	if scan <= 0 {
		scan = defaultScanLimit
	}
	if len(queued) > scan {
		queued = queued[:scan]
	}

	for _, j := range queued {
		if !req.Fits(j) {
			continue
		}
		now := time.Now().UTC()
		j.QueueState = models.QueueStateClaimed
		j.WorkerID = req.WorkerID
		j.KeyHash = req.KeyHash
		j.ClaimedAt = &now
		j.HeartbeatAt = &now
		j.UpdatedAt = now
		return copyJob(j), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ReleaseJob(_ context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.QueueState != models.QueueStateClaimed || j.WorkerID != workerID || j.State() != models.JobStateWaiting {
		return ErrConflict
	}
	j.QueueState = models.QueueStateQueued
	j.WorkerID = ""
	j.KeyHash = ""
	j.ClaimedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RemoveQueuedJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if (j.QueueState != models.QueueStateNone && j.QueueState != models.QueueStateQueued) || j.State() != models.JobStateWaiting {
		return ErrConflict
	}
	j.QueueState = models.QueueStateRemoved
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TouchJob(_ context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.QueueState != models.QueueStateClaimed || j.WorkerID != workerID {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

func (s *MemoryStore) ListStaleClaims(_ context.Context, heartbeatBefore time.Time) ([]*models.Job, error) {
	return s.claimed(func(j *models.Job) bool {
		return j.HeartbeatAt != nil && j.HeartbeatAt.Before(heartbeatBefore)
	}), nil
}

func (s *MemoryStore) ListClaimedBy(_ context.Context, workerID string) ([]*models.Job, error) {
	return s.claimed(func(j *models.Job) bool { return j.WorkerID == workerID }), nil
}

func (s *MemoryStore) claimed(match func(*models.Job) bool) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.QueueState == models.QueueStateClaimed && !j.State().Terminal() && match(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ClaimedAt.Before(*out[b].ClaimedAt) })
	return out
}

// SetHeartbeat overrides a job's heartbeat time, standing in for a worker
// that stopped touching it.
func (s *MemoryStore) SetHeartbeat(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.HeartbeatAt = &at
	}
}

// --- Analyses ---

func copyAnalysis(a *models.Analysis) *models.Analysis {
	c := *a
	c.Results = append(json.RawMessage(nil), a.Results...)
	if len(a.Results) == 0 {
		c.Results = nil
	}
	return &c
}

func (s *MemoryStore) CreateAnalysis(_ context.Context, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.analyses[a.ID]; ok {
		return ErrDuplicateKey
	}
	s.analyses[a.ID] = copyAnalysis(a)
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, id string) (*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAnalysis(a), nil
}

func (s *MemoryStore) ListAnalysesBySample(_ context.Context, sampleID string) ([]*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Analysis{}
	for _, a := range s.analyses {
		if a.SampleID == sampleID {
			out = append(out, copyAnalysis(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FinalizeAnalysis(_ context.Context, id string, results json.RawMessage, tags TagFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if a.Ready {
		return ErrConflict
	}
	smp, ok := s.samples[a.SampleID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	var siblings []*models.Analysis
	for _, other := range s.analyses {
		if other.SampleID != a.SampleID {
			continue
		}
		c := copyAnalysis(other)
		if other.ID == id {
			c.Ready = true
		}
		siblings = append(siblings, c)
	}

	a.Results = append(json.RawMessage(nil), results...)
	a.Ready = true
	a.UpdatedAt = now
	smp.NuVs, smp.Pathoscope = tags(siblings)
	smp.UpdatedAt = now
	return nil
}

func (s *MemoryStore) DeleteAnalysis(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.analyses[id]; !ok {
		return ErrNotFound
	}
	delete(s.analyses, id)
	return nil
}

// --- Samples ---

func copySample(smp *models.Sample) *models.Sample {
	c := *smp
	c.Reads = append([]string(nil), smp.Reads...)
	return &c
}

func (s *MemoryStore) CreateSample(_ context.Context, smp *models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[smp.ID]; ok {
		return ErrDuplicateKey
	}
	s.samples[smp.ID] = copySample(smp)
	return nil
}

func (s *MemoryStore) GetSample(_ context.Context, id string) (*models.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp, ok := s.samples[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySample(smp), nil
}

func (s *MemoryStore) UpdateSampleTags(_ context.Context, id string, nuvs, pathoscope models.WorkflowTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp, ok := s.samples[id]
	if !ok {
		return ErrNotFound
	}
	smp.NuVs = nuvs
	smp.Pathoscope = pathoscope
	smp.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinalizeSample(_ context.Context, id string, quality json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp, ok := s.samples[id]
	if !ok {
		return ErrNotFound
	}
	if smp.Ready {
		return ErrConflict
	}
	smp.Quality = append(json.RawMessage(nil), quality...)
	smp.Ready = true
	smp.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateUpload(_ context.Context, u *models.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; ok {
		return ErrDuplicateKey
	}
	c := *u
	s.uploads[u.ID] = &c
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, id string) (*models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) ReleaseUploads(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if u, ok := s.uploads[id]; ok {
			u.Reserved = false
		}
	}
	return nil
}

// --- References ---

func (s *MemoryStore) CreateIndex(_ context.Context, idx *models.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[idx.ID]; ok {
		return ErrDuplicateKey
	}
	c := *idx
	s.indexes[idx.ID] = &c
	return nil
}

func (s *MemoryStore) GetIndex(_ context.Context, id string) (*models.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *idx
	return &c, nil
}

func (s *MemoryStore) ActivateIndex(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[id]
	if !ok {
		return ErrNotFound
	}
	idx.Ready = true
	return nil
}

func (s *MemoryStore) CreateOTUSequence(_ context.Context, seq *models.OTUSequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.otuSequences[seq.ID]; ok {
		return ErrDuplicateKey
	}
	c := *seq
	s.otuSequences[seq.ID] = &c
	return nil
}

func (s *MemoryStore) ListOTUSequences(_ context.Context, referenceID string) ([]*models.OTUSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.OTUSequence{}
	for _, seq := range s.otuSequences {
		if seq.ReferenceID == referenceID {
			c := *seq
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OTUID != b.OTUID {
			return a.OTUID < b.OTUID
		}
		if a.IsolateID != b.IsolateID {
			return a.IsolateID < b.IsolateID
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *MemoryStore) CreateSubtraction(_ context.Context, sub *models.Subtraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subtractions[sub.ID]; ok {
		return ErrDuplicateKey
	}
	c := *sub
	s.subtractions[sub.ID] = &c
	return nil
}

func (s *MemoryStore) GetSubtraction(_ context.Context, id string) (*models.Subtraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtractions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sub
	return &c, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.users {
		if existing.Handle == u.Handle {
			return ErrDuplicateKey
		}
	}
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *MemoryStore) AddUserGrant(_ context.Context, userID string, r models.Right) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	for _, g := range s.grants[userID] {
		if g == r {
			return nil
		}
	}
	s.grants[userID] = append(s.grants[userID], r)
	return nil
}

func (s *MemoryStore) GetUserPermissions(_ context.Context, userID string) (models.UserPermissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := models.UserPermissions{UserID: userID, Grants: []models.Right{}}
	u, ok := s.users[userID]
	if !ok {
		return perms, ErrNotFound
	}
	perms.Administrator = u.Administrator
	perms.Grants = append(perms.Grants, s.grants[userID]...)
	return perms, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.Active() {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, userID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.Active() {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID || !k.Active() {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	k.UpdatedAt = now
	return nil
}
