package jobstore

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used by orchestrator and worker tests that
// need fast, deterministic job state without touching disk.
type MemStore struct {
	mu          sync.Mutex
	jobs        map[string]Job
	descriptors map[string]map[int]ChunkDescriptor
	artifacts   map[string]map[int]TranslatedChunkArtifact
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:        make(map[string]Job),
		descriptors: make(map[string]map[int]ChunkDescriptor),
		artifacts:   make(map[string]map[int]TranslatedChunkArtifact),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateJob(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := j
	return &cp, nil
}

func (s *MemStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *MemStore) ListJobsByState(ctx context.Context, state JobState) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, j := range s.jobs {
		if j.State == state {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *MemStore) TransitionState(ctx context.Context, id string, from, to JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != from {
		return ErrConflict
	}
	j.State = to
	s.jobs[id] = j
	return nil
}

func (s *MemStore) BeginTranslation(ctx context.Context, id string, targetLanguage, tone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != Uploaded {
		return ErrConflict
	}
	j.TargetLanguage = targetLanguage
	j.Tone = tone
	j.State = Chunking
	j.UpdatedAt = nowISO()
	s.jobs[id] = j
	return nil
}

func (s *MemStore) SetChunkingResult(ctx context.Context, id string, totalChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != Chunking {
		return ErrConflict
	}
	j.State = Chunked
	j.TotalChunks = totalChunks
	j.TranslatedChunks = 0
	s.jobs[id] = j
	return nil
}

func (s *MemStore) FailJob(ctx context.Context, id string, to JobState, errDesc ErrorDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.State = to
	ed := errDesc
	j.Error = &ed
	s.jobs[id] = j
	return nil
}

func (s *MemStore) FinalizeCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := nowISO()
	j.State = Completed
	j.TranslatedChunks = j.TotalChunks
	j.UpdatedAt = now
	j.CompletedAt = &now
	s.jobs[id] = j
	return nil
}

func (s *MemStore) CreditChunk(ctx context.Context, artifact TranslatedChunkArtifact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[artifact.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if s.artifacts[artifact.JobID] == nil {
		s.artifacts[artifact.JobID] = make(map[int]TranslatedChunkArtifact)
	}
	if _, already := s.artifacts[artifact.JobID][artifact.Index]; already {
		return false, nil
	}
	s.artifacts[artifact.JobID][artifact.Index] = artifact
	j.TranslatedChunks++
	j.InputTokens += int64(artifact.InputTokens)
	j.OutputTokens += int64(artifact.OutputTokens)
	s.jobs[artifact.JobID] = j
	return true, nil
}

func (s *MemStore) CreditedChunkIndices(ctx context.Context, jobID string) (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make(map[int]bool)
	for idx := range s.artifacts[jobID] {
		indices[idx] = true
	}
	return indices, nil
}

func (s *MemStore) PutChunkDescriptors(ctx context.Context, descriptors []ChunkDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range descriptors {
		if s.descriptors[d.JobID] == nil {
			s.descriptors[d.JobID] = make(map[int]ChunkDescriptor)
		}
		s.descriptors[d.JobID][d.Index] = d
	}
	return nil
}

func (s *MemStore) GetChunkDescriptor(ctx context.Context, jobID string, index int) (*ChunkDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[jobID][index]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d
	return &cp, nil
}

func (s *MemStore) ListChunkDescriptors(ctx context.Context, jobID string) ([]ChunkDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var descriptors []ChunkDescriptor
	for _, d := range s.descriptors[jobID] {
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
