package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/stylehive/stylist/pkg/catalog"
)

// MemoryTranscriptStore keeps transcripts in process. Used in tests and when
// no database path is configured.
type MemoryTranscriptStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

var _ TranscriptStore = &MemoryTranscriptStore{}

func NewMemoryTranscriptStore() *MemoryTranscriptStore {
	return &MemoryTranscriptStore{entries: map[string][]Entry{}}
}

func (s *MemoryTranscriptStore) SaveUserMessage(_ context.Context, convID, text string) error {
	s.append(Entry{ConvID: convID, Role: RoleUser, Text: text, CreatedAtMs: time.Now().UnixMilli()})
	return nil
}

func (s *MemoryTranscriptStore) SaveStageResult(_ context.Context, convID string, stageID int, stageName, text string, refs []catalog.ResolvedReference) error {
	s.append(Entry{
		ConvID:      convID,
		Role:        RoleStage,
		StageID:     stageID,
		StageName:   stageName,
		Text:        text,
		References:  append([]catalog.ResolvedReference(nil), refs...),
		CreatedAtMs: time.Now().UnixMilli(),
	})
	return nil
}

func (s *MemoryTranscriptStore) SaveStageResults(_ context.Context, convID string, results []StageResult) error {
	entries := make([]Entry, 0, len(results))
	now := time.Now().UnixMilli()
	for _, r := range results {
		entries = append(entries, Entry{
			ConvID:      convID,
			Role:        RoleStage,
			StageID:     r.StageID,
			StageName:   r.StageName,
			Text:        r.Text,
			References:  append([]catalog.ResolvedReference(nil), r.References...),
			CreatedAtMs: now,
		})
	}
	s.mu.Lock()
	s.entries[convID] = append(s.entries[convID], entries...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTranscriptStore) List(_ context.Context, convID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.entries[convID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]Entry(nil), items...), nil
}

func (s *MemoryTranscriptStore) Close() error { return nil }

func (s *MemoryTranscriptStore) append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ConvID] = append(s.entries[e.ConvID], e)
}
