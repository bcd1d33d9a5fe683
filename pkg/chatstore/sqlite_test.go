package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stylehive/stylist/pkg/catalog"
)

func newTestSQLiteStore(t *testing.T) *SQLiteTranscriptStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUserMessage(ctx, "c1", "what should I wear"))
	require.NoError(t, s.SaveStageResult(ctx, "c1", 0, "style", "Try a navy coat", []catalog.ResolvedReference{
		{ReferenceID: "P1", DisplayURL: "https://cdn.example/p1.jpg"},
	}))
	require.NoError(t, s.SaveStageResult(ctx, "c1", 1, "color", "Earth tones", nil))
	require.NoError(t, s.SaveUserMessage(ctx, "other", "unrelated"))

	entries, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, RoleUser, entries[0].Role)
	require.Equal(t, "what should I wear", entries[0].Text)

	require.Equal(t, RoleStage, entries[1].Role)
	require.Equal(t, "style", entries[1].StageName)
	require.Len(t, entries[1].References, 1)
	require.Equal(t, "P1", entries[1].References[0].ReferenceID)

	require.Equal(t, "color", entries[2].StageName)
	require.Empty(t, entries[2].References)
}

func TestSQLiteStoreSaveStageResultsBatch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveStageResults(ctx, "c1", []StageResult{
		{StageID: 0, StageName: "style", Text: "Try a navy coat", References: []catalog.ResolvedReference{
			{ReferenceID: "P1", DisplayURL: "https://cdn.example/p1.jpg"},
		}},
		{StageID: 1, StageName: "color", Text: "Earth tones"},
	}))

	entries, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "style", entries[0].StageName)
	require.Len(t, entries[0].References, 1)
	require.Equal(t, "color", entries[1].StageName)
	require.Empty(t, entries[1].References)
}

func TestSQLiteStoreSaveStageResultsEmptyBatch(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.SaveStageResults(context.Background(), "c1", nil))
	entries, err := s.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSQLiteStoreListLimit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveUserMessage(ctx, "c1", "msg"))
	}
	entries, err := s.List(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSQLiteStoreRejectsEmptyConvID(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.Error(t, s.SaveUserMessage(context.Background(), "", "msg"))
	_, err := s.List(context.Background(), " ", 0)
	require.Error(t, err)
}

func TestMemoryStoreOrderAndLimit(t *testing.T) {
	s := NewMemoryTranscriptStore()
	ctx := context.Background()
	require.NoError(t, s.SaveUserMessage(ctx, "c1", "first"))
	require.NoError(t, s.SaveStageResult(ctx, "c1", 0, "style", "second", nil))

	entries, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Text)
	require.Equal(t, "second", entries[1].Text)

	entries, err = s.List(ctx, "c1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMemoryStoreSaveStageResultsBatch(t *testing.T) {
	s := NewMemoryTranscriptStore()
	ctx := context.Background()

	require.NoError(t, s.SaveStageResults(ctx, "c1", []StageResult{
		{StageID: 0, StageName: "style", Text: "first"},
		{StageID: 1, StageName: "color", Text: "second"},
	}))

	entries, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, RoleStage, entries[0].Role)
	require.Equal(t, "first", entries[0].Text)
	require.Equal(t, "second", entries[1].Text)
}
