// Package chatstore persists chat transcripts: the user's messages and the
// final text + references of each completed stage. Entries are write-once and
// ordered by creation time within a conversation.
package chatstore

import (
	"context"

	"github.com/stylehive/stylist/pkg/catalog"
)

const (
	RoleUser  = "user"
	RoleStage = "stage"
)

// Entry is one persisted transcript record.
type Entry struct {
	ConvID      string                      `json:"conv_id"`
	Role        string                      `json:"role"`
	StageID     int                         `json:"stage_id,omitempty"`
	StageName   string                      `json:"stage_name,omitempty"`
	Text        string                      `json:"text"`
	References  []catalog.ResolvedReference `json:"references,omitempty"`
	CreatedAtMs int64                       `json:"created_at_ms"`
}

// StageResult is one completed stage to persist.
type StageResult struct {
	StageID    int
	StageName  string
	Text       string
	References []catalog.ResolvedReference
}

// TranscriptStore is the persistence boundary of the pipeline.
// SaveStageResults is atomic: either every stage row lands or none does.
type TranscriptStore interface {
	SaveUserMessage(ctx context.Context, convID, text string) error
	SaveStageResult(ctx context.Context, convID string, stageID int, stageName, text string, refs []catalog.ResolvedReference) error
	SaveStageResults(ctx context.Context, convID string, results []StageResult) error
	List(ctx context.Context, convID string, limit int) ([]Entry, error)
	Close() error
}
