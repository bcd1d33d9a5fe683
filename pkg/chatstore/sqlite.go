package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/stylehive/stylist/pkg/catalog"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript (
			conv_id TEXT NOT NULL,
			role TEXT NOT NULL,
			stage_id INTEGER NOT NULL DEFAULT 0,
			stage_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			references_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_by_conv ON transcript(conv_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) SaveUserMessage(ctx context.Context, convID, text string) error {
	return s.insert(ctx, Entry{ConvID: convID, Role: RoleUser, Text: text})
}

func (s *SQLiteTranscriptStore) SaveStageResult(ctx context.Context, convID string, stageID int, stageName, text string, refs []catalog.ResolvedReference) error {
	return s.insert(ctx, Entry{
		ConvID:     convID,
		Role:       RoleStage,
		StageID:    stageID,
		StageName:  stageName,
		Text:       text,
		References: refs,
	})
}

// SaveStageResults writes every stage row of one batch item inside a single
// transaction so a mid-batch failure leaves no partial transcript.
func (s *SQLiteTranscriptStore) SaveStageResults(ctx context.Context, convID string, results []StageResult) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return errors.New("sqlite transcript store: convID is empty")
	}
	if len(results) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: begin")
	}
	now := time.Now().UnixMilli()
	for _, r := range results {
		refs := r.References
		if refs == nil {
			refs = []catalog.ResolvedReference{}
		}
		refsJSON, err := json.Marshal(refs)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "sqlite transcript store: encode references")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript(conv_id, role, stage_id, stage_name, text, references_json, created_at_ms)
			VALUES(?, ?, ?, ?, ?, ?, ?)
		`, convID, RoleStage, r.StageID, r.StageName, r.Text, string(refsJSON), now); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "sqlite transcript store: insert stage")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite transcript store: commit")
	}
	return nil
}

func (s *SQLiteTranscriptStore) insert(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(e.ConvID) == "" {
		return errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	refs := e.References
	if refs == nil {
		refs = []catalog.ResolvedReference{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: encode references")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcript(conv_id, role, stage_id, stage_name, text, references_json, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, e.ConvID, e.Role, e.StageID, e.StageName, e.Text, string(refsJSON), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: insert")
	}
	return nil
}

func (s *SQLiteTranscriptStore) List(ctx context.Context, convID string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, role, stage_id, stage_name, text, references_json, created_at_ms
		FROM transcript
		WHERE conv_id = ?
		ORDER BY created_at_ms ASC, rowid ASC
		LIMIT ?
	`, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Entry{}
	for rows.Next() {
		var item Entry
		var refsJSON string
		if err := rows.Scan(&item.ConvID, &item.Role, &item.StageID, &item.StageName, &item.Text, &refsJSON, &item.CreatedAtMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refsJSON), &item.References); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: decode references")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// SQLiteDSNForFile builds the WAL-enabled DSN for a transcript database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
