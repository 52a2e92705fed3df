package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// SQLiteStore implements Store on a single SQLite database.
// Rows keep the queryable columns alongside the full JSON document.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing SQLiteStore at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			logging.StoreError("Failed to create directory for %s: %v", path, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.Store("SQLiteStore ready")
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fragments (
		story_id TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		PRIMARY KEY(story_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_type ON fragments(story_id, type);

	CREATE TABLE IF NOT EXISTS analyses (
		story_id TEXT NOT NULL,
		id TEXT NOT NULL,
		fragment_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY(story_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_fragment ON analyses(story_id, fragment_id, created_at);

	CREATE TABLE IF NOT EXISTS agent_runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_story ON agent_runs(story_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanJSON(row *sql.Row, v any) (bool, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("failed to decode row: %w", err)
	}
	return true, nil
}

// GetStory returns the story metadata, or nil if absent.
func (s *SQLiteStore) GetStory(ctx context.Context, storyID string) (*types.StoryMeta, error) {
	var meta types.StoryMeta
	found, err := scanJSON(s.db.QueryRowContext(ctx, `SELECT data FROM stories WHERE id = ?`, storyID), &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load story %s: %w", storyID, err)
	}
	if !found {
		return nil, nil
	}
	return &meta, nil
}

// SaveStory upserts story metadata.
func (s *SQLiteStore) SaveStory(ctx context.Context, story *types.StoryMeta) error {
	if err := checkID("story", story.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	data, err := json.Marshal(story)
	if err != nil {
		return fmt.Errorf("failed to marshal story: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stories (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		story.ID, string(data), now)
	if err != nil {
		return fmt.Errorf("failed to save story %s: %w", story.ID, err)
	}
	logging.StoreDebug("Saved story %s", story.ID)
	return nil
}

// ListStories returns every story ordered by id.
func (s *SQLiteStore) ListStories(ctx context.Context) ([]types.StoryMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM stories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var out []types.StoryMeta
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var meta types.StoryMeta
		if err := json.Unmarshal([]byte(data), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode story: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// GetFragment returns a fragment, or nil if absent.
func (s *SQLiteStore) GetFragment(ctx context.Context, storyID, fragmentID string) (*types.Fragment, error) {
	var f types.Fragment
	found, err := scanJSON(s.db.QueryRowContext(ctx,
		`SELECT data FROM fragments WHERE story_id = ? AND id = ?`, storyID, fragmentID), &f)
	if err != nil {
		return nil, fmt.Errorf("failed to load fragment %s: %w", fragmentID, err)
	}
	if !found {
		return nil, nil
	}
	return &f, nil
}

// ListFragments returns the story's fragments ordered by order, then creation time.
func (s *SQLiteStore) ListFragments(ctx context.Context, storyID string, opts ListOptions) ([]types.Fragment, error) {
	query := `SELECT data FROM fragments WHERE story_id = ?`
	args := []any{storyID}
	if opts.Type != "" {
		query += ` AND type = ?`
		args = append(args, opts.Type)
	}
	if !opts.IncludeArchived {
		query += ` AND archived = 0`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	var out []types.Fragment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f types.Fragment
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("failed to decode fragment: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortFragments(out)
	return out, nil
}

// SaveFragment upserts a fragment, keeping a version history of text changes.
func (s *SQLiteStore) SaveFragment(ctx context.Context, storyID string, f *types.Fragment) error {
	if err := checkID("story", storyID); err != nil {
		return err
	}
	if err := checkID("fragment", f.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	prev, err := s.GetFragment(ctx, storyID, f.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		f.CreatedAt = prev.CreatedAt
		bumpVersion(prev, f)
	} else {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.Version == 0 {
			f.Version = 1
		}
	}
	f.UpdatedAt = now

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fragments (story_id, id, type, archived, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(story_id, id) DO UPDATE SET type = excluded.type, archived = excluded.archived, data = excluded.data`,
		storyID, f.ID, f.Type, f.Archived, string(data))
	if err != nil {
		return fmt.Errorf("failed to save fragment %s: %w", f.ID, err)
	}
	logging.StoreDebug("Saved fragment %s/%s (v%d)", storyID, f.ID, f.Version)
	return nil
}

// SaveAnalysis stores an analysis record. The latest-per-fragment lookup is a
// query, so there is no separate index to maintain.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, storyID string, a *types.LibrarianAnalysis) error {
	if err := checkID("analysis", a.ID); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analyses (story_id, id, fragment_id, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		storyID, a.ID, a.FragmentID, a.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save analysis %s: %w", a.ID, err)
	}
	logging.Store("Saved analysis %s for fragment %s", a.ID, a.FragmentID)
	return nil
}

// GetAnalysis returns one analysis, or nil if absent.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, storyID, analysisID string) (*types.LibrarianAnalysis, error) {
	var a types.LibrarianAnalysis
	found, err := scanJSON(s.db.QueryRowContext(ctx,
		`SELECT data FROM analyses WHERE story_id = ? AND id = ?`, storyID, analysisID), &a)
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis %s: %w", analysisID, err)
	}
	if !found {
		return nil, nil
	}
	return &a, nil
}

// LatestAnalysis returns the newest analysis for a fragment, or nil.
func (s *SQLiteStore) LatestAnalysis(ctx context.Context, storyID, fragmentID string) (*types.LibrarianAnalysis, error) {
	var a types.LibrarianAnalysis
	found, err := scanJSON(s.db.QueryRowContext(ctx,
		`SELECT data FROM analyses WHERE story_id = ? AND fragment_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, storyID, fragmentID), &a)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest analysis for %s: %w", fragmentID, err)
	}
	if !found {
		return nil, nil
	}
	return &a, nil
}

// ListAnalyses returns every analysis of the story, oldest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, storyID string) ([]types.LibrarianAnalysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM analyses WHERE story_id = ? ORDER BY created_at, id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []types.LibrarianAnalysis
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var a types.LibrarianAnalysis
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendAgentRun appends a run record to the story's history.
func (s *SQLiteStore) AppendAgentRun(ctx context.Context, storyID string, rec *types.AgentRunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal agent run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (story_id, id, agent_name, data) VALUES (?, ?, ?, ?)`,
		storyID, rec.ID, rec.AgentName, string(data))
	if err != nil {
		return fmt.Errorf("failed to record agent run %s: %w", rec.ID, err)
	}
	logging.StoreDebug("Recorded agent run %s (%s) for story %s", rec.ID, rec.AgentName, storyID)
	return nil
}

// ListAgentRuns returns the story's run records in insertion order.
func (s *SQLiteStore) ListAgentRuns(ctx context.Context, storyID string) ([]types.AgentRunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM agent_runs WHERE story_id = ? ORDER BY seq`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()

	var out []types.AgentRunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec types.AgentRunRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode agent run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Open returns the configured backend.
func Open(backend, dataDir, sqlitePath string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dataDir), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
