package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/layout"
	"github.com/rs/zerolog"
)

// legacyTenantSchema is the pre-migration tenant store: users lived next to
// the transactional tables and ids were tenant-local.
const legacyTenantSchema = `
CREATE TABLE users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  line_user_id TEXT NOT NULL UNIQUE,
  name TEXT,
  avatar TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE task_status (
  board_code TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT 'pending',
  updated_by INTEGER,
  updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
  last_comment TEXT
);
CREATE TABLE status_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  board_code TEXT NOT NULL,
  user_id INTEGER,
  old_status TEXT,
  new_status TEXT,
  note TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

// LegacyUser is a tenant-local user row.
type LegacyUser struct {
	ID         int64
	LineUserID string
	Name       string
}

// LegacyStatus is a task_status row; UpdatedBy nil means unassigned.
type LegacyStatus struct {
	BoardCode string
	Status    string
	UpdatedBy *int64
	UpdatedAt string
	Comment   string
}

// LegacyHistory is a status_history row.
type LegacyHistory struct {
	ID        int64
	BoardCode string
	UserID    *int64
	OldStatus string
	NewStatus string
	Note      string
	CreatedAt string
}

// Legacy describes the content of a pre-migration tenant store.
type Legacy struct {
	Users    []LegacyUser
	Statuses []LegacyStatus
	History  []LegacyHistory
}

// ID returns a pointer for optional actor fields.
func ID(v int64) *int64 {
	return &v
}

// Logger returns a logger that writes through t.Log.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// TempLayout returns a layout rooted in a fresh temporary data directory.
func TempLayout(t *testing.T) layout.Layout {
	t.Helper()
	return layout.New(filepath.Join(t.TempDir(), "data"))
}

// OpenStore opens (creating if needed) a store at path and closes it on cleanup.
func OpenStore(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.Open(path, 0)
	if err != nil {
		t.Fatalf("Failed to open database %s: %v", path, err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// NewStore creates a store at path from the embedded schema of kind.
func NewStore(t *testing.T, path string, kind db.SchemaKind) *db.DB {
	t.Helper()
	script, err := db.LoadSchema(kind, "")
	if err != nil {
		t.Fatalf("Failed to load %s schema: %v", kind, err)
	}
	database := OpenStore(t, path)
	if err := database.ApplySchema(context.Background(), script); err != nil {
		t.Fatalf("Failed to apply %s schema: %v", kind, err)
	}
	return database
}

// SharedStore creates the shared users store for l, optionally seeded with
// users keyed by line_user_id. The surrogate ids are assigned by SQLite.
func SharedStore(t *testing.T, l layout.Layout, lineUserIDs ...string) *db.DB {
	t.Helper()
	shared := NewStore(t, l.SharedStore(), db.SchemaUsers)
	for _, lid := range lineUserIDs {
		if _, err := shared.Exec("INSERT INTO users (line_user_id, name) VALUES (?, ?)", lid, "seed-"+lid); err != nil {
			t.Fatalf("Failed to seed shared user %s: %v", lid, err)
		}
	}
	return shared
}

// WriteLegacyTenant writes a pre-migration tenant store to path and closes it.
func WriteLegacyTenant(t *testing.T, path string, data Legacy) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create tenant directory: %v", err)
	}
	database, err := db.Open(path, 0)
	if err != nil {
		t.Fatalf("Failed to open legacy tenant %s: %v", path, err)
	}
	defer database.Close()

	if _, err := database.Exec(legacyTenantSchema); err != nil {
		t.Fatalf("Failed to create legacy schema: %v", err)
	}
	for _, u := range data.Users {
		if _, err := database.Exec(
			"INSERT INTO users (id, line_user_id, name) VALUES (?, ?, ?)",
			u.ID, u.LineUserID, u.Name,
		); err != nil {
			t.Fatalf("Failed to insert legacy user %s: %v", u.LineUserID, err)
		}
	}
	for _, s := range data.Statuses {
		if _, err := database.Exec(
			"INSERT OR REPLACE INTO task_status (board_code, status, updated_by, updated_at, last_comment) VALUES (?, ?, ?, ?, ?)",
			s.BoardCode, s.Status, s.UpdatedBy, nullIfEmpty(s.UpdatedAt), nullIfEmpty(s.Comment),
		); err != nil {
			t.Fatalf("Failed to insert legacy status %s: %v", s.BoardCode, err)
		}
	}
	for _, h := range data.History {
		var id any
		if h.ID != 0 {
			id = h.ID
		}
		if _, err := database.Exec(
			"INSERT INTO status_history (id, board_code, user_id, old_status, new_status, note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, h.BoardCode, h.UserID, nullIfEmpty(h.OldStatus), h.NewStatus, nullIfEmpty(h.Note), nullIfEmpty(h.CreatedAt),
		); err != nil {
			t.Fatalf("Failed to insert legacy history for %s: %v", h.BoardCode, err)
		}
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// WriteFile writes content to a file in dir
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}
