package db_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/boardtasks/internal/db"
)

func openWithSchema(t *testing.T, path string, kind db.SchemaKind) *db.DB {
	t.Helper()
	database, err := db.Open(path, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	t.Cleanup(func() { database.Close() })
	schema, err := db.LoadSchema(kind, "")
	if err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	if err := database.ApplySchema(context.Background(), schema); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return database
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tasks.sqlite")
	database, err := db.Open(path, 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Errorf("expected path %s, got %s", path, database.Path())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}
}

func TestOpenExistingMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.sqlite")
	_, err := db.OpenExisting(path, 0)
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("OpenExisting must not create the file")
	}
}

func TestLoadSchemaFromDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := db.LoadSchema(db.SchemaTasks, dir); !errors.Is(err, db.ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}

	script := "CREATE TABLE task_status (board_code TEXT PRIMARY KEY);"
	if err := os.WriteFile(filepath.Join(dir, "tasks.sql"), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadSchema(db.SchemaTasks, dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != script {
		t.Errorf("expected %q, got %q", script, got)
	}

	if _, err := db.LoadSchema("nope", ""); err == nil {
		t.Error("expected error for unknown schema kind")
	}
}

func TestObjects(t *testing.T) {
	database := openWithSchema(t, filepath.Join(t.TempDir(), "users.sqlite"), db.SchemaUsers)

	objects, err := database.Objects(context.Background())
	if err != nil {
		t.Fatalf("objects failed: %v", err)
	}

	found := map[string]string{}
	for _, o := range objects {
		found[o.Name] = o.Type
	}
	if found["users"] != "table" {
		t.Errorf("expected users table, got %v", objects)
	}
	if found["idx_users_name"] != "index" {
		t.Errorf("expected idx_users_name index, got %v", objects)
	}
	for name := range found {
		if len(name) >= 7 && name[:7] == "sqlite_" {
			t.Errorf("internal object %s should be excluded", name)
		}
	}
}

func TestSessionAttachReadsAcrossFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	shared := openWithSchema(t, filepath.Join(dir, "users.sqlite"), db.SchemaUsers)
	if _, err := shared.Exec(`INSERT INTO users (line_user_id, name) VALUES ('U1', 'Alice')`); err != nil {
		t.Fatal(err)
	}

	tenant := openWithSchema(t, filepath.Join(dir, "tasks.sqlite"), db.SchemaTasks)

	sess, err := tenant.NewSession(ctx)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	defer sess.Close()

	if err := sess.Attach(ctx, shared.Path(), "shared"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	ok, err := sess.HasTable(ctx, "shared", "users")
	if err != nil || !ok {
		t.Fatalf("expected shared.users to exist (ok=%v err=%v)", ok, err)
	}
	ok, err = sess.HasTable(ctx, "main", "users")
	if err != nil || ok {
		t.Fatalf("tenant store should not define users (ok=%v err=%v)", ok, err)
	}

	var name string
	if err := sess.Conn().GetContext(ctx, &name, "SELECT name FROM shared.users WHERE line_user_id = 'U1'"); err != nil {
		t.Fatalf("cross-file read failed: %v", err)
	}
	if name != "Alice" {
		t.Errorf("expected Alice, got %s", name)
	}

	if err := sess.Detach(ctx, "shared"); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func TestSessionCloseDetachesLeftovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	shared := openWithSchema(t, filepath.Join(dir, "users.sqlite"), db.SchemaUsers)
	tenant := openWithSchema(t, filepath.Join(dir, "tasks.sqlite"), db.SchemaTasks)
	tenant.SetMaxOpenConns(1)

	sess, err := tenant.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Attach(ctx, shared.Path(), "shared"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// With a single pooled connection the next query reuses it; the alias
	// must be gone.
	var count int
	err = tenant.Get(&count, "SELECT COUNT(*) FROM pragma_database_list WHERE name = 'shared'")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected shared to be detached, still attached")
	}
}

func TestSessionRejectsBadAlias(t *testing.T) {
	ctx := context.Background()
	tenant := openWithSchema(t, filepath.Join(t.TempDir(), "tasks.sqlite"), db.SchemaTasks)
	sess, err := tenant.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Attach(ctx, "/tmp/x.sqlite", "x; DROP TABLE task_status"); err == nil {
		t.Fatal("expected invalid alias error")
	}
}

func TestSnapshotTo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	shared := openWithSchema(t, filepath.Join(dir, "users.sqlite"), db.SchemaUsers)
	if _, err := shared.Exec(`INSERT INTO users (line_user_id, name) VALUES ('U1', 'Alice')`); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "snap.sqlite")
	if err := shared.SnapshotTo(ctx, out); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if err := shared.SnapshotTo(ctx, out); err == nil {
		t.Fatal("expected error when snapshot target exists")
	}

	snap, err := db.OpenExisting(out, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	n, err := snap.Count(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 user in snapshot, got %d", n)
	}
}

func TestSessionAttachMissingFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tenant := openWithSchema(t, filepath.Join(dir, "tasks.sqlite"), db.SchemaTasks)
	sess, err := tenant.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	missing := filepath.Join(dir, "users.sqlite")
	err = sess.Attach(ctx, missing, "shared")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Errorf("attach must not create %s", missing)
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.sqlite")
	schema, err := db.LoadSchema(db.SchemaUsers, "")
	if err != nil {
		t.Fatal(err)
	}

	database, err := db.Create(ctx, path, schema, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	database.Close()

	if _, err := db.Create(ctx, path, schema, 0); !errors.Is(err, db.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	if err := db.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := db.Remove(path); err != nil {
		t.Fatalf("Remove of missing file failed: %v", err)
	}
	database, err = db.Create(ctx, path, schema, 0)
	if err != nil {
		t.Fatalf("Create after Remove failed: %v", err)
	}
	database.Close()
}
