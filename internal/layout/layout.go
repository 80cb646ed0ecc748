// Package layout maps municipality slugs to their store files under the
// data directory:
//
//	<data>/users.sqlite
//	<data>/boards/<slug>/tasks.sqlite
//	<data>/boards/<slug>/tasks.sqlite.old
//	<data>/boards/<slug>/boards.sqlite
package layout

import (
	"os"
	"path/filepath"
)

const (
	// BackupSuffix is appended to a tenant store renamed aside before rebuild.
	BackupSuffix = ".old"
	// PendingSuffix marks a tenant whose rebuild started but whose remap has
	// not completed yet.
	PendingSuffix = ".remap-pending"
)

// Sidecars are the suffixes SQLite may keep next to a database file.
var Sidecars = []string{"-wal", "-shm", "-journal"}

// Layout resolves store paths relative to a data directory.
type Layout struct {
	DataDir string
}

// New returns a Layout rooted at dataDir.
func New(dataDir string) Layout {
	return Layout{DataDir: dataDir}
}

// SharedStore returns the shared identity store path.
func (l Layout) SharedStore() string {
	return filepath.Join(l.DataDir, "users.sqlite")
}

// TenantDir returns the directory holding a tenant's stores.
func (l Layout) TenantDir(slug string) string {
	return filepath.Join(l.DataDir, "boards", slug)
}

// TenantStore returns the tenant transactional store path.
func (l Layout) TenantStore(slug string) string {
	return filepath.Join(l.TenantDir(slug), "tasks.sqlite")
}

// Backup returns the single retained backup generation of the tenant store.
func (l Layout) Backup(slug string) string {
	return l.TenantStore(slug) + BackupSuffix
}

// PendingMarker returns the marker file written while a remap is outstanding.
func (l Layout) PendingMarker(slug string) string {
	return l.TenantStore(slug) + PendingSuffix
}

// BoardsStore returns the tenant board location store path.
func (l Layout) BoardsStore(slug string) string {
	return filepath.Join(l.TenantDir(slug), "boards.sqlite")
}

// Exists reports whether path exists as a regular file.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
