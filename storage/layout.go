// Package storage maps a parsed module identifier to its on-disk install
// directory, per spec §4.3.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/GoCodeAlone/modsup/identifier"
)

// DefaultRoot is the process-wide shared modules root relative to a data
// directory, e.g. filepath.Join(dataDir, storage.DefaultRoot...).
var DefaultRoot = []string{"breach", "modules"}

// Layout resolves identifiers to install directories under a single shared
// root, shared across all sessions on the host per spec §5.
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at dataDir/breach/modules.
func NewLayout(dataDir string) *Layout {
	parts := append([]string{dataDir}, DefaultRoot...)
	return &Layout{root: filepath.Join(parts...)}
}

// InstallDir returns the storage directory for id. Local identifiers
// resolve to the path itself — the installer never writes there.
func (l *Layout) InstallDir(id identifier.Identifier) (string, error) {
	switch id.Kind {
	case identifier.KindLocal:
		return id.Path, nil
	case identifier.KindRemote:
		tag := id.Tag
		if tag == "" {
			return "", fmt.Errorf("storage: remote identifier %q has no resolved tag", id.Canonical())
		}
		return filepath.Join(l.root, id.Owner, fmt.Sprintf("%s#%s", id.Name, tag)), nil
	default:
		return "", fmt.Errorf("storage: unknown identifier kind for %q", id.Canonical())
	}
}

// Root returns the shared modules root directory.
func (l *Layout) Root() string { return l.root }
