package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/modsup/identifier"
)

// RemoteManifestFetcher is the subset of resolver.GitHubClient this package
// depends on for remote manifest lookups.
type RemoteManifestFetcher interface {
	FetchManifest(ctx context.Context, owner, name, tag string) ([]byte, error)
}

// FileManifestSource implements ManifestSource per spec §6: a local file
// read under the module's own path for Local identifiers, delegated to a
// RemoteManifestFetcher (resolver.GitHubClient) for Remote ones.
type FileManifestSource struct {
	remote RemoteManifestFetcher
}

// NewFileManifestSource creates a ManifestSource backed by remote.
func NewFileManifestSource(remote RemoteManifestFetcher) *FileManifestSource {
	return &FileManifestSource{remote: remote}
}

func (f *FileManifestSource) FetchManifest(ctx context.Context, id identifier.Identifier) ([]byte, error) {
	switch id.Kind {
	case identifier.KindLocal:
		path := filepath.Join(id.Path, "package.json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry: read local manifest %s: %w", path, err)
		}
		return data, nil
	case identifier.KindRemote:
		return f.remote.FetchManifest(ctx, id.Owner, id.Name, id.Tag)
	default:
		return nil, fmt.Errorf("registry: unknown identifier kind for manifest fetch")
	}
}
