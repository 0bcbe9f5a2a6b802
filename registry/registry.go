// Package registry implements the durable per-session record of added
// modules (C4 in spec §4.4): add/list/get_by_path/remove over a document
// store, with manifest fetch and conflict checking.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/modsup"
	"github.com/GoCodeAlone/modsup/identifier"
	"github.com/GoCodeAlone/modsup/resolver"
)

// Errors surfaced by the registry, matching spec §7's error kinds. These
// are the root package's sentinels of the same names, so a host doing
// errors.Is(err, modsup.ErrModuleConflict) against an Add/RunModule error
// sees a match rather than a package-local duplicate with the same string.
var (
	ErrInvalidName    = modsup.ErrInvalidName
	ErrInvalidVersion = modsup.ErrInvalidVersion
	ErrModuleConflict = modsup.ErrModuleConflict
	ErrModuleUnknown  = modsup.ErrModuleUnknown
)

// ModuleRecord is the persisted record of an added module, per spec §3.
type ModuleRecord struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Active  bool   `json:"active"`

	// Denormalized remote fields, empty for local identifiers.
	Owner string `json:"owner,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// ModuleRecordView is a ModuleRecord annotated with whether its module is
// currently running, as returned by List().
type ModuleRecordView struct {
	ModuleRecord
	Running bool `json:"running"`
}

// DocStore is the document-container contract from spec §4.4, scoped to
// the one query shape the registry ever needs: lookup/upsert/remove keyed
// by canonical path. A generic Mongo-style find(query) is not needed by
// any caller, so this interface names the operations directly rather than
// routing everything through an untyped query document.
type DocStore interface {
	FindAll(ctx context.Context) ([]ModuleRecord, error)
	FindByPath(ctx context.Context, path string) (ModuleRecord, bool, error)
	Upsert(ctx context.Context, rec ModuleRecord) error
	RemoveByPath(ctx context.Context, path string) error
}

// ManifestSource fetches a module's package.json, per spec §6: a local
// file read for Local identifiers, a remote raw fetch for Remote ones.
type ManifestSource interface {
	FetchManifest(ctx context.Context, id identifier.Identifier) ([]byte, error)
}

// RunningChecker reports whether a module name is currently in the
// supervisor's running set, used to annotate List() results.
type RunningChecker interface {
	IsRunning(name string) bool
}

type manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Registry implements add/list/get_by_path/remove against a DocStore.
type Registry struct {
	store      DocStore
	resolver   *resolver.Resolver
	manifests  ManifestSource
	running    RunningChecker
}

// New creates a Registry. running may be nil, in which case List() never
// annotates any record as running.
func New(store DocStore, res *resolver.Resolver, manifests ManifestSource, running RunningChecker) *Registry {
	return &Registry{store: store, resolver: res, manifests: manifests, running: running}
}

// Add parses rawPath, resolves it, checks for conflicts, fetches the
// module's manifest, and upserts a ModuleRecord keyed by canonical path.
func (r *Registry) Add(ctx context.Context, rawPath string) (ModuleRecord, error) {
	id, err := identifier.Parse(rawPath)
	if err != nil {
		return ModuleRecord{}, err
	}

	resolved, err := r.resolver.Augment(ctx, id)
	if err != nil {
		return ModuleRecord{}, err
	}

	canonical := resolved.Canonical()

	existing, err := r.store.FindAll(ctx)
	if err != nil {
		return ModuleRecord{}, fmt.Errorf("registry: list existing records: %w", err)
	}
	if err := checkConflicts(resolved, canonical, existing); err != nil {
		return ModuleRecord{}, err
	}

	raw, err := r.manifests.FetchManifest(ctx, resolved)
	if err != nil {
		return ModuleRecord{}, fmt.Errorf("registry: fetch manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ModuleRecord{}, fmt.Errorf("registry: parse manifest: %w", err)
	}
	if m.Name == "" {
		return ModuleRecord{}, ErrInvalidName
	}

	version, err := resolver.CleanSemver(m.Version)
	if err != nil {
		return ModuleRecord{}, ErrInvalidVersion
	}

	if conflictsOnName(m.Name, canonical, existing) {
		return ModuleRecord{}, ErrModuleConflict
	}

	rec := ModuleRecord{
		Path:    canonical,
		Name:    m.Name,
		Version: version,
	}
	if resolved.Kind == identifier.KindRemote {
		rec.Owner = resolved.Owner
		rec.Tag = resolved.Tag
	}

	if err := r.store.Upsert(ctx, rec); err != nil {
		return ModuleRecord{}, fmt.Errorf("registry: upsert record: %w", err)
	}

	return rec, nil
}

// checkConflicts rejects adding resolved/canonical if any existing record
// collides on canonical path, or (for remote identifiers) owner+name
// regardless of tag, or (for local identifiers) identical path.
func checkConflicts(resolved identifier.Identifier, canonical string, existing []ModuleRecord) error {
	for _, e := range existing {
		if e.Path == canonical {
			return ErrModuleConflict
		}
		if resolved.Kind == identifier.KindRemote && e.Owner == resolved.Owner {
			// e.Name here is the manifest name, not the identifier name;
			// the identifier's repo name is embedded in e.Path's
			// "owner/name#tag" shape, so compare against that instead.
			if sameRemoteRepo(e.Path, resolved.Owner, resolved.Name) {
				return ErrModuleConflict
			}
		}
		if resolved.Kind == identifier.KindLocal && e.Path == canonical {
			return ErrModuleConflict
		}
	}
	return nil
}

func sameRemoteRepo(existingCanonicalPath, owner, name string) bool {
	other, err := identifier.Parse(existingCanonicalPath)
	if err != nil || other.Kind != identifier.KindRemote {
		return false
	}
	return other.Owner == owner && other.Name == name
}

func conflictsOnName(name, canonical string, existing []ModuleRecord) bool {
	for _, e := range existing {
		if e.Path != canonical && e.Name == name {
			return true
		}
	}
	return false
}

// List returns all records, annotated with whether each is running.
func (r *Registry) List(ctx context.Context) ([]ModuleRecordView, error) {
	records, err := r.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	views := make([]ModuleRecordView, 0, len(records))
	for _, rec := range records {
		running := false
		if r.running != nil {
			running = r.running.IsRunning(rec.Name)
		}
		views = append(views, ModuleRecordView{ModuleRecord: rec, Running: running})
	}
	return views, nil
}

// GetByPath fetches the record for a canonical path, failing with
// ErrModuleUnknown if absent.
func (r *Registry) GetByPath(ctx context.Context, path string) (ModuleRecord, error) {
	rec, ok, err := r.store.FindByPath(ctx, path)
	if err != nil {
		return ModuleRecord{}, fmt.Errorf("registry: get by path: %w", err)
	}
	if !ok {
		return ModuleRecord{}, ErrModuleUnknown
	}
	return rec, nil
}

// Remove deletes the record for path. It only touches the registry: it
// does not stop a running module or delete its install directory. Per the open question in spec §9, the caller decides ordering
// between this and killing a running module — this registry does not
// kill anything itself.
func (r *Registry) Remove(ctx context.Context, path string) error {
	if _, err := r.GetByPath(ctx, path); err != nil {
		return err
	}
	if err := r.store.RemoveByPath(ctx, path); err != nil {
		return fmt.Errorf("registry: remove: %w", err)
	}
	return nil
}
