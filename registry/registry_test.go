package registry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/GoCodeAlone/modsup/identifier"
	"github.com/GoCodeAlone/modsup/registry"
	"github.com/GoCodeAlone/modsup/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	tags []string
}

func (f *fakeLister) ListTags(ctx context.Context, owner, name string) ([]string, error) {
	return f.tags, nil
}

type fakeManifests struct {
	byCanonical map[string]string
}

func (f *fakeManifests) FetchManifest(ctx context.Context, id identifier.Identifier) ([]byte, error) {
	doc, ok := f.byCanonical[id.Canonical()]
	if !ok {
		return nil, fmt.Errorf("no manifest stubbed for %s", id.Canonical())
	}
	return []byte(doc), nil
}

type fakeRunning struct {
	names map[string]bool
}

func (f *fakeRunning) IsRunning(name string) bool {
	return f.names[name]
}

func newTestRegistry(t *testing.T, manifests *fakeManifests, running registry.RunningChecker) *registry.Registry {
	t.Helper()
	res, err := resolver.New(&fakeLister{tags: []string{"v1.0.0"}}, 8, time.Minute)
	require.NoError(t, err)
	return registry.New(registry.NewMemoryStore(), res, manifests, running)
}

func TestAddRemoteModule(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"1.2.3"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	rec, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", rec.Name)
	assert.Equal(t, "1.2.3", rec.Version)
	assert.Equal(t, "github:acme/widget#v1.0.0", rec.Path)
	assert.Equal(t, "acme", rec.Owner)
	assert.Equal(t, "v1.0.0", rec.Tag)
}

func TestAddRemoteModuleConflictsOnSameRepo(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"1.0.0"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)

	_, err = reg.Add(context.Background(), "github:acme/widget#v1.0.0")
	assert.ErrorIs(t, err, registry.ErrModuleConflict)
}

func TestAddRejectsEmptyManifestName(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"","version":"1.0.0"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	assert.ErrorIs(t, err, registry.ErrInvalidName)
}

func TestAddRejectsBadManifestVersion(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"not-a-version"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	assert.ErrorIs(t, err, registry.ErrInvalidVersion)
}

func TestAddRejectsDuplicateManifestName(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"shared","version":"1.0.0"}`,
		"github:acme/gadget#v1.0.0": `{"name":"shared","version":"1.0.0"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)

	_, err = reg.Add(context.Background(), "github:acme/gadget")
	assert.ErrorIs(t, err, registry.ErrModuleConflict)
}

func TestListAnnotatesRunning(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"1.0.0"}`,
	}}
	running := &fakeRunning{names: map[string]bool{"widget": true}}
	reg := newTestRegistry(t, manifests, running)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)

	views, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Running)
}

func TestListWithoutRunningCheckerReportsNotRunning(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"1.0.0"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	_, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)

	views, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Running)
}

func TestGetByPathUnknown(t *testing.T) {
	reg := newTestRegistry(t, &fakeManifests{byCanonical: map[string]string{}}, nil)

	_, err := reg.GetByPath(context.Background(), "github:acme/widget#v1.0.0")
	assert.ErrorIs(t, err, registry.ErrModuleUnknown)
}

func TestRemoveUnknown(t *testing.T) {
	reg := newTestRegistry(t, &fakeManifests{byCanonical: map[string]string{}}, nil)

	err := reg.Remove(context.Background(), "github:acme/widget#v1.0.0")
	assert.ErrorIs(t, err, registry.ErrModuleUnknown)
}

func TestAddThenRemove(t *testing.T) {
	manifests := &fakeManifests{byCanonical: map[string]string{
		"github:acme/widget#v1.0.0": `{"name":"widget","version":"1.0.0"}`,
	}}
	reg := newTestRegistry(t, manifests, nil)

	rec, err := reg.Add(context.Background(), "github:acme/widget")
	require.NoError(t, err)

	require.NoError(t, reg.Remove(context.Background(), rec.Path))

	_, err = reg.GetByPath(context.Background(), rec.Path)
	assert.ErrorIs(t, err, registry.ErrModuleUnknown)
}
