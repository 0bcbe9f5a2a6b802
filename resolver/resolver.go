// Package resolver augments a raw module identifier with a concrete
// tag/version by consulting a remote host's tag listing, or by statting a
// local path, per spec §4.2.
package resolver

import (
	"context"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/semver"

	"github.com/GoCodeAlone/modsup/identifier"
)

// TagLister lists all tags published for a remote owner/name. Resolver
// treats listing failure as a propagated network error, per spec §4.2.
type TagLister interface {
	ListTags(ctx context.Context, owner, name string) ([]string, error)
}

// Stater abstracts filesystem existence checks so tests can avoid real I/O.
type Stater interface {
	Stat(path string) (os.FileInfo, error)
}

type osStater struct{}

func (osStater) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

// Resolver implements the "augment" operation from spec §4.2.
type Resolver struct {
	lister TagLister
	stater Stater
	cache  *lru.Cache[string, cachedTags]
	ttl    time.Duration
}

type cachedTags struct {
	tags   []string
	cached time.Time
}

// New creates a Resolver. cacheSize bounds the number of distinct
// owner/name tag listings cached at once; ttl bounds how long a cached
// listing is trusted before a fresh fetch is made.
func New(lister TagLister, cacheSize int, ttl time.Duration) (*Resolver, error) {
	c, err := lru.New[string, cachedTags](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver: create tag cache: %w", err)
	}
	return &Resolver{lister: lister, stater: osStater{}, cache: c, ttl: ttl}, nil
}

// WithStater overrides the filesystem stat implementation, for tests.
func (r *Resolver) WithStater(s Stater) *Resolver {
	r.stater = s
	return r
}

// Augment resolves id to a canonical identifier carrying a concrete tag
// (for remote identifiers) or a normalized path (for local identifiers).
func (r *Resolver) Augment(ctx context.Context, id identifier.Identifier) (identifier.Identifier, error) {
	switch id.Kind {
	case identifier.KindLocal:
		return r.augmentLocal(id)
	case identifier.KindRemote:
		return r.augmentRemote(ctx, id)
	default:
		return identifier.Identifier{}, fmt.Errorf("%w: unknown identifier kind", identifier.ErrInvalidPath)
	}
}

func (r *Resolver) augmentLocal(id identifier.Identifier) (identifier.Identifier, error) {
	if _, err := r.stater.Stat(id.Path); err != nil {
		return identifier.Identifier{}, fmt.Errorf("%w: local path does not exist: %s", identifier.ErrInvalidPath, id.Path)
	}
	return id, nil
}

func (r *Resolver) augmentRemote(ctx context.Context, id identifier.Identifier) (identifier.Identifier, error) {
	// Rule 2: "master" is kept literally without ever listing tags.
	if id.Tag == "master" {
		out := id
		out.Tag = "master"
		return out, nil
	}

	tags, err := r.tagsFor(ctx, id.Owner, id.Name)
	if err != nil {
		return identifier.Identifier{}, err
	}

	resolved, err := resolveTag(id.Tag, tags)
	if err != nil {
		return identifier.Identifier{}, err
	}

	out := id
	out.Tag = resolved
	return out, nil
}

func (r *Resolver) tagsFor(ctx context.Context, owner, name string) ([]string, error) {
	key := owner + "/" + name
	if cached, ok := r.cache.Get(key); ok && time.Since(cached.cached) < r.ttl {
		return cached.tags, nil
	}

	tags, err := r.lister.ListTags(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("resolver: list tags for %s/%s: %w", owner, name, err)
	}

	r.cache.Add(key, cachedTags{tags: tags, cached: time.Now()})
	return tags, nil
}

// resolveTag applies the five resolution rules from spec §4.2, in order.
func resolveTag(requested string, listed []string) (string, error) {
	if requested != "" {
		for _, t := range listed {
			if t == requested {
				return requested, nil
			}
		}
		if requested == "master" {
			return "master", nil
		}
		return "", fmt.Errorf("%w: tag %q not found", identifier.ErrInvalidPath, requested)
	}

	best := ""
	bestCanon := ""
	for _, t := range listed {
		canon := t
		if len(canon) == 0 || canon[0] != 'v' {
			canon = "v" + canon
		}
		if !semver.IsValid(canon) {
			continue
		}
		if bestCanon == "" || semver.Compare(canon, bestCanon) > 0 {
			best = t
			bestCanon = canon
		}
	}
	if best != "" {
		return best, nil
	}

	return "master", nil
}

// CleanSemver validates and canonicalizes a manifest version string,
// per the invalid_version error kind in spec §7.
func CleanSemver(v string) (string, error) {
	canon := v
	if len(canon) == 0 || canon[0] != 'v' {
		canon = "v" + canon
	}
	if !semver.IsValid(canon) {
		return "", fmt.Errorf("module_manager:invalid_version: %q is not a valid semver", v)
	}
	return canon[1:], nil
}
