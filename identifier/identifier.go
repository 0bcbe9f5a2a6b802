// Package identifier parses and canonicalizes module path identifiers.
//
// An identifier is a discriminated value with exactly two variants: Remote
// (a github-hosted module, optionally pinned to a tag) and Local (an
// absolute filesystem path). Parsing is pure — no I/O is performed here.
package identifier

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/modsup"
)

// ErrInvalidPath is returned for any deviation from the identifier grammar.
// It is the root package's sentinel of the same name, so a host doing
// errors.Is(err, modsup.ErrInvalidPath) against an identifier.Parse error
// sees a match per spec §7.
var ErrInvalidPath = modsup.ErrInvalidPath

var componentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Identifier is a parsed module path. Exactly one of the two variants is
// populated, indicated by Kind.
type Identifier struct {
	Kind Kind

	// Remote fields
	Owner string
	Name  string
	Tag   string // empty if unspecified

	// Local fields
	Path string // absolute, normalized
}

// Kind discriminates the two Identifier variants.
type Kind int

const (
	// KindRemote identifies a github-hosted module.
	KindRemote Kind = iota
	// KindLocal identifies a module living at a local filesystem path.
	KindLocal
)

const remotePrefix = "github:"
const localPrefix = "local:"

// Parse parses s into an Identifier or fails with ErrInvalidPath.
func Parse(s string) (Identifier, error) {
	switch {
	case strings.HasPrefix(s, remotePrefix):
		return parseRemote(strings.TrimPrefix(s, remotePrefix))
	case strings.HasPrefix(s, localPrefix):
		return parseLocal(strings.TrimPrefix(s, localPrefix))
	default:
		return Identifier{}, fmt.Errorf("%w: missing github: or local: prefix", ErrInvalidPath)
	}
}

func parseRemote(rest string) (Identifier, error) {
	if rest == "" {
		return Identifier{}, fmt.Errorf("%w: empty remote identifier", ErrInvalidPath)
	}

	tag := ""
	ownerName := rest
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		ownerName = rest[:idx]
		tag = rest[idx+1:]
		if tag == "" || !componentPattern.MatchString(tag) {
			return Identifier{}, fmt.Errorf("%w: invalid tag %q", ErrInvalidPath, tag)
		}
	}

	parts := strings.SplitN(ownerName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identifier{}, fmt.Errorf("%w: expected owner/name, got %q", ErrInvalidPath, ownerName)
	}
	owner, name := parts[0], parts[1]
	if !componentPattern.MatchString(owner) || !componentPattern.MatchString(name) {
		return Identifier{}, fmt.Errorf("%w: owner/name must match [A-Za-z0-9._-]+", ErrInvalidPath)
	}

	return Identifier{Kind: KindRemote, Owner: owner, Name: name, Tag: tag}, nil
}

func parseLocal(rest string) (Identifier, error) {
	if rest == "" {
		return Identifier{}, fmt.Errorf("%w: empty local path", ErrInvalidPath)
	}

	expanded, err := expandHome(rest)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: %s", ErrInvalidPath, err)
	}

	normalized, err := normalizeLocalPath(expanded)
	if err != nil {
		return Identifier{}, err
	}

	return Identifier{Kind: KindLocal, Path: normalized}, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~/")), nil
}

// normalizeLocalPath rejects relative paths and ".." segments, and strips
// any trailing separator, per the identifier invariants in spec §3.
func normalizeLocalPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: local path must be absolute: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("%w: local path must not contain ..: %q", ErrInvalidPath, p)
		}
	}
	return filepath.Clean(p), nil
}

// Canonical returns the canonical string form of id, as defined in spec §3.
func (id Identifier) Canonical() string {
	switch id.Kind {
	case KindRemote:
		if id.Tag != "" {
			return fmt.Sprintf("%s%s/%s#%s", remotePrefix, id.Owner, id.Name, id.Tag)
		}
		return fmt.Sprintf("%s%s/%s", remotePrefix, id.Owner, id.Name)
	case KindLocal:
		return localPrefix + id.Path
	default:
		return ""
	}
}

// String implements fmt.Stringer as the canonical form.
func (id Identifier) String() string { return id.Canonical() }
