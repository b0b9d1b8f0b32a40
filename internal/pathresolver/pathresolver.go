// Package pathresolver resolves user-supplied paths against an app's
// BOX or WEB root, rejecting any attempt to escape that root (spec §4.A).
//
// Grounded on the containment-check idiom used by the teacher's
// file_volume_manager.go (resolve, canonicalise, verify descendant).
package pathresolver

import (
	"path/filepath"
	"strings"

	"boxhost/internal/boxerr"
)

// Scope selects which per-app root a path is resolved against.
type Scope int

const (
	ScopeBox Scope = iota
	ScopeWeb
)

func (s Scope) String() string {
	if s == ScopeBox {
		return "BOX"
	}
	return "WEB"
}

// Roots carries the two scope roots for one app, already absolute and
// cleaned.
type Roots struct {
	AppName string
	BoxRoot string
	WebRoot string
}

func (r Roots) rootFor(s Scope) string {
	if s == ScopeBox {
		return r.BoxRoot
	}
	return r.WebRoot
}

// Resolve implements spec §4.A. scriptDir is the directory of the
// currently executing script (used for script-relative paths); it must
// be an absolute path under one of r's roots.
func Resolve(r Roots, scope Scope, scriptDir, userPath string) (string, error) {
	root := r.rootFor(scope)
	if root == "" {
		return "", boxerr.Newf(boxerr.KindInternal, nil, "pathresolver: empty %s root for app %s", scope, r.AppName)
	}

	var candidate string
	if strings.HasPrefix(userPath, "/") {
		// scope-root relative; strip a leading "/<appName>" segment if present.
		rel := strings.TrimPrefix(userPath, "/")
		first, rest, _ := strings.Cut(rel, "/")
		if first == r.AppName {
			rel = rest
		}
		candidate = filepath.Join(root, rel)
	} else {
		base := scriptDir
		if scope == ScopeWeb {
			base = rewriteBoxToWeb(r, base)
		}
		candidate = filepath.Join(base, userPath)
	}

	clean := filepath.Clean(candidate)
	if !isDescendant(root, clean) {
		return "", boxerr.Newf(boxerr.KindPathTraversal, boxerr.PathTraversal, "pathresolver: %q escapes %s root of app %s", userPath, scope, r.AppName)
	}
	return clean, nil
}

// rewriteBoxToWeb rewrites a script directory rooted under BoxRoot to the
// corresponding directory under WebRoot, per §4.A rule 2.
func rewriteBoxToWeb(r Roots, dir string) string {
	rel, err := filepath.Rel(r.BoxRoot, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return r.WebRoot
	}
	return filepath.Join(r.WebRoot, rel)
}

// isDescendant reports whether clean is root itself or a path under it.
func isDescendant(root, clean string) bool {
	root = filepath.Clean(root)
	if clean == root {
		return true
	}
	rel, err := filepath.Rel(root, clean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && !strings.HasPrefix(rel, string(filepath.Separator)+"..")
}
