// Package fsutil guards filesystem paths derived from wire input. The
// media plane joins asset IDs onto its root directory; the confinement
// check is the backstop if an unvalidated ID ever reaches that join.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath joins rel onto root and verifies the result stays
// physically under root once symlinks resolve. rel must be relative.
// Backslashes are rejected outright so separator parsing differences
// can never widen the check.
func ConfineRelPath(root, rel string) (string, error) {
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("fsutil: path contains backslash: %s", rel)
	}

	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("fsutil: path must be relative: %s", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsutil: path escapes root: %s", rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("fsutil: resolve root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	return confine(realRoot, filepath.Join(realRoot, clean))
}

// confine maps full through any symlinks and verifies the resolved
// path is still under realRoot. A missing leaf resolves through its
// parent so a file that does not exist yet can still be checked;
// anything else that fails to resolve fails closed.
func confine(realRoot, full string) (string, error) {
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("fsutil: resolve path: %w", err)
		}
		dir := filepath.Dir(full)
		realDir, derr := filepath.EvalSymlinks(dir)
		switch {
		case derr == nil:
			resolved = filepath.Join(realDir, filepath.Base(full))
		case os.IsNotExist(derr):
			// Nothing on disk yet; the lexical checks already bounded
			// the path.
			resolved = full
		default:
			return "", fmt.Errorf("fsutil: resolve parent: %w", derr)
		}
	}

	relToRoot, err := filepath.Rel(realRoot, resolved)
	if err != nil {
		return "", fmt.Errorf("fsutil: relativize: %w", err)
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsutil: path escapes root via symlink: %s", resolved)
	}
	return resolved, nil
}
