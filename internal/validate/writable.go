package validate

import (
	"fmt"
	"os"
	"path/filepath"
)

// WritableDirectory validates that a directory exists (or can be created when
// mustExist is false) and that the process can write into it. Writability is
// probed with a throwaway file because permission bits alone do not account
// for read-only mounts.
func (v *Validator) WritableDirectory(field, path string, mustExist bool) {
	v.Directory(field, path, mustExist)
	if !v.lastErrorFor(field) {
		return
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	probe, err := os.CreateTemp(absPath, ".probe-*")
	if err != nil {
		v.AddError(field, fmt.Sprintf("directory is not writable: %v", err), path)
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// lastErrorFor reports whether the most recent checks left the field clean.
func (v *Validator) lastErrorFor(field string) bool {
	for _, e := range v.errors {
		if e.Field == field {
			return false
		}
	}
	return true
}
