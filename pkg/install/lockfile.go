// SPDX-License-Identifier: MPL-2.0

package install

import (
	"encoding/json"
	"fmt"
	"os"
)

const lockFileVersion = "1"

type (
	// LockFile is the reproducible-install record written alongside the
	// manifest. It is plain JSON so the whole persisted-state surface
	// stays in one serialization.
	LockFile struct {
		Version   string                  `json:"version"`
		Generated string                  `json:"generated,omitempty"`
		Modules   map[string]LockedModule `json:"modules"`
	}

	// LockedModule is one resolved dependency recorded in the lock file.
	LockedModule struct {
		Name            string `json:"name"`
		Selector        string `json:"selector"`
		ResolvedVersion string `json:"resolved_version"`
		Source          string `json:"source"`
		GitCommit       string `json:"git_commit,omitempty"`
		Alias           string `json:"alias,omitempty"`
		CachePath       string `json:"cache_path"`
	}
)

// NewLockFile creates an empty LockFile.
func NewLockFile() *LockFile {
	return &LockFile{
		Version: lockFileVersion,
		Modules: make(map[string]LockedModule),
	}
}

// LoadLockFile reads and parses a lock file, returning an empty LockFile
// (not an error) if the file does not exist.
func LoadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLockFile(), nil
		}
		return nil, fmt.Errorf("install: reading lock file %s: %w", path, err)
	}

	var lock LockFile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("install: parsing lock file %s: %w", path, err)
	}
	if lock.Modules == nil {
		lock.Modules = make(map[string]LockedModule)
	}
	return &lock, nil
}

// Put records or replaces a resolved module's lock entry.
func (l *LockFile) Put(mod *ResolvedModule) {
	l.Modules[requirementKey(mod.Requirement)] = LockedModule{
		Name:            mod.Requirement.Name,
		Selector:        mod.Requirement.Selector,
		ResolvedVersion: mod.ResolvedVersion,
		Source:          mod.Source.String(),
		GitCommit:       mod.GitCommit,
		Alias:           mod.Requirement.Alias,
		CachePath:       mod.CachePath.String(),
	}
}

// Save writes the lock file atomically (write to a temp file, then rename)
// so a crash mid-write can never leave a truncated lock file on disk.
func (l *LockFile) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("install: encoding lock file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("install: writing lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install: renaming lock file into place: %w", err)
	}
	return nil
}
