package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type pendingFile struct {
	Requests []PendingRequest `json:"requests"`
}

type allowlistFile struct {
	Entries []AllowlistEntry `json:"entries"`
}

// fileStore persists pairing state as JSON files. Empty paths keep state in
// memory only.
type fileStore struct {
	pendingPath   string
	allowlistPath string

	pendingMod   time.Time
	allowlistMod time.Time
}

// DefaultPaths returns the pending and allowlist paths for a channel.
func DefaultPaths(dir, channel string) (string, string) {
	dir = strings.TrimSpace(dir)
	channel = strings.ToLower(strings.TrimSpace(channel))
	return filepath.Join(dir, channel+"-pending.json"), filepath.Join(dir, channel+"-allowlist.json")
}

func (s *fileStore) loadPending() ([]PendingRequest, error) {
	var doc pendingFile
	mod, err := readJSONFile(s.pendingPath, &doc)
	if err != nil {
		return nil, fmt.Errorf("load pending pairing requests: %w", err)
	}
	s.pendingMod = mod
	return doc.Requests, nil
}

func (s *fileStore) loadAllowlist() ([]AllowlistEntry, error) {
	var doc allowlistFile
	mod, err := readJSONFile(s.allowlistPath, &doc)
	if err != nil {
		return nil, fmt.Errorf("load allowlist: %w", err)
	}
	s.allowlistMod = mod
	return doc.Entries, nil
}

func (s *fileStore) savePending(requests []PendingRequest) error {
	if s.pendingPath == "" {
		return nil
	}
	mod, err := writeJSONFile(s.pendingPath, pendingFile{Requests: requests})
	if err != nil {
		return fmt.Errorf("save pending pairing requests: %w", err)
	}
	s.pendingMod = mod
	return nil
}

func (s *fileStore) saveAllowlist(entries []AllowlistEntry) error {
	if s.allowlistPath == "" {
		return nil
	}
	mod, err := writeJSONFile(s.allowlistPath, allowlistFile{Entries: entries})
	if err != nil {
		return fmt.Errorf("save allowlist: %w", err)
	}
	s.allowlistMod = mod
	return nil
}

func (s *fileStore) persistent() bool {
	return s.pendingPath != "" || s.allowlistPath != ""
}

// changed reports whether either file was modified since the last load or save.
func (s *fileStore) changed() bool {
	return modifiedAfter(s.pendingPath, s.pendingMod) || modifiedAfter(s.allowlistPath, s.allowlistMod)
}

func modifiedAfter(path string, seen time.Time) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.ModTime().Equal(seen)
}

// readJSONFile decodes path into v. A missing file leaves v untouched.
func readJSONFile(path string, v interface{}) (time.Time, error) {
	if path == "" {
		return time.Time{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return info.ModTime(), nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func writeJSONFile(path string, payload interface{}) (time.Time, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return time.Time{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return time.Time{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
