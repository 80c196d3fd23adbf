// Package persona loads role profiles and builds the anchor a conversation is
// measured against.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// ErrMissingProfile means neither the profile store nor the sample itself
// describes the role.
var ErrMissingProfile = errors.New("no profile for role")

// MissingAssetError is returned when a profile file is absent. The message
// carries the step that fixes it.
type MissingAssetError struct {
	Path        string
	Remediation string
}

func (e *MissingAssetError) Error() string {
	return fmt.Sprintf("profile asset not found: %s\n   %s", e.Path, e.Remediation)
}

const profileRemediation = "Download the RoleBench profiles (desc.json, scripts.json) into the profile directory, " +
	"e.g. from https://huggingface.co/datasets/ZenMoore/RoleBench/tree/main/profiles-eng"

// Profile describes one role.
type Profile struct {
	Role         string
	Description  string
	Catchphrases []string
}

// ProfileStore holds every loaded profile. It is read-only after loading.
type ProfileStore struct {
	dir      string
	profiles map[string]Profile
}

// LoadProfiles reads desc.json (role → description) and scripts.json
// (role → utterance or list of utterances) from dir.
func LoadProfiles(dir string) (*ProfileStore, error) {
	descPath := filepath.Join(dir, "desc.json")
	scriptsPath := filepath.Join(dir, "scripts.json")

	for _, p := range []string{descPath, scriptsPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return nil, &MissingAssetError{Path: p, Remediation: profileRemediation}
		}
	}

	var descriptions map[string]string
	if err := readJSON(descPath, &descriptions); err != nil {
		return nil, err
	}

	var scripts map[string]json.RawMessage
	if err := readJSON(scriptsPath, &scripts); err != nil {
		return nil, err
	}

	store := &ProfileStore{
		dir:      dir,
		profiles: make(map[string]Profile, len(descriptions)),
	}
	for role, desc := range descriptions {
		store.profiles[role] = Profile{Role: role, Description: desc}
	}
	for role, raw := range scripts {
		p := store.profiles[role]
		p.Role = role
		p.Catchphrases = normalizeScripts(raw)
		store.profiles[role] = p
	}

	log.Info().Str("dir", dir).Int("roles", len(store.profiles)).Msg("loaded profiles")
	return store, nil
}

// NewProfileStore builds a store from in-memory profiles.
func NewProfileStore(profiles ...Profile) *ProfileStore {
	s := &ProfileStore{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.Role] = p
	}
	return s
}

// Lookup returns the profile for role.
func (s *ProfileStore) Lookup(role string) (Profile, bool) {
	if s == nil {
		return Profile{}, false
	}
	p, ok := s.profiles[role]
	return p, ok
}

// Roles returns all role names, sorted.
func (s *ProfileStore) Roles() []string {
	if s == nil {
		return nil
	}
	roles := make([]string, 0, len(s.profiles))
	for r := range s.profiles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Len returns the number of profiles.
func (s *ProfileStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.profiles)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// normalizeScripts accepts a string or a list and returns the non-empty
// string utterances. A non-empty string becomes a one-element list.
func normalizeScripts(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
