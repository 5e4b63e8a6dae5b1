// Package store persists profiles and their proxy fleets as one
// human-inspectable YAML document. Writes are atomic (temp file + rename)
// so a killed process can never leave a half-written store behind.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	prov "github.com/omniprox/omniprox/internal/providers"
)

// ErrNotFound is returned when no record exists for a (provider, profile)
// pair.
var ErrNotFound = errors.New("profile not found")

// PersistenceError signals a failed store write. The command treats it as
// fatal but still prints in-memory results so created resources are not
// silently lost.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Record is one persisted (provider, profile) bundle: the credential
// profile plus the fleet it owns, in creation order.
type Record struct {
	Profile prov.Profile    `yaml:"profile"`
	Fleet   []prov.Endpoint `yaml:"fleet"`
}

type document struct {
	Records map[string]Record `yaml:"records"`
}

// Store owns the YAML document at Path. One command invocation owns the
// store exclusively; no cross-process locking is attempted.
type Store struct {
	Path string
}

// DefaultPath resolves $XDG_CONFIG_HOME/omniprox/profiles.yaml, falling
// back to ~/.config/omniprox/profiles.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "omniprox", "profiles.yaml")
}

func Open(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{Path: path}
}

func key(provider, profile string) string {
	return provider + "/" + profile
}

func (s *Store) read() (document, error) {
	doc := document{Records: map[string]Record{}}
	content, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read store: %w", err)
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return doc, fmt.Errorf("parse store: %w", err)
	}
	if doc.Records == nil {
		doc.Records = map[string]Record{}
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return &PersistenceError{Path: s.Path, Err: err}
	}
	content, err := yaml.Marshal(doc)
	if err != nil {
		return &PersistenceError{Path: s.Path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".profiles-*.yaml")
	if err != nil {
		return &PersistenceError{Path: s.Path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: s.Path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: s.Path, Err: err}
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: s.Path, Err: err}
	}
	return nil
}

// LoadProfile returns the stored profile for (provider, name), with
// credentials overlaid from secrets.env and the environment.
func (s *Store) LoadProfile(provider, name string) (prov.Profile, error) {
	doc, err := s.read()
	if err != nil {
		return prov.Profile{}, err
	}
	rec, ok := doc.Records[key(provider, name)]
	if !ok {
		return prov.Profile{}, fmt.Errorf("%s/%s: %w", provider, name, ErrNotFound)
	}
	p := rec.Profile
	p.Provider = provider
	p.Name = name
	mergeSecrets(&p, filepath.Join(filepath.Dir(s.Path), "secrets.env"))
	return p, nil
}

// SaveProfile stores a profile, preserving any fleet already recorded for
// it.
func (s *Store) SaveProfile(p prov.Profile) error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	k := key(p.Provider, p.Name)
	rec := doc.Records[k]
	rec.Profile = p
	doc.Records[k] = rec
	return s.write(doc)
}

// LoadFleet returns the persisted fleet for (provider, profile) in
// creation order. A missing record yields an empty fleet.
func (s *Store) LoadFleet(provider, profile string) ([]prov.Endpoint, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Records[key(provider, profile)].Fleet, nil
}

// SaveFleet replaces the persisted fleet for (provider, profile).
func (s *Store) SaveFleet(provider, profile string, fleet []prov.Endpoint) error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	k := key(provider, profile)
	rec := doc.Records[k]
	if rec.Profile.Provider == "" {
		rec.Profile = prov.Profile{Provider: provider, Name: profile}
	}
	rec.Fleet = fleet
	doc.Records[k] = rec
	return s.write(doc)
}

// Keys lists every stored (provider, profile) pair as "provider/profile",
// sorted.
func (s *Store) Keys() ([]string, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Records))
	for k := range doc.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
