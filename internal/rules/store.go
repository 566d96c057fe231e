// Package rules persists the ordered filter rule list.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dbreno/netwarden/internal/core"
)

// Store is the authoritative rule list and its backing file.
//
// Readers go through Current, which never blocks. Writers are serialised on
// mu and publish a fresh slice on success, so a reader holds either the old
// or the new list, never a mix.
type Store struct {
	path  string
	codec codec

	mu    sync.Mutex
	rules atomic.Pointer[[]core.Rule]
}

// New creates a Store backed by path and performs an initial Load.
// A missing or unreadable file yields an empty rule list.
func New(path string) *Store {
	s := &Store{
		path:  path,
		codec: codecFor(path),
	}
	empty := []core.Rule{}
	s.rules.Store(&empty)
	s.Load()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Current returns the in-memory rule list. The slice is shared and must not
// be modified.
func (s *Store) Current() []core.Rule {
	return *s.rules.Load()
}

// Load re-reads the backing file. On any read or decode failure it logs and
// keeps the last known good list, which it returns.
func (s *Store) Load() []core.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("rule file not found, keeping current rules", "path", s.path)
		} else {
			slog.Warn("rule store: read failed, keeping current rules", "path", s.path, "error", err)
		}
		return s.Current()
	}

	rules, err := s.codec.Unmarshal(data)
	if err != nil {
		slog.Warn("rule store: decode failed, keeping current rules", "path", s.path, "error", err)
		return s.Current()
	}
	if rules == nil {
		rules = []core.Rule{}
	}
	for i := range rules {
		rules[i] = rules[i].Canonical()
	}
	s.rules.Store(&rules)

	slog.Debug("rules loaded", "path", s.path, "count", len(rules))
	return rules
}

// ReadFile decodes the rule file at path without touching any store and
// validates every rule. The returned error names the first bad index.
func ReadFile(path string) ([]core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := codecFor(path).Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return rules, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}

// Save replaces the persisted rule list. The in-memory list changes only if
// the file was written successfully. Errors wrap core.ErrPersistence.
func (s *Store) Save(rules []core.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(clone(rules))
}

// Add appends a rule.
func (s *Store) Add(rule core.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Current()
	next := make([]core.Rule, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, cloneRule(rule.Canonical()))
	return s.save(next)
}

// Update replaces the rule at index.
func (s *Store) Update(index int, rule core.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Current()
	if index < 0 || index >= len(cur) {
		return fmt.Errorf("update rule %d of %d: %w", index, len(cur), core.ErrIndex)
	}
	next := clone(cur)
	next[index] = cloneRule(rule.Canonical())
	return s.save(next)
}

// Delete removes the rule at index; later rules shift down by one.
func (s *Store) Delete(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Current()
	if index < 0 || index >= len(cur) {
		return fmt.Errorf("delete rule %d of %d: %w", index, len(cur), core.ErrIndex)
	}
	next := make([]core.Rule, 0, len(cur)-1)
	next = append(next, cur[:index]...)
	next = append(next, cur[index+1:]...)
	return s.save(next)
}

// save writes rules through a temp file + rename and then publishes them.
// Caller must hold mu.
func (s *Store) save(rules []core.Rule) error {
	data, err := s.codec.Marshal(rules)
	if err != nil {
		return fmt.Errorf("rule store: marshal: %w: %w", core.ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("rule store: create directory %q: %w: %w", dir, core.ErrPersistence, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("rule store: create temp file: %w: %w", core.ErrPersistence, err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("rule store: write temp file: %w: %w", core.ErrPersistence, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rule store: close temp file: %w: %w", core.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rule store: rename temp -> %q: %w: %w", s.path, core.ErrPersistence, err)
	}

	if rules == nil {
		rules = []core.Rule{}
	}
	s.rules.Store(&rules)

	slog.Debug("rules persisted", "path", s.path, "count", len(rules))
	return nil
}

func clone(rules []core.Rule) []core.Rule {
	out := make([]core.Rule, len(rules))
	for i, r := range rules {
		out[i] = cloneRule(r)
	}
	return out
}

// cloneRule detaches the port pointers from the caller's copy.
func cloneRule(r core.Rule) core.Rule {
	if r.SrcPort != nil {
		r.SrcPort = core.Port(*r.SrcPort)
	}
	if r.DstPort != nil {
		r.DstPort = core.Port(*r.DstPort)
	}
	return r
}
