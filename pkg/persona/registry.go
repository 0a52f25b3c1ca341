package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/troupelab/troupe/pkg/logger"
)

// registryFile is the on-disk shape of one persona file: an identity plus
// optionally inlined profiles.
type registryFile struct {
	Persona  *Identity      `json:"persona" yaml:"persona"`
	Personas []Identity     `json:"personas,omitempty" yaml:"personas,omitempty"`
	Canon    []CanonProfile `json:"canon,omitempty" yaml:"canon,omitempty"`
	Tone     []ToneProfile  `json:"tone,omitempty" yaml:"tone,omitempty"`
}

// Registry is the read-only persona capability table: identity id → identity
// and profile refs → profiles. Adding a persona means adding a file, never a
// code branch.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Identity
	canon    map[string]CanonProfile
	tone     map[string]ToneProfile
}

func NewRegistry() *Registry {
	return &Registry{
		personas: make(map[string]Identity),
		canon:    make(map[string]CanonProfile),
		tone:     make(map[string]ToneProfile),
	}
}

// LoadDir reads every *.yaml, *.yml and *.json file under dir. A missing
// directory yields an empty registry, not an error.
func LoadDir(dir string) (*Registry, error) {
	r := NewRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := r.loadFile(path, ext); err != nil {
			logger.WarnCF("persona", "skipping unreadable persona file", map[string]any{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	return r, nil
}

func (r *Registry) loadFile(path, ext string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file registryFile
	if ext == ".json" {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if file.Persona != nil {
		r.addLocked(*file.Persona)
	}
	for _, p := range file.Personas {
		r.addLocked(p)
	}
	for _, c := range file.Canon {
		if c.Ref != "" {
			r.canon[c.Ref] = c
		}
	}
	for _, t := range file.Tone {
		if t.Ref != "" {
			r.tone[t.Ref] = t
		}
	}
	return nil
}

func (r *Registry) addLocked(p Identity) {
	if p.ID == "" {
		return
	}
	r.personas[p.ID] = p
}

// Add registers an identity programmatically (used by tests and the REPL).
func (r *Registry) Add(p Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(p)
}

// AddCanon registers a canon profile programmatically.
func (r *Registry) AddCanon(c CanonProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Ref != "" {
		r.canon[c.Ref] = c
	}
}

// AddTone registers a tone profile programmatically.
func (r *Registry) AddTone(t ToneProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Ref != "" {
		r.tone[t.Ref] = t
	}
}

// Get returns the identity for id.
func (r *Registry) Get(id string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	return p, ok
}

// List returns all identities sorted by id.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Canon resolves a canon profile ref. A missing profile falls back to a
// generic built-in default: the persona keeps working and only loses its
// specific factual grounding.
func (r *Registry) Canon(ref string) CanonProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.canon[ref]; ok {
		return c
	}
	if ref != "" {
		logger.WarnCF("persona", "canon profile missing, using generic default", map[string]any{"ref": ref})
	}
	return defaultCanon
}

// Tone resolves a tone profile ref, falling back to a generic default.
func (r *Registry) Tone(ref string) ToneProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tone[ref]; ok {
		return t
	}
	if ref != "" {
		logger.WarnCF("persona", "tone profile missing, using generic default", map[string]any{"ref": ref})
	}
	return defaultTone
}

var defaultCanon = CanonProfile{
	Ref:     "builtin-generic",
	Summary: "Answer only from your own stated background and expertise.",
	Boundaries: []string{
		"If a question falls outside your background, say you do not know.",
		"Do not invent credentials, affiliations, or events.",
	},
}

var defaultTone = ToneProfile{
	Ref:   "builtin-generic",
	Style: "Natural, conversational, and consistent with your stated personality.",
}
