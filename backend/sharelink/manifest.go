package sharelink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meigma/artifactcache/key"
)

const (
	manifestFormatVersion = "1.0"
	generatedAtLayout     = "2006-01-02 15:04:05"
	prerunDir             = "prerun"
)

// ManifestEntry is one published artifact.
type ManifestEntry struct {
	Location    string `json:"location"`
	Scenario    string `json:"scenario"`
	Filename    string `json:"filename"`
	SharingLink string `json:"sharing_link"`
}

// Manifest maps artifact keys to sharing links. Precomputed results are
// indexed as "{location}_{scenario}" under the manifest's model version;
// any other key is indexed by its string form.
//
// A Manifest is safe for concurrent use.
type Manifest struct {
	mu sync.RWMutex

	FormatVersion string                   `json:"format_version"`
	GeneratedAt   string                   `json:"generated_at"`
	ModelVersion  string                   `json:"model_version"`
	Simulations   map[string]ManifestEntry `json:"simulations"`
}

// NewManifest returns an empty manifest for modelVersion.
func NewManifest(modelVersion string) *Manifest {
	return &Manifest{
		FormatVersion: manifestFormatVersion,
		ModelVersion:  modelVersion,
		Simulations:   make(map[string]ManifestEntry),
	}
}

// LoadManifest reads a manifest file. A missing file is reported with an
// error matching os.ErrNotExist.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read links manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	m := NewManifest("")
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode links manifest: %w", err)
	}
	if m.Simulations == nil {
		m.Simulations = make(map[string]ManifestEntry)
	}
	return m, nil
}

// Save writes the manifest atomically, stamping GeneratedAt.
func (m *Manifest) Save(path string) error {
	m.mu.Lock()
	m.GeneratedAt = time.Now().Format(generatedAtLayout)
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode links manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// entryName returns the index used for k and whether k is a precomputed
// result of this manifest's model version.
func (m *Manifest) entryName(k key.Key) (string, bool) {
	if !k.Custom && k.Ext == key.DefaultExt && k.Namespace == m.ModelVersion {
		return k.Location + "_" + k.Code, true
	}
	return k.String(), false
}

// Lookup returns the sharing link recorded for k.
func (m *Manifest) Lookup(k key.Key) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, _ := m.entryName(k)
	e, ok := m.Simulations[name]
	if !ok || e.SharingLink == "" {
		return "", false
	}
	return e.SharingLink, true
}

// Set records link for k, replacing any previous entry.
func (m *Manifest) Set(k key.Key, link string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, prerun := m.entryName(k)
	filename := k.String()
	if prerun {
		filename = prerunDir + "/" + k.Location + "/" + k.Filename()
	}
	m.Simulations[name] = ManifestEntry{
		Location:    k.Location,
		Scenario:    k.Code,
		Filename:    filename,
		SharingLink: link,
	}
}

// Remove deletes the entry for k and reports whether one existed.
func (m *Manifest) Remove(k key.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, _ := m.entryName(k)
	_, ok := m.Simulations[name]
	delete(m.Simulations, name)
	return ok
}

// Keys returns every key the manifest can resolve, sorted by string form.
// Entries whose names do not form a valid key are skipped.
func (m *Manifest) Keys() []key.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]key.Key, 0, len(m.Simulations))
	for name, e := range m.Simulations {
		if k, err := key.Parse(name); err == nil {
			keys = append(keys, k)
			continue
		}
		if k, err := key.FromManifest(e.Location, e.Scenario, m.ModelVersion); err == nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
