package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tokoroten/tokoroten/internal/audio"
)

// scriptsToHash - files that affect stem separation (changing these invalidates cache)
var scriptsToHash = []string{
	"separate.py",
}

const manifestName = "manifest.json"

var errDegraded = errors.New("refusing to cache a degraded separation")

// StemCache manages cached stem separation results
type StemCache struct {
	dir     string
	version string
}

// CachedStems represents cached stem file paths
type CachedStems struct {
	Key      string
	Backend  string
	Paths    map[string]string
	CachedAt time.Time
}

type manifest struct {
	Version string    `json:"version"`
	Backend string    `json:"backend"`
	Stems   []string  `json:"stems"`
	Created time.Time `json:"created_at"`
}

// NewStemCache opens (creating if needed) a cache rooted at dir. Entries
// are versioned by the hash of the separation scripts in scriptsDir.
func NewStemCache(dir, scriptsDir string) (*StemCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &StemCache{dir: dir, version: ScriptVersion(scriptsDir)}, nil
}

// ScriptVersion hashes every script that affects separation
func ScriptVersion(scriptsDir string) string {
	hasher := sha256.New()
	for _, script := range scriptsToHash {
		data, err := os.ReadFile(filepath.Join(scriptsDir, script))
		if err != nil {
			// Script not found - use filename as fallback
			hasher.Write([]byte(script))
			continue
		}
		hasher.Write(data)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:12]
}

// Version returns the script hash entries must match
func (c *StemCache) Version() string { return c.version }

// Dir returns the directory for a key
func (c *StemCache) Dir(key string) string { return filepath.Join(c.dir, key) }

// KeyForFile generates a cache key from a file's content hash
func KeyForFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}

	return "file_" + hex.EncodeToString(hash.Sum(nil))[:16], nil
}

// Get retrieves cached stems for the given key. An entry written by a
// different script version, or missing any stem it lists, is a miss.
func (c *StemCache) Get(key string) (*CachedStems, bool) {
	sub := c.Dir(key)
	data, err := os.ReadFile(filepath.Join(sub, manifestName))
	if err != nil {
		return nil, false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil || m.Version != c.version || len(m.Stems) == 0 {
		return nil, false
	}

	result := &CachedStems{
		Key:      key,
		Backend:  m.Backend,
		Paths:    make(map[string]string, len(m.Stems)),
		CachedAt: m.Created,
	}
	for _, name := range m.Stems {
		path := filepath.Join(sub, name+".wav")
		if !fileExists(path) {
			return nil, false
		}
		result.Paths[name] = path
	}
	return result, true
}

// Load reads a cached entry back into a successful StemSet
func (c *StemCache) Load(key string) (audio.StemSet, bool) {
	cached, ok := c.Get(key)
	if !ok {
		return audio.StemSet{}, false
	}
	stems := make(map[string]*audio.Waveform, len(cached.Paths))
	for name, path := range cached.Paths {
		w, err := audio.ReadWAV(path)
		if err != nil {
			return audio.StemSet{}, false
		}
		stems[name] = w
	}
	return audio.StemSet{
		Stems:   stems,
		Outcome: audio.OutcomeSuccess,
		Backend: cached.Backend,
	}, true
}

// Put stores a successful separation. Stems are written as 32-bit WAV.
func (c *StemCache) Put(key string, set audio.StemSet) (*CachedStems, error) {
	if set.Outcome != audio.OutcomeSuccess || len(set.Stems) == 0 {
		return nil, errDegraded
	}
	sub := c.Dir(key)
	if err := os.MkdirAll(sub, 0755); err != nil {
		return nil, fmt.Errorf("create cache subdir: %w", err)
	}

	result := &CachedStems{
		Key:      key,
		Backend:  set.Backend,
		Paths:    make(map[string]string, len(set.Stems)),
		CachedAt: time.Now(),
	}
	names := set.Names()
	for _, name := range names {
		dst := filepath.Join(sub, name+".wav")
		if err := audio.WriteWAV(dst, set.Stems[name], 32); err != nil {
			return nil, fmt.Errorf("cache %s stem: %w", name, err)
		}
		result.Paths[name] = dst
	}

	// manifest last, so a partial write is never a hit
	data, err := json.MarshalIndent(manifest{
		Version: c.version,
		Backend: set.Backend,
		Stems:   names,
		Created: result.CachedAt,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sub, manifestName), data, 0644); err != nil {
		return nil, fmt.Errorf("write cache manifest: %w", err)
	}
	return result, nil
}

// Clear removes all cached stems
func (c *StemCache) Clear() error {
	return os.RemoveAll(c.dir)
}

// Size returns the total size of cached stems in bytes and the entry count
func (c *StemCache) Size() (int64, int, error) {
	var totalSize int64
	var count int

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		count++

		files, _ := os.ReadDir(filepath.Join(c.dir, entry.Name()))
		for _, f := range files {
			if info, err := f.Info(); err == nil {
				totalSize += info.Size()
			}
		}
	}

	return totalSize, count, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
