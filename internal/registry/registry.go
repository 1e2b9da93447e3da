// Package registry is a filesystem-backed tool registry. Each tool lives in
// its own directory holding metadata.json and adapter.json, with the script
// payload stored separately under scripts/. Entries are cached in memory and
// invalidated by filesystem notifications so out-of-band edits (a developer
// fixing an adapter by hand) are picked up without a restart.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"toolbridge/internal/engine"
)

const (
	metadataFileName = "metadata.json"
	adapterFileName  = "adapter.json"

	toolsSubdir   = "tools"
	scriptsSubdir = "scripts"
)

// ErrToolNotFound is returned by Get for an unknown tool ID.
var ErrToolNotFound = errors.New("tool not found")

// Config holds registry settings.
type Config struct {
	// RootDir is the registry root. Tool definitions live under
	// <root>/tools/<tool_id>/, script payloads under <root>/scripts/<tool_id>/.
	RootDir string

	// Watch enables fsnotify-based cache invalidation on the tools dir.
	Watch bool
}

// Store implements engine.Registry on the local filesystem.
type Store struct {
	cfg Config
	log *zap.Logger

	mu    sync.RWMutex
	cache map[string]*engine.ToolEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates the registry store, creating its directories as needed.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("registry root directory is required")
	}
	for _, dir := range []string{cfg.RootDir, filepath.Join(cfg.RootDir, toolsSubdir), filepath.Join(cfg.RootDir, scriptsSubdir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating registry directory %s: %w", dir, err)
		}
	}

	s := &Store{
		cfg:   cfg,
		log:   log.Named("registry"),
		cache: make(map[string]*engine.ToolEntry),
	}

	if cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating registry watcher: %w", err)
		}
		// Watches are not recursive: track the tools dir for new tool
		// directories, plus each existing tool dir for file edits.
		toolsDir := filepath.Join(cfg.RootDir, toolsSubdir)
		if err := watcher.Add(toolsDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching registry directory: %w", err)
		}
		if entries, err := os.ReadDir(toolsDir); err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					_ = watcher.Add(filepath.Join(toolsDir, entry.Name()))
				}
			}
		}
		s.watcher = watcher
		s.done = make(chan struct{})
		go s.watch()
	}

	return s, nil
}

// Close stops the filesystem watcher. Safe to call when watching is off.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

// watch invalidates cached entries when their directories change on disk.
func (s *Store) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(event.Name)
				}
			}
			toolID := filepath.Base(event.Name)
			// Events inside a tool dir name a file; fall back to its parent.
			if toolID == metadataFileName || toolID == adapterFileName {
				toolID = filepath.Base(filepath.Dir(event.Name))
			}
			s.mu.Lock()
			if _, cached := s.cache[toolID]; cached {
				delete(s.cache, toolID)
				s.log.Debug("cache invalidated", zap.String("tool_id", toolID), zap.String("op", event.Op.String()))
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("registry watcher error", zap.Error(err))
		}
	}
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	slugCollapse = regexp.MustCompile(`_+`)
)

// GenerateToolID derives a filesystem-safe tool ID from a display name. With
// allowExisting, the same name always maps to the same ID so saves update in
// place; otherwise a numeric suffix is appended until the ID is free.
func (s *Store) GenerateToolID(toolName string, allowExisting bool) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(toolName), "_")
	slug = slugCollapse.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "tool"
	}
	if allowExisting {
		return slug
	}
	base := slug
	for counter := 1; s.exists(slug); counter++ {
		slug = fmt.Sprintf("%s_%d", base, counter)
	}
	return slug
}

func (s *Store) exists(toolID string) bool {
	_, err := os.Stat(s.toolDir(toolID))
	return err == nil
}

// Save stores a tool definition and its script payload, overwriting any
// previous definition under the same ID. Script newlines are normalized so
// uploads from Windows hosts run cleanly.
func (s *Store) Save(ctx context.Context, meta engine.ToolMetadata, adapter engine.AdapterCode, sourceCode string) (string, error) {
	if meta.ToolID == "" {
		return "", errors.New("tool ID is required")
	}

	toolDir := s.toolDir(meta.ToolID)
	if err := os.MkdirAll(toolDir, 0o755); err != nil {
		return "", fmt.Errorf("creating tool directory: %w", err)
	}
	if s.watcher != nil {
		_ = s.watcher.Add(toolDir)
	}
	if err := writeJSON(filepath.Join(toolDir, metadataFileName), meta); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := writeJSON(filepath.Join(toolDir, adapterFileName), adapter); err != nil {
		return "", fmt.Errorf("writing adapter: %w", err)
	}

	scriptDir := s.scriptDir(meta.ToolID)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}
	normalized := normalizeNewlines(sourceCode)
	if err := os.WriteFile(filepath.Join(scriptDir, meta.FileName), []byte(normalized), 0o755); err != nil {
		return "", fmt.Errorf("writing script: %w", err)
	}

	s.invalidate(meta.ToolID)
	s.log.Info("tool saved", zap.String("tool_id", meta.ToolID), zap.String("file", meta.FileName))
	return meta.ToolID, nil
}

// Get returns the tool entry for one execution, from cache when possible.
func (s *Store) Get(ctx context.Context, toolID string) (*engine.ToolEntry, error) {
	s.mu.RLock()
	if entry, ok := s.cache[toolID]; ok {
		s.mu.RUnlock()
		copied := *entry
		return &copied, nil
	}
	s.mu.RUnlock()

	entry, err := s.load(toolID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[toolID] = entry
	s.mu.Unlock()

	copied := *entry
	return &copied, nil
}

func (s *Store) load(toolID string) (*engine.ToolEntry, error) {
	toolDir := s.toolDir(toolID)

	var meta engine.ToolMetadata
	if err := readJSON(filepath.Join(toolDir, metadataFileName), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
		}
		return nil, fmt.Errorf("reading metadata for %s: %w", toolID, err)
	}
	var adapter engine.AdapterCode
	if err := readJSON(filepath.Join(toolDir, adapterFileName), &adapter); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
		}
		return nil, fmt.Errorf("reading adapter for %s: %w", toolID, err)
	}

	return &engine.ToolEntry{
		Metadata:       meta,
		Adapter:        adapter,
		ExecutablePath: filepath.Join(s.scriptDir(toolID), meta.FileName),
	}, nil
}

// PutAdapter replaces only the adapter document, used by the engine to make
// a successful repair permanent. Returns false without error when the tool
// does not exist.
func (s *Store) PutAdapter(ctx context.Context, toolID string, adapter engine.AdapterCode) (bool, error) {
	toolDir := s.toolDir(toolID)
	if _, err := os.Stat(toolDir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := writeJSON(filepath.Join(toolDir, adapterFileName), adapter); err != nil {
		return false, fmt.Errorf("writing adapter for %s: %w", toolID, err)
	}
	s.invalidate(toolID)
	s.log.Info("adapter updated", zap.String("tool_id", toolID), zap.Int("version", adapter.Version))
	return true, nil
}

// List returns metadata for every registered tool, sorted by tool ID.
// Directories without a readable metadata file are skipped.
func (s *Store) List(ctx context.Context) ([]engine.ToolMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.RootDir, toolsSubdir))
	if err != nil {
		return nil, fmt.Errorf("reading registry directory: %w", err)
	}

	var tools []engine.ToolMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var meta engine.ToolMetadata
		if err := readJSON(filepath.Join(s.toolDir(entry.Name()), metadataFileName), &meta); err != nil {
			continue
		}
		tools = append(tools, meta)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolID < tools[j].ToolID })
	return tools, nil
}

// Delete removes a tool definition and its script payload. Returns whether
// anything was removed.
func (s *Store) Delete(ctx context.Context, toolID string) (bool, error) {
	deleted := false
	for _, dir := range []string{s.toolDir(toolID), s.scriptDir(toolID)} {
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				return deleted, fmt.Errorf("removing %s: %w", dir, err)
			}
			deleted = true
		}
	}
	s.invalidate(toolID)
	return deleted, nil
}

func (s *Store) invalidate(toolID string) {
	s.mu.Lock()
	delete(s.cache, toolID)
	s.mu.Unlock()
}

func (s *Store) toolDir(toolID string) string {
	return filepath.Join(s.cfg.RootDir, toolsSubdir, toolID)
}

func (s *Store) scriptDir(toolID string) string {
	return filepath.Join(s.cfg.RootDir, scriptsSubdir, toolID)
}

func normalizeNewlines(source string) string {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	return strings.ReplaceAll(source, "\r", "\n")
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
