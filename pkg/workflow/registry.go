package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	wefterrors "github.com/weftworks/weft/pkg/errors"
)

// Publisher persists published definitions. The store gateway implements it
// over the workflows collection; tests use an in-memory stub.
type Publisher interface {
	// PutWorkflow writes a published version
	PutWorkflow(ctx context.Context, pub *Published) error

	// GetWorkflow returns the latest published version for an id, or a
	// NotFoundError
	GetWorkflow(ctx context.Context, id string) (*Published, error)
}

// Registry loads workflow definitions from a directory tree, publishes them
// to the store, and serves the latest version of each by id. Content is
// immutable once published: a changed file publishes a new version, and runs
// started against an earlier version keep their snapshot.
type Registry struct {
	dir       string
	publisher Publisher
	logger    *slog.Logger

	mu   sync.RWMutex
	byID map[string]*Published
	// sources maps absolute file paths to the workflow ids they defined,
	// so a reload can tell renames from edits
	sources map[string]string

	fsWatcher      *fsnotify.Watcher
	debounceDelay  time.Duration
	pendingReloads map[string]*time.Timer
	watchMu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// definitionGlobs are the file patterns the loader picks up, relative to the
// definitions directory.
var definitionGlobs = []string{"**/*.yaml", "**/*.yml"}

// NewRegistry creates a registry over the given definitions directory.
// Publisher may be nil for a purely in-memory registry (tests).
func NewRegistry(dir string, publisher Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		dir:            dir,
		publisher:      publisher,
		logger:         logger,
		byID:           make(map[string]*Published),
		sources:        make(map[string]string),
		debounceDelay:  200 * time.Millisecond,
		pendingReloads: make(map[string]*time.Timer),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Load parses every definition file under the directory and publishes each.
// Two files declaring the same workflow id is an error. A missing directory
// loads nothing: a daemon may run with definitions registered later.
func (r *Registry) Load(ctx context.Context) error {
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		r.logger.Info("definitions directory does not exist, starting empty", "dir", r.dir)
		return nil
	}

	paths, err := r.findDefinitionFiles()
	if err != nil {
		return err
	}

	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		def, err := r.parseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := seen[def.ID]; ok {
			return &wefterrors.ConflictError{
				Resource: "workflow",
				ID:       def.ID,
				Reason:   fmt.Sprintf("defined in both %s and %s", prev, path),
			}
		}
		seen[def.ID] = path

		if _, err := r.publish(ctx, def, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	r.logger.Info("workflow definitions loaded", "dir", r.dir, "count", len(paths))
	return nil
}

// Get returns the latest published version of a workflow.
func (r *Registry) Get(id string) (*Published, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.byID[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return pub, nil
}

// List returns the latest version of every registered workflow, sorted by id.
func (r *Registry) List() []*Published {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Published, 0, len(r.byID))
	for _, pub := range r.byID {
		out = append(out, pub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register validates and publishes a definition built in code rather than
// loaded from a file.
func (r *Registry) Register(ctx context.Context, def *Definition) (*Published, error) {
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return r.publish(ctx, def, "")
}

// Watch starts hot-reloading changed definition files. A changed file
// publishes a new version; a broken file is logged and the previous version
// stays live. In-flight runs are unaffected either way.
func (r *Registry) Watch() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create definitions watcher: %w", err)
	}
	r.fsWatcher = fsWatcher

	// fsnotify does not recurse, so watch each directory in the tree.
	err = filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsWatcher.Add(path)
		}
		return nil
	})
	if err != nil {
		fsWatcher.Close()
		r.fsWatcher = nil
		return fmt.Errorf("failed to watch definitions directory: %w", err)
	}

	r.wg.Add(1)
	go r.processEvents()

	r.logger.Info("watching definitions directory", "dir", r.dir)
	return nil
}

// Close stops the watcher, if running.
func (r *Registry) Close() error {
	r.cancel()

	r.watchMu.Lock()
	for _, timer := range r.pendingReloads {
		timer.Stop()
	}
	r.watchMu.Unlock()

	r.wg.Wait()

	if r.fsWatcher != nil {
		return r.fsWatcher.Close()
	}
	return nil
}

// findDefinitionFiles globs the directory tree for definition files.
func (r *Registry) findDefinitionFiles() ([]string, error) {
	var paths []string
	for _, glob := range definitionGlobs {
		matches, err := doublestar.FilepathGlob(filepath.Join(r.dir, glob))
		if err != nil {
			return nil, fmt.Errorf("invalid definitions glob %q: %w", glob, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}

// parseFile reads and parses one definition file.
func (r *Registry) parseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	return ParseDefinition(data)
}

// publish assigns a version and persists the definition. An unchanged
// content hash keeps the current version; a changed hash bumps it. After a
// restart the previous version is recovered from the store so versions keep
// increasing across processes.
func (r *Registry) publish(ctx context.Context, def *Definition, source string) (*Published, error) {
	hash := def.Hash()

	prev := r.previous(ctx, def.ID)
	switch {
	case prev == nil:
		def.Version = 1
	case prev.ContentHash == hash:
		def.Version = prev.Version
	default:
		def.Version = prev.Version + 1
	}

	pub := &Published{
		Definition:  *def,
		ContentHash: hash,
		Source:      source,
		PublishedAt: time.Now().UTC(),
	}

	changed := prev == nil || prev.ContentHash != hash
	if changed && r.publisher != nil {
		if err := r.publisher.PutWorkflow(ctx, pub); err != nil {
			return nil, fmt.Errorf("failed to publish workflow %s: %w", def.ID, err)
		}
	}

	r.mu.Lock()
	r.byID[def.ID] = pub
	if source != "" {
		if abs, err := filepath.Abs(source); err == nil {
			r.sources[abs] = def.ID
		}
	}
	r.mu.Unlock()

	if changed {
		r.logger.Info("workflow published",
			"workflow", def.ID,
			"version", def.Version,
			"steps", len(def.Steps),
		)
	}
	return pub, nil
}

// previous returns the last published version, consulting memory first and
// then the store.
func (r *Registry) previous(ctx context.Context, id string) *Published {
	r.mu.RLock()
	prev, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return prev
	}

	if r.publisher == nil {
		return nil
	}
	stored, err := r.publisher.GetWorkflow(ctx, id)
	if err != nil {
		return nil
	}
	return stored
}

// processEvents handles filesystem events and schedules debounced reloads.
func (r *Registry) processEvents() {
	defer r.wg.Done()

	for {
		select {
		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = r.fsWatcher.Add(event.Name)
					continue
				}
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if isDefinitionFile(event.Name) {
					r.scheduleReload(event.Name)
				}
			}

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("definitions watcher error", "error", err)

		case <-r.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a debounced reload for a changed file. Editors
// produce bursts of writes; only the last one triggers parsing.
func (r *Registry) scheduleReload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	r.watchMu.Lock()
	if timer, exists := r.pendingReloads[abs]; exists {
		timer.Stop()
	}
	r.pendingReloads[abs] = time.AfterFunc(r.debounceDelay, func() {
		r.reloadFile(abs)
	})
	r.watchMu.Unlock()
}

// reloadFile re-parses and republishes one changed file.
func (r *Registry) reloadFile(path string) {
	r.watchMu.Lock()
	delete(r.pendingReloads, path)
	r.watchMu.Unlock()

	def, err := r.parseFile(path)
	if err != nil {
		r.logger.Error("definition reload failed, keeping previous version",
			"file", path,
			"error", err,
		)
		return
	}

	// A file may not change which workflow it defines: that would orphan
	// the old id while runs still reference it.
	r.mu.RLock()
	previousID, known := r.sources[path]
	r.mu.RUnlock()
	if known && previousID != def.ID {
		r.logger.Error("definition file changed its workflow id, ignoring",
			"file", path,
			"previous", previousID,
			"new", def.ID,
		)
		return
	}

	if _, err := r.publish(r.ctx, def, path); err != nil {
		r.logger.Error("definition republish failed",
			"file", path,
			"workflow", def.ID,
			"error", err,
		)
		return
	}

	r.logger.Info("definition reloaded", "file", path, "workflow", def.ID)
}

// isDefinitionFile reports whether a path looks like a definition file.
func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
