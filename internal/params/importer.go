package params

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Importer watches a drop-in directory for profile payload files. A JSON
// file landing there becomes a new revision with source=import; the file is
// renamed afterwards so restarts do not re-import it.
type Importer struct {
	engine    *Engine
	importDir string
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopOnce sync.Once

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

func NewImporter(engine *Engine, importDir string, log zerolog.Logger) *Importer {
	return &Importer{
		engine:         engine,
		importDir:      importDir,
		log:            log.With().Str("component", "param-importer").Logger(),
		stop:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching the import directory and processes any files already
// present. A missing directory is created.
func (im *Importer) Start() error {
	if err := os.MkdirAll(im.importDir, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(im.importDir); err != nil {
		w.Close()
		return err
	}
	im.watcher = w

	go im.watchLoop()

	entries, _ := os.ReadDir(im.importDir)
	for _, e := range entries {
		if e.IsDir() || !isImportFile(e.Name()) {
			continue
		}
		im.scheduleProcess(filepath.Join(im.importDir, e.Name()))
	}

	im.log.Info().Str("dir", im.importDir).Msg("parameter import watcher started")
	return nil
}

func (im *Importer) Stop() {
	im.stopOnce.Do(func() { close(im.stop) })
	if im.watcher != nil {
		im.watcher.Close()
	}
}

func isImportFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func (im *Importer) watchLoop() {
	for {
		select {
		case <-im.stop:
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isImportFile(event.Name) {
				continue
			}
			im.scheduleProcess(event.Name)

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing by 500ms. This coalesces rapid
// Create+Write events and ensures the file is fully written before reading.
func (im *Importer) scheduleProcess(path string) {
	im.debounceMu.Lock()
	defer im.debounceMu.Unlock()

	if t, ok := im.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	im.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		im.debounceMu.Lock()
		delete(im.debounceTimers, path)
		im.debounceMu.Unlock()

		im.processFile(path)
	})
}

func (im *Importer) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		im.log.Warn().Err(err).Str("path", path).Msg("read import file")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rev, res, err := im.engine.CreateRevision(ctx, "import", data)
	if err != nil {
		im.log.Error().Err(err).Str("path", path).Msg("import revision failed")
		return
	}
	if !res.Valid {
		im.log.Warn().
			Str("path", path).
			Strs("errors", res.Errors).
			Int64("revision_id", rev.ID).
			Msg("imported payload stored as invalid draft")
	} else {
		im.log.Info().
			Str("path", path).
			Int64("revision_id", rev.ID).
			Int("revision_no", rev.RevisionNo).
			Msg("profile payload imported")
	}

	done := path + ".imported"
	if err := os.Rename(path, done); err != nil {
		im.log.Warn().Err(err).Str("path", path).Msg("rename imported file")
	}
}
