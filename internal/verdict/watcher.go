package verdict

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/quantsys/atabus/internal/log"
)

// Watcher processes verdict files dropped into a directory. Files are
// renamed with a ".processed" suffix after a successful run so restarts do
// not reprocess them; files that fail to parse are retried on their next
// write event.
type Watcher struct {
	dir     string
	handler *Handler
}

// NewWatcher creates the verdict directory if needed.
func NewWatcher(dir string, handler *Handler) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Watcher{dir: dir, handler: handler}, nil
}

// Run scans existing files, then blocks on filesystem events until the
// context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.scan()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.process(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.ErrorErr(log.CatVerdict, "Watcher error", err)
		}
	}
}

// scan processes verdict files already present at startup.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.ErrorErr(log.CatVerdict, "Scanning verdict dir failed", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.process(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *Watcher) process(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	result, err := w.handler.ProcessFile(path)
	if err != nil {
		log.Warn(log.CatVerdict, "Verdict not processed", "path", path, "error", err.Error())
		return
	}
	if err := os.Rename(path, path+".processed"); err != nil {
		log.ErrorErr(log.CatVerdict, "Marking verdict processed failed", err, "path", path)
	}
	log.Info(log.CatVerdict, "Verdict file handled", "path", path, "taskID", result.Verdict.TaskID, "status", result.Verdict.Status)
}
