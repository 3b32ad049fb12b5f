package importer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/annocollab/internal/storage"
)

// Watch scans the root once and then rescans whenever a FASTA or GFF3 file
// is created, written or renamed, until ctx is cancelled. Bursts of events
// are debounced into one scan. New directories are added to the watch list.
func (im *Importer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, im.root); err != nil {
		return err
	}
	im.logger.Info("importer: watching", slog.String("root", im.root))

	if err := im.Scan(ctx); err != nil && ctx.Err() == nil {
		im.logger.Warn("importer: initial scan incomplete", slog.String("error", err.Error()))
	}

	var scanTimer *time.Timer
	var scanCh <-chan time.Time
	scheduleScan := func() {
		if scanTimer == nil {
			scanTimer = time.NewTimer(im.debounce)
			scanCh = scanTimer.C
		} else {
			scanTimer.Reset(im.debounce)
		}
	}

	exts := slices.Concat(fastaExts, gff3Exts)
	for {
		select {
		case <-ctx.Done():
			if scanTimer != nil {
				scanTimer.Stop()
			}
			im.logger.Info("importer: stopped")
			return nil

		case <-scanCh:
			if err := im.Scan(ctx); err != nil && ctx.Err() == nil {
				im.logger.Warn("importer: scan incomplete", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						im.logger.Warn("importer: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					scheduleScan()
					continue
				}
			}
			if !storage.HasExt(ev.Name, exts...) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				im.logger.Debug("importer: file changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				scheduleScan()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("importer: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
