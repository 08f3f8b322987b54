package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/song"
)

// settle is how long a file must stay unchanged before it is reloaded.
const settle = 150 * time.Millisecond

// watchSong reloads path through load whenever it is written. The
// directory is watched so editors that replace the file are picked up too.
func watchSong(ctx context.Context, path string, log *zap.Logger, load func(*song.Song) error) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	log = log.Named("watch")

	var changed time.Time
	check := time.NewTicker(50 * time.Millisecond)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == path && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				changed = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		case <-check.C:
			if changed.IsZero() || time.Since(changed) < settle {
				continue
			}
			changed = time.Time{}
			sg, err := song.LoadFile(path)
			if err != nil {
				log.Error("reload failed, keeping current song", zap.String("path", path), zap.Error(err))
				continue
			}
			if err := load(sg); err != nil {
				log.Error("reload rejected", zap.String("path", path), zap.Error(err))
				continue
			}
			log.Info("song reloaded", zap.String("path", path), zap.String("name", sg.Name))
		}
	}
}
