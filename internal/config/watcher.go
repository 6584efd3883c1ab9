package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of fsnotify events most editors emit
// for a single save (write, chmod, rename-into-place) into one reload.
const debounceWindow = 250 * time.Millisecond

// ReloadEvent signals that accounts.yaml changed and should be re-read.
type ReloadEvent struct {
	Path string
}

// Watcher watches the dispatcher home for accounts.yaml changes and emits a
// debounced ReloadEvent per settled burst of filesystem activity.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is cancelled. The watch is on the home
// directory rather than the file itself so atomic rename-into-place saves
// keep working after the original inode is gone.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	accountsPath := filepath.Join(w.homeDir, "accounts.yaml")

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var pending *time.Timer
		var pendingC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != accountsPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(debounceWindow)
					pendingC = pending.C
				} else {
					if !pending.Stop() {
						<-pendingC
					}
					pending.Reset(debounceWindow)
				}
			case <-pendingC:
				pending = nil
				pendingC = nil
				select {
				case w.events <- ReloadEvent{Path: accountsPath}:
					w.logger.Info("accounts config changed", "path", accountsPath)
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
