package prompts

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of editor write events into one reload.
const watchDebounce = 250 * time.Millisecond

// StartWatching hot-reloads the override directory on change. It is a no-op
// without an override directory, and idempotent.
func (s *Store) StartWatching(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done

	go s.watchLoop(watchCtx, watcher, done)
	s.logger.Info("watching prompt overrides", "dir", s.dir)
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	s.watchMu.Lock()
	cancel := s.watchCancel
	done := s.watchDone
	s.watchCancel = nil
	s.watchDone = nil
	s.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan<- struct{}) {
	defer close(done)
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("prompt reload failed", "error", err)
				return
			}
			s.logger.Info("prompts reloaded", "dir", s.dir)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt watch error", "error", err)
		}
	}
}
