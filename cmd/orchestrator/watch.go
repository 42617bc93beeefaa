package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/comic2pdf/orchestrator/internal/logging"
)

// inboxDebounce coalesces a burst of filesystem events into a single wake.
const inboxDebounce = 200 * time.Millisecond

// watchInbox wakes the caller's tick loop shortly after new files appear
// under dir, so a dropped archive doesn't sit idle until the next poll
// interval. It never replaces the poll loop: discovery still runs entirely
// inside Scheduler.Tick, one file per tick, exactly as it would on a plain
// poll tick. wake is buffered(1) so a missed send never blocks the watcher.
//
// If the watcher cannot be created (e.g. inotify instance limits reached),
// watchInbox logs a warning and returns without wiring anything; the caller
// keeps running on its poll interval alone.
func watchInbox(ctx context.Context, dir string, wake chan<- struct{}, log logging.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("inbox watcher unavailable, falling back to poll interval only", "error", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		log.Warn("inbox watcher failed to watch directory, falling back to poll interval only", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(inboxDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				select {
				case wake <- struct{}{}:
				default:
				}
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(inboxDebounce)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}
