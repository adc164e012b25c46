package queue

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch subscribes to filesystem change notifications on incoming/ as a
// latency reducer. Correctness never depends on it firing — the
// scheduler's periodic timer is the guaranteed trigger (spec §4.3/§4.8).
// The returned stop function is safe to call multiple times.
func (d *Dirs) Watch(log *slog.Logger, notify func()) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}
	if err := w.Add(d.Path(DirIncoming)); err != nil {
		w.Close()
		return func() {}, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				notify()
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warn("queue: watch error (best-effort, ignored)", "error", watchErr)
				}
			case <-done:
				return
			}
		}
	}()

	var closed bool
	return func() {
		if closed {
			return
		}
		closed = true
		close(done)
		w.Close()
	}, nil
}
