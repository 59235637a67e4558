package artifact

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the artifact directory and drops refs whose files
// are removed out from under the store, so Get fails fast instead of
// on the read.
type Watcher struct {
	watcher *fsnotify.Watcher
	store   *Store
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewWatcher starts watching the store's directory
func NewWatcher(logger zerolog.Logger, store *Store) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(store.Dir()); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: watcher,
		store:   store,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("artifact file change detected")
				w.store.forget(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("artifact watcher error")

		case <-w.stopCh:
			return
		}
	}
}
