package draft

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/leadforms/internal/blobstore"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher observes the blob directory for snapshot writes to one
// document's key. An event fires for any write, this session's own
// included; the conflict detector's checksum and quiet-threshold
// filtering separates echoes from genuine foreign writers. The watcher
// requires an OS-backed blob store.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	key     DocumentKey
	logger  *zap.Logger
	events  chan struct{}
}

// WatcherConfig wires the dependencies of a Watcher.
type WatcherConfig struct {
	Store  *blobstore.Store
	Key    DocumentKey
	Logger *zap.Logger
}

// NewWatcher starts watching the store directory for the document's snapshot.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Key == (DocumentKey{}) {
		return nil, errMissingKey
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	path, err := cfg.Store.Path(cfg.Key.StorageKey())
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("draft: watcher setup failed: %w", err)
	}
	if err := fsWatcher.Add(cfg.Store.RootDir()); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("draft: watching %s failed: %w", cfg.Store.RootDir(), err)
	}

	return &Watcher{
		watcher: fsWatcher,
		path:    path,
		key:     cfg.Key,
		logger:  logger,
		events:  make(chan struct{}, 1),
	}, nil
}

// Events delivers one signal per observed snapshot write. The channel
// is buffered with depth one; coalesced bursts deliver a single signal.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Run forwards snapshot writes until the context is done or the
// underlying watcher closes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-w.watcher.Events:
			if !open {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, open := <-w.watcher.Errors:
			if !open {
				return
			}
			w.logger.Warn("draft watcher error",
				zap.String("document_key", w.key.String()),
				zap.Error(err))
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
