package draft

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadforms/internal/blobstore"
	"go.uber.org/zap"
)

var errRegistryClosed = errors.New("draft: registry is closed")

// RegistryConfig carries the shared dependencies handed to every
// manager the registry creates.
type RegistryConfig struct {
	Store        *blobstore.Store
	Debounce     time.Duration
	HistoryLimit int
	Clock        func() time.Time
	Logger       *zap.Logger
	Notifier     Notifier
}

// Registry owns the managers for all open documents. It replaces a
// module-level singleton map with an explicit lifecycle: the owning
// application context creates it, hands out managers per document, and
// closes it on teardown.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// NewRegistry validates the shared configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	return &Registry{
		cfg:      cfg,
		managers: make(map[string]*Manager),
	}, nil
}

// Manager returns the manager for the document, creating it on first use.
func (r *Registry) Manager(key DocumentKey) (*Manager, error) {
	if key == (DocumentKey{}) {
		return nil, errMissingKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRegistryClosed
	}
	if existing, found := r.managers[key.String()]; found {
		return existing, nil
	}

	manager, err := NewManager(ManagerConfig{
		Store:        r.cfg.Store,
		Key:          key,
		Debounce:     r.cfg.Debounce,
		HistoryLimit: r.cfg.HistoryLimit,
		Clock:        r.cfg.Clock,
		Logger:       r.cfg.Logger,
		Notifier:     r.cfg.Notifier,
	})
	if err != nil {
		return nil, err
	}
	r.managers[key.String()] = manager
	return manager, nil
}

// Destroy closes and removes the manager for the document, if any.
func (r *Registry) Destroy(key DocumentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if manager, found := r.managers[key.String()]; found {
		manager.Close()
		delete(r.managers, key.String())
	}
}

// Len reports the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Close tears down every manager. The registry accepts no further use.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, manager := range r.managers {
		manager.Close()
		delete(r.managers, key)
	}
	r.closed = true
}
