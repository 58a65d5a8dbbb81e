// Package daemon runs the background loops of a tunebook process:
// periodic sync, debounced snapshot persistence, and a watch on the
// snapshot file for external overwrites.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/store"
	"github.com/tunebook/tunebook/internal/syncer"
)

// Config holds daemon configuration.
type Config struct {
	// SyncInterval between background sync passes (default: 5m).
	SyncInterval time.Duration

	// PersistDebounce is the quiet period after a mutation before the
	// snapshot is written (default: 10s).
	PersistDebounce time.Duration

	Logger *log.Logger
}

// Daemon owns the background goroutines. Start launches them, Stop
// waits for them to drain.
type Daemon struct {
	store  *store.Store
	engine *syncer.Engine
	cfg    Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncReq    chan struct{}
	persistReq chan struct{}

	mu          sync.Mutex
	lastPersist time.Time
}

// New creates a daemon over the given store and sync engine.
func New(st *store.Store, engine *syncer.Engine, cfg Config) *Daemon {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.PersistDebounce == 0 {
		cfg.PersistDebounce = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		store:      st,
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		syncReq:    make(chan struct{}, 1),
		persistReq: make(chan struct{}, 1),
	}
}

// Start launches the background loops.
func (d *Daemon) Start() error {
	if err := d.engine.Recover(d.ctx); err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}

	// Mutations schedule a debounced persist.
	changes, cancelSub := d.store.Bus().Subscribe(
		events.KindTuneChanged, events.KindCollectionChanged, events.KindPracticeCommitted)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancelSub()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-changes:
				d.requestPersist()
			}
		}
	}()

	d.wg.Add(1)
	go d.syncLoop()

	d.wg.Add(1)
	go d.persistLoop()

	if d.store.SnapshotPath() != "" {
		if err := d.watchSnapshot(); err != nil {
			d.logger.Printf("snapshot watch unavailable: %v", err)
		}
	}

	d.logger.Printf("daemon started (sync every %s)", d.cfg.SyncInterval)
	return nil
}

// Stop shuts the loops down and waits for them.
func (d *Daemon) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Println("daemon stopped")
}

// SyncNow requests an immediate sync pass. If one is already queued or
// running the request coalesces with it.
func (d *Daemon) SyncNow() {
	select {
	case d.syncReq <- struct{}{}:
	default:
	}
}

func (d *Daemon) requestPersist() {
	select {
	case d.persistReq <- struct{}{}:
	default:
	}
}

// syncLoop runs a sync pass on the interval ticker and on demand.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.syncReq:
		}

		if _, err := d.engine.Sync(d.ctx); err != nil {
			if errors.Is(err, syncer.ErrSyncInFlight) || errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Printf("background sync failed: %v", err)
		}
	}
}

// persistLoop writes the snapshot after a quiet period following the
// last mutation. Bursts of mutations collapse into one write.
func (d *Daemon) persistLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(d.cfg.PersistDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.persistReq:
			timer.Reset(d.cfg.PersistDebounce)
		case <-timer.C:
			if err := d.persist(); err != nil {
				d.logger.Printf("snapshot persist failed: %v", err)
			}
		}
	}
}

func (d *Daemon) persist() error {
	if d.store.SnapshotPath() == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	if err := d.store.Persist(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastPersist = time.Now()
	d.mu.Unlock()
	return nil
}

// watchSnapshot watches the snapshot file's directory and publishes
// SnapshotOverwritten when another process replaces the file. Writes
// made by this process within the last few seconds are ignored.
func (d *Daemon) watchSnapshot() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	snapshotPath := d.store.SnapshotPath()
	// Watch the directory: snapshot writes land via rename, which
	// would silently detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(snapshotPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch snapshot dir: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != snapshotPath {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}

				d.mu.Lock()
				own := time.Since(d.lastPersist) < 3*time.Second
				d.mu.Unlock()
				if own {
					continue
				}

				d.logger.Printf("snapshot file overwritten externally: %s", snapshotPath)
				d.store.Bus().Emit(events.KindSnapshotOverwritten, map[string]string{
					"path": snapshotPath,
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Printf("snapshot watch error: %v", err)
			}
		}
	}()

	return nil
}
