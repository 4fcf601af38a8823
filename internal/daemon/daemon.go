// Package daemon provides the background process that keeps the replica
// and the remote authority converged.
//
// The daemon:
// 1. Drains the sync queue on a periodic tick (honoring engine backoff)
// 2. Probes connectivity and force-drains when the link comes back
// 3. Listens for realtime pushes and applies them to the replica
// 4. Watches the config file and picks up interval changes live
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kasa-pos/kasa/internal/engine"
	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/realtime"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/status"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to attempt a queue drain.
	SyncInterval time.Duration

	// ProbeInterval is how often to check connectivity.
	ProbeInterval time.Duration

	// ConfigPath, when set, is watched for changes so interval edits
	// apply without a restart.
	ConfigPath string

	// ReloadInterval re-reads the sync interval after a config change.
	// Nil disables live reload even when ConfigPath is set.
	ReloadInterval func() (time.Duration, error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  30 * time.Second,
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates queue draining, connectivity probing, and realtime
// application.
type Daemon struct {
	engine   *engine.Engine
	queue    *queue.Queue
	auth     remote.Authority
	listener *realtime.Listener
	pub      status.Publisher
	config   *Config

	kick chan struct{}

	intervalMu   sync.Mutex
	syncInterval time.Duration

	onlineMu sync.Mutex
	online   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// Use Start() to begin syncing; Kick() schedules an immediate drain after
// a local write.
func New(eng *engine.Engine, q *queue.Queue, auth remote.Authority,
	listener *realtime.Listener, pub status.Publisher, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("remote authority cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if pub == nil {
		pub = status.NopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:       eng,
		queue:        q,
		auth:         auth,
		listener:     listener,
		pub:          pub,
		config:       config,
		kick:         make(chan struct{}, 1),
		syncInterval: config.SyncInterval,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.publishQueueState(ctx)

	if d.listener != nil {
		d.listener.Start(d.ctx)
	}

	d.wg.Add(2)
	go d.syncLoop()
	go d.probeLoop()

	if d.config.ConfigPath != "" && d.config.ReloadInterval != nil {
		if err := d.watchConfig(); err != nil {
			d.config.Logger.Printf("Warning: config watch disabled: %v", err)
		}
	}

	// Attempt an initial drain so a backlog from the previous session
	// does not wait for the first tick.
	d.Kick()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.wg.Wait()
	if d.listener != nil {
		d.listener.Wait()
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Kick schedules an immediate drain, bypassing backoff. Safe to call from
// any goroutine; coalesces when one is already scheduled.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// SetSyncInterval changes the tick interval for subsequent cycles.
func (d *Daemon) SetSyncInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.intervalMu.Lock()
	changed := interval != d.syncInterval
	d.syncInterval = interval
	d.intervalMu.Unlock()
	if changed {
		d.config.Logger.Printf("Sync interval now %v", interval)
	}
}

func (d *Daemon) currentInterval() time.Duration {
	d.intervalMu.Lock()
	defer d.intervalMu.Unlock()
	return d.syncInterval
}

// syncLoop drains the queue on a timer and on kicks. Timer ticks respect
// engine backoff; kicks do not.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(d.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-timer.C:
			if err := d.engine.TryDrain(d.ctx); err != nil {
				d.config.Logger.Printf("Error: drain failed: %v", err)
			}

		case <-d.kick:
			if err := d.engine.Drain(d.ctx); err != nil {
				d.config.Logger.Printf("Error: drain failed: %v", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.currentInterval())
	}
}

// probeLoop tracks connectivity. Going offline publishes the offline
// state with the backlog size; coming back online force-drains.
func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	d.probe()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

func (d *Daemon) probe() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	err := d.auth.Ping(ctx)
	cancel()

	d.onlineMu.Lock()
	was := d.online
	d.online = err == nil
	d.onlineMu.Unlock()

	switch {
	case err != nil && was:
		d.config.Logger.Printf("Connection lost: %v", err)
		d.publishOffline(d.ctx)
	case err == nil && !was:
		d.config.Logger.Println("Connection established, draining queue")
		d.Kick()
	}
}

// watchConfig reloads the sync interval when the config file changes.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors commonly replace the file, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(d.config.ConfigPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	d.config.Logger.Printf("Watching config: %s", d.config.ConfigPath)

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
				if filepath.Clean(event.Name) != filepath.Clean(d.config.ConfigPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				interval, err := d.config.ReloadInterval()
				if err != nil {
					d.config.Logger.Printf("Warning: config reload failed: %v", err)
					continue
				}
				d.SetSyncInterval(interval)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.config.Logger.Printf("Watcher error: %v", err)
			}
		}
	}()

	return nil
}

// publishQueueState reports the startup backlog so observers see pending
// work before the first drain.
func (d *Daemon) publishQueueState(ctx context.Context) {
	n, err := d.queue.Count(ctx)
	if err != nil {
		d.config.Logger.Printf("Warning: could not count queue: %v", err)
		return
	}
	if n == 0 {
		d.pub.Publish(status.Message{Status: status.StateSynced})
	} else {
		d.pub.Publish(status.Message{Status: status.StatePending, Count: n})
	}
}

func (d *Daemon) publishOffline(ctx context.Context) {
	n, err := d.queue.Count(ctx)
	if err != nil {
		d.config.Logger.Printf("Warning: could not count queue: %v", err)
	}
	d.pub.Publish(status.Message{Status: status.StateOffline, Count: n})
}
