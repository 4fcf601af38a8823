package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kasa-pos/kasa/internal/engine"
	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/status"
	"github.com/kasa-pos/kasa/internal/store"
)

// fakeAuthority is a connectivity stub whose Ping outcome can be
// flipped mid-test.
type fakeAuthority struct {
	mu      sync.Mutex
	pingErr error
}

func (f *fakeAuthority) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeAuthority) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeAuthority) CreateAggregate(ctx context.Context, kind string, payload any) (*remote.CreateResult, error) {
	return &remote.CreateResult{OK: true}, nil
}

func (f *fakeAuthority) ReadTable(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	return nil, nil
}

func (f *fakeAuthority) WriteTable(ctx context.Context, table string, ev remote.Event, key string, row remote.Row) (remote.Row, error) {
	return row, nil
}

func (f *fakeAuthority) Subscribe(ctx context.Context, table string) (<-chan remote.Change, error) {
	ch := make(chan remote.Change)
	close(ch)
	return ch, nil
}

// recordPublisher remembers every published status message.
type recordPublisher struct {
	mu       sync.Mutex
	messages []status.Message
}

func (p *recordPublisher) Publish(msg status.Message) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
}

func (p *recordPublisher) last() (status.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return status.Message{}, false
	}
	return p.messages[len(p.messages)-1], true
}

func newTestDeps(t *testing.T) (*engine.Engine, *queue.Queue, *fakeAuthority, *recordPublisher) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	q := queue.New(db.RawDB())
	pub := &recordPublisher{}
	cfg := engine.DefaultConfig()
	cfg.Publisher = pub
	cfg.Logger = log.New(io.Discard, "", 0)
	return engine.New(q, cfg), q, &fakeAuthority{}, pub
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

// TestNew_Validation tests required dependency checks
func TestNew_Validation(t *testing.T) {
	eng, q, auth, _ := newTestDeps(t)

	if _, err := New(nil, q, auth, nil, nil, quietConfig()); err == nil {
		t.Error("New() without engine should fail")
	}
	if _, err := New(eng, nil, auth, nil, nil, quietConfig()); err == nil {
		t.Error("New() without queue should fail")
	}
	if _, err := New(eng, q, nil, nil, nil, quietConfig()); err == nil {
		t.Error("New() without authority should fail")
	}
	if _, err := New(eng, q, auth, nil, nil, quietConfig()); err != nil {
		t.Errorf("New() with listener and publisher omitted failed: %v", err)
	}
}

// TestKick_Coalesces tests that repeated kicks never block
func TestKick_Coalesces(t *testing.T) {
	eng, q, auth, _ := newTestDeps(t)
	d, err := New(eng, q, auth, nil, nil, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Kick()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Kick() blocked")
	}
}

// TestSetSyncInterval_IgnoresNonPositive tests live interval updates
func TestSetSyncInterval_IgnoresNonPositive(t *testing.T) {
	eng, q, auth, _ := newTestDeps(t)
	cfg := quietConfig()
	cfg.SyncInterval = 30 * time.Second
	d, err := New(eng, q, auth, nil, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.cancel()

	d.SetSyncInterval(0)
	if got := d.currentInterval(); got != 30*time.Second {
		t.Errorf("interval = %v, want unchanged 30s", got)
	}
	d.SetSyncInterval(-time.Second)
	if got := d.currentInterval(); got != 30*time.Second {
		t.Errorf("interval = %v, want unchanged 30s", got)
	}
	d.SetSyncInterval(5 * time.Second)
	if got := d.currentInterval(); got != 5*time.Second {
		t.Errorf("interval = %v, want 5s", got)
	}
}

// TestStart_PublishesSyncedAndStops tests a full start/stop cycle
func TestStart_PublishesSyncedAndStops(t *testing.T) {
	eng, q, auth, pub := newTestDeps(t)
	cfg := quietConfig()
	cfg.SyncInterval = time.Hour
	cfg.ProbeInterval = time.Hour
	d, err := New(eng, q, auth, nil, pub, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	// The startup backlog report arrives before anything else runs.
	deadline := time.After(5 * time.Second)
	for {
		if msg, ok := pub.last(); ok && msg.Status == status.StateSynced {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no synced status published on startup")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

// TestProbe_OfflineTransitionPublishes tests the connectivity state
// machine around Ping failures
func TestProbe_OfflineTransitionPublishes(t *testing.T) {
	eng, q, auth, pub := newTestDeps(t)
	d, err := New(eng, q, auth, nil, pub, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.cancel()

	// First probe succeeds and marks the link up.
	d.probe()
	if msg, ok := pub.last(); ok && msg.Status == status.StateOffline {
		t.Errorf("healthy probe published offline: %+v", msg)
	}

	// Losing the link publishes offline with the backlog size.
	auth.setPingErr(errors.New("no route to host"))
	d.probe()
	msg, ok := pub.last()
	if !ok || msg.Status != status.StateOffline {
		t.Fatalf("last status = %+v, want offline", msg)
	}

	// A repeat failure does not republish.
	pub.mu.Lock()
	before := len(pub.messages)
	pub.mu.Unlock()
	d.probe()
	pub.mu.Lock()
	after := len(pub.messages)
	pub.mu.Unlock()
	if after != before {
		t.Error("repeat offline probe republished status")
	}

	// Recovery schedules a drain rather than publishing directly.
	auth.setPingErr(nil)
	d.probe()
	select {
	case <-d.kick:
	default:
		t.Error("recovery probe did not schedule a drain")
	}
}
