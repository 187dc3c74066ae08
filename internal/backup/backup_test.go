package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/internal/dataset"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Notification{}
	}
	return r.sent[len(r.sent)-1]
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	writer   *dataset.Writer
	manager  *Manager
	notifier *recordingNotifier
	clock    *clock.FakeClock
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	w := dataset.New(filepath.Join(root, "bot_data.db"), nil)
	n := &recordingNotifier{}
	c := clock.Fake(t0)
	dir := filepath.Join(root, "backups")
	m := New(w, Config{Dir: dir, Clock: c, Notifier: n, NotifyTo: "admin-chat"})
	return &testEnv{writer: w, manager: m, notifier: n, clock: c, dir: dir}
}

func (e *testEnv) writeSource(t *testing.T, data string) {
	t.Helper()
	if err := os.WriteFile(e.writer.Path(), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBackupNow_NameAndContent(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "rows")

	art, err := env.manager.BackupNow(context.Background(), "manual")
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}

	want := filepath.Join(env.dir, "bot_data_20240301_130000_manual.db")
	if art.Path != want {
		t.Errorf("path = %s, want %s", art.Path, want)
	}
	if art.Reason != "manual" || art.Size != 4 || art.Source != env.writer.Path() {
		t.Errorf("artifact = %+v", art)
	}
	if !art.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v", art.CreatedAt)
	}
	got, _ := os.ReadFile(art.Path)
	if string(got) != "rows" {
		t.Errorf("backup content = %q", got)
	}

	n := env.notifier.last()
	if n.To != "admin-chat" || n.File != art.Path {
		t.Errorf("notification = %+v", n)
	}
}

func TestBackupNow_SourceMissing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.BackupNow(context.Background(), "manual")
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}
	entries, _ := os.ReadDir(env.dir)
	if len(entries) != 0 {
		t.Errorf("backup dir has %d entries after missing source", len(entries))
	}
	if n := env.notifier.last(); n.Text == "" || n.File != "" {
		t.Errorf("expected text-only warning, got %+v", n)
	}
}

func TestBackupNow_IOFailure(t *testing.T) {
	root := t.TempDir()
	w := dataset.New(filepath.Join(root, "bot_data.db"), nil)
	os.WriteFile(w.Path(), []byte("rows"), 0o644)

	// A regular file where the backup directory should be.
	blocker := filepath.Join(root, "backups")
	os.WriteFile(blocker, []byte("not a dir"), 0o644)

	n := &recordingNotifier{}
	m := New(w, Config{Dir: blocker, Clock: clock.Fake(t0), Notifier: n})

	_, err := m.BackupNow(context.Background(), "daily")
	if !errors.Is(err, ErrBackupIO) {
		t.Fatalf("expected ErrBackupIO, got %v", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %T", err)
	}
	if n.last().Text == "" {
		t.Error("failure was not reported")
	}

	// The gate is free again and later backups still run.
	os.Remove(blocker)
	if _, err := m.BackupNow(context.Background(), "daily"); err != nil {
		t.Errorf("backup after failure: %v", err)
	}
}

func TestBackupNow_NotifierFailureKeepsArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "rows")
	env.notifier.err = errors.New("telegram down")

	art, err := env.manager.BackupNow(context.Background(), "daily")
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestBackupNow_SameSecondDoesNotOverwrite(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "v1")
	first, err := env.manager.BackupNow(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	env.writeSource(t, "v2")
	second, err := env.manager.BackupNow(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}

	if first.Path == second.Path {
		t.Fatalf("second backup reused path %s", first.Path)
	}
	if filepath.Base(second.Path) != "bot_data_20240301_130000_manual_2.db" {
		t.Errorf("second path = %s", second.Path)
	}
	got, _ := os.ReadFile(first.Path)
	if string(got) != "v1" {
		t.Errorf("first artifact overwritten: %q", got)
	}
}

func TestBackupNow_ConsistentWithInFlightMutation(t *testing.T) {
	env := newTestEnv(t)
	pre := bytes.Repeat([]byte("a"), 64*1024)
	post := bytes.Repeat([]byte("b"), 64*1024)
	env.writeSource(t, string(pre))

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.writer.WithExclusiveAccess(context.Background(), func(h *dataset.Handle) error {
			close(started)
			// Torn in-place write: only safe because the gate is held.
			f, err := os.OpenFile(h.Path(), os.O_WRONLY, 0)
			if err != nil {
				return err
			}
			defer f.Close()
			half := len(post) / 2
			f.Write(post[:half])
			time.Sleep(20 * time.Millisecond)
			f.Write(post[half:])
			return nil
		})
	}()
	<-started

	art, err := env.manager.BackupNow(context.Background(), "manual")
	wg.Wait()
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	got, _ := os.ReadFile(art.Path)
	if !bytes.Equal(got, pre) && !bytes.Equal(got, post) {
		t.Errorf("backup mixes pre and post state (%d bytes)", len(got))
	}
}

func TestBackupNow_CancelledWait(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "rows")

	release := make(chan struct{})
	holding := make(chan struct{})
	go env.writer.WithExclusiveAccess(context.Background(), func(*dataset.Handle) error {
		close(holding)
		<-release
		return nil
	})
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.manager.BackupNow(ctx, "manual")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrBackupIO) {
		t.Error("cancelled wait should not be reported as an I/O failure")
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "rows")

	env.manager.BackupNow(context.Background(), "daily")
	env.clock.Advance(time.Hour)
	env.manager.BackupNow(context.Background(), "manual")
	os.WriteFile(filepath.Join(env.dir, "unrelated.txt"), []byte("x"), 0o644)

	arts, err := env.manager.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 2 {
		t.Fatalf("List returned %d artifacts", len(arts))
	}
	if arts[0].Reason != "manual" || arts[1].Reason != "daily" {
		t.Errorf("order = %s, %s", arts[0].Reason, arts[1].Reason)
	}
	if !arts[0].CreatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("created_at = %v", arts[0].CreatedAt)
	}
}

func TestListMissingDir(t *testing.T) {
	env := newTestEnv(t)
	arts, err := env.manager.List()
	if err != nil || len(arts) != 0 {
		t.Errorf("List = %v, %v", arts, err)
	}
}

func TestSanitizeReason(t *testing.T) {
	cases := map[string]string{
		"daily":         "daily",
		"  Manual ":     "manual",
		"pre deploy!":   "pre-deploy",
		"../../etc":     "etc",
		"":              "manual",
		"__":            "manual",
		"shutdown_v2.1": "shutdown-v2-1",
	}
	for in, want := range cases {
		if got := SanitizeReason(in); got != want {
			t.Errorf("SanitizeReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFixedZone(t *testing.T) {
	loc := FixedZone(3)
	got := t0.In(loc).Format(TimestampLayout)
	if got != "20240301_130000" {
		t.Errorf("formatted = %s", got)
	}
}
