package ticket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// fakeRecorder captures recorded tickets and can be told to fail.
type fakeRecorder struct {
	mu         sync.Mutex
	created    []protocol.Ticket
	replied    []protocol.Ticket
	failCreate error
	failReply  error
}

func (f *fakeRecorder) RecordCreated(_ context.Context, t protocol.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	f.created = append(f.created, t)
	return nil
}

func (f *fakeRecorder) RecordReplied(_ context.Context, t protocol.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReply != nil {
		return f.failReply
	}
	f.replied = append(f.replied, t)
	return nil
}

func newTestSubsystem(t *testing.T) (*Subsystem, *fakeRecorder, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(t0)
	rec := &fakeRecorder{}
	s := NewSubsystem(Config{LockTTL: 10 * time.Minute, Clock: c, Recorder: rec})
	return s, rec, c
}

func TestOpenRecords(t *testing.T) {
	s, rec, _ := newTestSubsystem(t)
	ctx := context.Background()

	tk, err := s.Open(ctx, Origin{Channel: "telegram", SenderID: "u1", ChatID: "c1"}, "  where is my order?  ")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tk.Content != "where is my order?" {
		t.Errorf("content = %q", tk.Content)
	}
	if len(rec.created) != 1 || rec.created[0].ID != tk.ID {
		t.Errorf("recorded = %+v", rec.created)
	}
}

func TestOpenRollsBackOnRecordFailure(t *testing.T) {
	s, rec, _ := newTestSubsystem(t)
	rec.failCreate = errors.New("disk full")

	_, err := s.Open(context.Background(), Origin{}, "question")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := s.List(false); len(got) != 0 {
		t.Errorf("ticket kept after failed record: %+v", got)
	}
}

// slowRecorder blocks RecordCreated until release is closed.
type slowRecorder struct {
	fakeRecorder
	entered chan struct{}
	release chan struct{}
}

func (r *slowRecorder) RecordCreated(ctx context.Context, t protocol.Ticket) error {
	close(r.entered)
	<-r.release
	return r.fakeRecorder.RecordCreated(ctx, t)
}

func TestOpenHiddenUntilRecorded(t *testing.T) {
	rec := &slowRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSubsystem(Config{Clock: clock.Fake(t0), Recorder: rec})

	done := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), Origin{SenderID: "u1"}, "question")
		done <- err
	}()
	<-rec.entered

	if _, err := s.Get(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get while recording: err = %v, want ErrNotFound", err)
	}
	if got := s.List(false); len(got) != 0 {
		t.Errorf("List while recording = %+v", got)
	}
	if _, err := s.Take(1, agentA); !errors.Is(err, ErrNotFound) {
		t.Errorf("Take while recording: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Reply(context.Background(), 1, agentA, "early"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reply while recording: err = %v, want ErrNotFound", err)
	}

	close(rec.release)
	if err := <-done; err != nil {
		t.Fatalf("Open: %v", err)
	}
	tk, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get after record: %v", err)
	}
	if tk.Replied() || tk.Lock != nil {
		t.Errorf("ticket touched before it was recorded: %+v", tk)
	}
}

func TestOpenRequiresContent(t *testing.T) {
	s, _, _ := newTestSubsystem(t)
	if _, err := s.Open(context.Background(), Origin{}, "   "); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestReplyFinality(t *testing.T) {
	s, rec, _ := newTestSubsystem(t)
	ctx := context.Background()
	tk, _ := s.Open(ctx, Origin{}, "q")

	got, err := s.Reply(ctx, tk.ID, agentA, "answer")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got.RepliedBy != "a" || got.Lock != nil {
		t.Errorf("ticket after reply = %+v", got)
	}
	if len(rec.replied) != 1 {
		t.Errorf("replied recorded %d times", len(rec.replied))
	}

	g, err := s.Take(tk.ID, agentB)
	if err != nil || g.Enforced {
		t.Errorf("Take after reply = %+v, %v; want unenforced grant", g, err)
	}
	if _, err := s.Reply(ctx, tk.ID, agentB, "second"); !errors.Is(err, ErrAlreadyReplied) {
		t.Errorf("expected ErrAlreadyReplied, got %v", err)
	}
}

func TestReplyDeniedWhileOtherHolds(t *testing.T) {
	s, rec, c := newTestSubsystem(t)
	ctx := context.Background()
	tk, _ := s.Open(ctx, Origin{}, "q")

	if _, err := s.Take(tk.ID, agentA); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Minute)
	if _, err := s.Reply(ctx, tk.ID, agentB, "mine"); !errors.Is(err, ErrLockDenied) {
		t.Fatalf("expected ErrLockDenied, got %v", err)
	}
	if len(rec.replied) != 0 {
		t.Error("denied reply was recorded")
	}
}

func TestReplyAfterOwnLockLapsed(t *testing.T) {
	s, _, c := newTestSubsystem(t)
	ctx := context.Background()
	tk, _ := s.Open(ctx, Origin{}, "q")

	s.Take(tk.ID, agentA)
	c.Advance(30 * time.Minute)

	got, err := s.Reply(ctx, tk.ID, agentA, "late but first")
	if err != nil {
		t.Fatalf("Reply after lapse: %v", err)
	}
	if got.RepliedBy != "a" {
		t.Errorf("replied_by = %q", got.RepliedBy)
	}
}

func TestReplyRecordFailureIsNotReturned(t *testing.T) {
	s, rec, _ := newTestSubsystem(t)
	ctx := context.Background()
	tk, _ := s.Open(ctx, Origin{}, "q")
	rec.failReply = errors.New("locked file")

	got, err := s.Reply(ctx, tk.ID, agentA, "answer")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got.RepliedBy != "a" {
		t.Errorf("reply lost: %+v", got)
	}
}

func TestReleaseAllowsOthers(t *testing.T) {
	s, _, _ := newTestSubsystem(t)
	tk, _ := s.Open(context.Background(), Origin{}, "q")

	s.Take(tk.ID, agentA)
	if err := s.Release(tk.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(tk.ID, agentB); err != nil {
		t.Errorf("Take after release: %v", err)
	}
	if _, ok, _ := s.Holder(tk.ID); !ok {
		t.Error("expected B to hold the lock")
	}
}

func TestSubsystemRestore(t *testing.T) {
	s, _, _ := newTestSubsystem(t)
	err := s.Restore([]protocol.Ticket{{ID: 5, Content: "old"}})
	if err != nil {
		t.Fatal(err)
	}
	tk, _ := s.Open(context.Background(), Origin{}, "new")
	if tk.ID != 6 {
		t.Errorf("id after restore = %d", tk.ID)
	}
	if len(s.List(true)) != 2 {
		t.Errorf("open tickets = %d", len(s.List(true)))
	}
}
