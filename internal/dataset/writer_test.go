package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "bot_data.db"), nil)
}

func TestWithExclusiveAccess_Serializes(t *testing.T) {
	w := newTestWriter(t)
	const n = 20

	var active, maxActive int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		marker := fmt.Sprintf("<%02d>", i)
		g.Go(func() error {
			return w.WithExclusiveAccess(ctx, func(h *Handle) error {
				cur := atomic.AddInt32(&active, 1)
				defer atomic.AddInt32(&active, -1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}

				// Slow read-modify-write: interleaving would lose markers.
				var data []byte
				if ok, _ := h.Exists(); ok {
					var err error
					if data, err = h.ReadFile(); err != nil {
						return err
					}
				}
				time.Sleep(2 * time.Millisecond)
				return h.WriteFile(append(data, marker...))
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("mutations: %v", err)
	}

	if maxActive != 1 {
		t.Errorf("max concurrent mutations = %d, want 1", maxActive)
	}
	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	got := string(data)
	if len(got) != n*4 {
		t.Fatalf("dataset length = %d, want %d: %q", len(got), n*4, got)
	}
	for i := 0; i < n; i++ {
		marker := fmt.Sprintf("<%02d>", i)
		if strings.Count(got, marker) != 1 {
			t.Errorf("marker %s appears %d times", marker, strings.Count(got, marker))
		}
	}
}

func TestWithExclusiveAccess_ErrorDoesNotPoison(t *testing.T) {
	w := newTestWriter(t)
	boom := errors.New("boom")

	err := w.WithExclusiveAccess(context.Background(), func(*Handle) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ran := false
	err = w.WithExclusiveAccess(context.Background(), func(*Handle) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("gate not released after error: ran=%v err=%v", ran, err)
	}
}

func TestWithExclusiveAccess_PanicReleasesGate(t *testing.T) {
	w := newTestWriter(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		w.WithExclusiveAccess(context.Background(), func(*Handle) error { panic("bad mutation") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WithExclusiveAccess(ctx, func(*Handle) error { return nil }); err != nil {
		t.Fatalf("gate not released after panic: %v", err)
	}
}

func TestWithExclusiveAccess_CancelWhileWaiting(t *testing.T) {
	w := newTestWriter(t)

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.WithExclusiveAccess(context.Background(), func(*Handle) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := w.WithExclusiveAccess(ctx, func(*Handle) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Error("mutation ran after its context expired")
	}

	close(release)
	wg.Wait()

	if err := w.WithExclusiveAccess(context.Background(), func(*Handle) error { return nil }); err != nil {
		t.Fatalf("gate stuck after cancelled wait: %v", err)
	}
}

func TestHandleInvalidAfterReturn(t *testing.T) {
	w := newTestWriter(t)

	var leaked *Handle
	w.WithExclusiveAccess(context.Background(), func(h *Handle) error {
		leaked = h
		return nil
	})

	if err := leaked.WriteFile([]byte("x")); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("WriteFile on leaked handle: %v", err)
	}
	if _, err := leaked.ReadFile(); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("ReadFile on leaked handle: %v", err)
	}
}

func TestCopyTo(t *testing.T) {
	w := newTestWriter(t)
	dst := filepath.Join(t.TempDir(), "copy.db")

	err := w.WithExclusiveAccess(context.Background(), func(h *Handle) error {
		if err := h.WriteFile([]byte("hello dataset")); err != nil {
			return err
		}
		n, err := h.CopyTo(dst)
		if err != nil {
			return err
		}
		if n != int64(len("hello dataset")) {
			t.Errorf("copied %d bytes", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "hello dataset" {
		t.Errorf("copy content = %q", got)
	}
}

func TestCopyTo_MissingSourceLeavesNoFile(t *testing.T) {
	w := newTestWriter(t)
	dst := filepath.Join(t.TempDir(), "copy.db")

	err := w.WithExclusiveAccess(context.Background(), func(h *Handle) error {
		_, err := h.CopyTo(dst)
		return err
	})
	if err == nil {
		t.Fatal("expected error copying missing source")
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Errorf("destination exists after failed copy: %v", statErr)
	}
}

func TestReadSharesGateWithWrites(t *testing.T) {
	w := newTestWriter(t)
	inWrite := make(chan struct{})
	finish := make(chan struct{})
	go w.WithExclusiveAccess(context.Background(), func(h *Handle) error {
		close(inWrite)
		<-finish
		return h.WriteFile([]byte("after"))
	})
	<-inWrite

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Read(ctx, func(*Handle) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read during write: err = %v, want deadline exceeded", err)
	}

	close(finish)
	var got []byte
	if err := w.Read(context.Background(), func(h *Handle) error {
		var err error
		got, err = h.ReadFile()
		return err
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("Read saw %q, want %q", got, "after")
	}
}
