package control

import (
	"syscall"
	"testing"

	"github.com/wfraser/backfsd/internal/cacheengine"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	e, err := cacheengine.Init(t.TempDir(), 32, 8)
	if err != nil {
		t.Fatal(err)
	}
	return New(e)
}

func TestHandleTest(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("test\n"); err != syscall.EXDEV {
		t.Fatalf("Handle(test) = %v, want EXDEV", err)
	}
}

func TestHandleNoop(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("noop"); err != nil {
		t.Fatalf("Handle(noop) = %v, want nil", err)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("frobnicate"); err != syscall.EBADMSG {
		t.Fatalf("Handle(frobnicate) = %v, want EBADMSG", err)
	}
}

func TestHandleInvalidateMissingArgument(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("invalidate"); err != syscall.EINVAL {
		t.Fatalf("Handle(invalidate) = %v, want EINVAL", err)
	}
}

func TestHandleInvalidateDispatchesToEngine(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("invalidate /some/file"); err != nil {
		t.Fatalf("Handle(invalidate /some/file) = %v, want nil (no cached blocks is still success)", err)
	}
}

func TestHandleFreeOrphans(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Handle("free_orphans\n"); err != nil {
		t.Fatalf("Handle(free_orphans) = %v, want nil", err)
	}
}
