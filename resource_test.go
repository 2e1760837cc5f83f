package virtgpu

import (
	"errors"
	"testing"
)

func TestResourceTableCreateAssignsMonotonicIDs(t *testing.T) {
	tbl := newResourceTable()
	a := tbl.create(16, FormatBuffer, UsageBlob)
	b := tbl.create(16, FormatBuffer, UsageBlob)
	if a.ID() == b.ID() {
		t.Fatalf("ids not unique: %d", a.ID())
	}
	if b.ID() <= a.ID() {
		t.Fatalf("ids not monotonic: %d then %d", a.ID(), b.ID())
	}
	if tbl.len() != 2 {
		t.Fatalf("len = %d, want 2", tbl.len())
	}
}

func TestResourceTableGetUnknown(t *testing.T) {
	tbl := newResourceTable()
	if _, err := tbl.get(42); !errors.Is(err, ErrInvalidResourceID) {
		t.Fatalf("get(42) err = %v, want ErrInvalidResourceID", err)
	}
}

func TestResourceTableAttachOnce(t *testing.T) {
	tbl := newResourceTable()
	res := tbl.create(8, FormatBuffer, UsageBlob)

	iovs := []Iovec{{Base: make([]byte, 8)}}
	if err := tbl.attachGuest(res.ID(), iovs); err != nil {
		t.Fatalf("attachGuest: %v", err)
	}
	if res.Backing() != BackingGuest {
		t.Fatalf("backing = %v, want guest", res.Backing())
	}

	// Second attach of any kind is rejected without an intervening detach.
	if err := tbl.attachGuest(res.ID(), iovs); !errors.Is(err, ErrInvalidState) {
		t.Errorf("re-attachGuest err = %v, want ErrInvalidState", err)
	}
	if err := tbl.attachHost(res.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("attachHost over guest err = %v, want ErrInvalidState", err)
	}
}

func TestResourceTableAttachGuestShortScatterList(t *testing.T) {
	tbl := newResourceTable()
	res := tbl.create(64, FormatBuffer, UsageBlob)

	short := []Iovec{{Base: make([]byte, 16)}, {Base: make([]byte, 16)}}
	if err := tbl.attachGuest(res.ID(), short); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("short scatter list err = %v, want ErrInvalidState", err)
	}
	if res.Backing() != BackingNone {
		t.Fatalf("backing changed on failed attach: %v", res.Backing())
	}
}

func TestResourceTableDetachCycle(t *testing.T) {
	tbl := newResourceTable()
	res := tbl.create(8, FormatBuffer, UsageBlob)

	if err := tbl.detach(res.ID()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("detach of unbacked err = %v, want ErrInvalidState", err)
	}

	gen := res.generation
	if err := tbl.attachHost(res.ID()); err != nil {
		t.Fatalf("attachHost: %v", err)
	}
	if err := tbl.detach(res.ID()); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if res.Backing() != BackingNone {
		t.Fatalf("backing = %v after detach, want unbacked", res.Backing())
	}
	if res.generation != gen+2 {
		t.Fatalf("generation = %d, want %d (attach and detach each bump)", res.generation, gen+2)
	}

	// A fresh backing may be attached after detach.
	if err := tbl.attachGuest(res.ID(), []Iovec{{Base: make([]byte, 8)}}); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestResourceTableDestroyWhileBound(t *testing.T) {
	tbl := newResourceTable()
	res := tbl.create(8, FormatBuffer, UsageBlob)
	res.bindCount = 1

	if _, err := tbl.destroy(res.ID()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("destroy while bound err = %v, want ErrInvalidState", err)
	}
	if _, err := tbl.get(res.ID()); err != nil {
		t.Fatalf("resource vanished after rejected destroy: %v", err)
	}

	res.bindCount = 0
	if _, err := tbl.destroy(res.ID()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := tbl.get(res.ID()); !errors.Is(err, ErrInvalidResourceID) {
		t.Fatalf("get after destroy err = %v, want ErrInvalidResourceID", err)
	}
}

func TestBackingKindString(t *testing.T) {
	tests := []struct {
		kind BackingKind
		want string
	}{
		{BackingNone, "unbacked"},
		{BackingGuest, "guest"},
		{BackingHost, "host"},
		{BackingOpaque, "opaque"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("BackingKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
