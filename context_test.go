package virtgpu

import (
	"errors"
	"testing"
)

func TestContextTableCreateAndGet(t *testing.T) {
	tbl := newContextTable()
	ctx := tbl.create(CapsetVirgl, 1, nil)

	if ctx.ID() == 0 {
		t.Fatal("context id 0 assigned; 0 is reserved for invalid")
	}
	id, ver := ctx.Capset()
	if id != CapsetVirgl || ver != 1 {
		t.Fatalf("Capset = (%d, %d), want (1, 1)", id, ver)
	}

	got, err := tbl.get(ctx.ID())
	if err != nil || got != ctx {
		t.Fatalf("get = (%v, %v)", got, err)
	}
	if _, err := tbl.get(99); !errors.Is(err, ErrInvalidContextID) {
		t.Fatalf("get(99) err = %v, want ErrInvalidContextID", err)
	}
}

func TestContextBindUnbind(t *testing.T) {
	tbl := newContextTable()
	ctx := tbl.create(CapsetVirgl, 0, nil)
	rtbl := newResourceTable()
	res := rtbl.create(8, FormatBuffer, UsageBlob)

	ctx.bind(res)
	ctx.bind(res) // idempotent
	if res.bindCount != 1 {
		t.Fatalf("bindCount = %d after duplicate bind, want 1", res.bindCount)
	}

	if err := ctx.unbind(res); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if res.bindCount != 0 {
		t.Fatalf("bindCount = %d after unbind, want 0", res.bindCount)
	}
	if err := ctx.unbind(res); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unbind of unbound err = %v, want ErrInvalidState", err)
	}
}

func TestContextTableDestroy(t *testing.T) {
	tbl := newContextTable()
	ctx := tbl.create(CapsetVirgl, 0, nil)

	if _, err := tbl.destroy(ctx.ID()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := tbl.destroy(ctx.ID()); !errors.Is(err, ErrInvalidContextID) {
		t.Fatalf("double destroy err = %v, want ErrInvalidContextID", err)
	}
	if tbl.len() != 0 {
		t.Fatalf("len = %d, want 0", tbl.len())
	}
}
