package journal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRecentNewestFirst(t *testing.T) {
	mem := NewMemory(3)
	ctx := context.Background()
	for _, target := range []string{"dennis", "brb", "auria", "mobil"} {
		if err := mem.Record(ctx, Entry{Action: "switch", Target: target, At: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := mem.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(entries))
	}
	if entries[0].Target != "mobil" || entries[2].Target != "brb" {
		t.Fatalf("unexpected order %+v", entries)
	}
	if entries[0].ID != 4 {
		t.Fatalf("expected monotonically increasing ids, got %d", entries[0].ID)
	}

	limited, _ := mem.Recent(ctx, 1)
	if len(limited) != 1 || limited[0].Target != "mobil" {
		t.Fatalf("expected newest single entry, got %+v", limited)
	}
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, Entry) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	mem := NewMemory(10)
	errA := errors.New("a")
	errB := errors.New("b")
	fan := Fanout{mem, failingSink{errA}, nil, failingSink{errB}}

	err := fan.Record(context.Background(), Entry{Target: "brb"})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if entries, _ := mem.Recent(context.Background(), 0); len(entries) != 1 {
		t.Fatalf("expected memory sink to still record, got %d", len(entries))
	}
}
