package orchestrator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/lexeval/lexeval/internal/model"
)

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry()
	r.Add(&model.Evaluation{ID: "a", Status: model.StatusPending})

	ev, ok := r.Get("a")
	if !ok || ev.ID != "a" {
		t.Fatalf("Get(a) = %+v, %v", ev, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) reported found")
	}
}

func TestRegistryGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(&model.Evaluation{ID: "a", Status: model.StatusPending})

	snap, _ := r.Get("a")
	snap.Progress = 77

	if ev, _ := r.Get("a"); ev.Progress != 0 {
		t.Errorf("mutating a snapshot changed the registry: progress = %v", ev.Progress)
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Add(&model.Evaluation{ID: id})
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].ID != want {
			t.Errorf("list[%d].ID = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestRegistryUpdateTerminalIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Add(&model.Evaluation{ID: "a", Status: model.StatusCompleted, Progress: 100})

	if !r.Update("a", func(ev *model.Evaluation) { ev.Progress = 1 }) {
		t.Fatal("Update reported the ID missing")
	}
	if ev, _ := r.Get("a"); ev.Progress != 100 {
		t.Errorf("terminal evaluation mutated: progress = %v", ev.Progress)
	}
}

func TestRegistrySingleWriter(t *testing.T) {
	r := NewRegistry()
	if !r.TryAcquire("a") {
		t.Fatal("first acquire refused")
	}
	if r.TryAcquire("a") {
		t.Fatal("second acquire of same ID granted")
	}
	if !r.TryAcquire("b") {
		t.Error("acquire of distinct ID refused")
	}
	r.Release("a")
	if !r.TryAcquire("a") {
		t.Error("acquire after release refused")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("ev-%d", i)
			r.Add(&model.Evaluation{ID: id, Status: model.StatusRunning})
			r.Update(id, func(ev *model.Evaluation) { ev.Progress = 50 })
			r.Get(id)
			r.List()
		}(i)
	}
	wg.Wait()
	if len(r.List()) != 20 {
		t.Errorf("registry holds %d evaluations, want 20", len(r.List()))
	}
}
