package server

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_TryAddEnforcesLimit(t *testing.T) {
	r := NewRegistry()
	if !r.TryAdd(ConnectionRecord{PlayerID: "player-1"}, 2) {
		t.Fatal("first add rejected")
	}
	if !r.TryAdd(ConnectionRecord{PlayerID: "player-2"}, 2) {
		t.Fatal("second add rejected")
	}
	if r.TryAdd(ConnectionRecord{PlayerID: "player-3"}, 2) {
		t.Fatal("add past the limit accepted")
	}
	if r.Len() != 2 {
		t.Fatalf("len=%d want 2", r.Len())
	}
}

func TestRegistry_ConcurrentAddsNeverOvershoot(t *testing.T) {
	r := NewRegistry()
	const limit = 8
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.TryAdd(ConnectionRecord{PlayerID: fmt.Sprintf("player-%d", i)}, limit)
		}(i)
	}
	wg.Wait()
	if r.Len() != limit {
		t.Fatalf("len=%d want %d", r.Len(), limit)
	}
}

func TestRegistry_FindByNameCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.TryAdd(ConnectionRecord{PlayerID: "player-1", Name: "Alice"}, 0)

	rec, ok := r.FindByName("aLiCe")
	if !ok || rec.PlayerID != "player-1" {
		t.Fatalf("rec=%+v ok=%v", rec, ok)
	}
	if _, ok := r.FindByName("bob"); ok {
		t.Fatal("unexpected match")
	}
}

func TestRegistry_RemoveReportsPresence(t *testing.T) {
	r := NewRegistry()
	r.TryAdd(ConnectionRecord{PlayerID: "player-1", Name: "Alice"}, 0)

	if _, ok := r.Remove("player-1"); !ok {
		t.Fatal("remove missed existing record")
	}
	if _, ok := r.Remove("player-1"); ok {
		t.Fatal("second remove claimed success")
	}
}

func TestRegistry_ListSortedCopy(t *testing.T) {
	r := NewRegistry()
	r.TryAdd(ConnectionRecord{PlayerID: "player-2"}, 0)
	r.TryAdd(ConnectionRecord{PlayerID: "player-1"}, 0)
	r.TryAdd(ConnectionRecord{PlayerID: "player-3"}, 0)

	recs := r.List()
	if len(recs) != 3 || recs[0].PlayerID != "player-1" || recs[2].PlayerID != "player-3" {
		t.Fatalf("recs=%+v", recs)
	}

	recs[0].Name = "mutated"
	if rec, _ := r.Get("player-1"); rec.Name == "mutated" {
		t.Fatal("List aliases registry storage")
	}
}
