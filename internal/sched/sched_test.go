package sched

import (
	"testing"

	"github.com/sagevm/rvos/internal/proc"
)

func newProc(pid uint16, priority uint32) *proc.Process {
	p := proc.New(pid, 0, priority, 10)
	p.State = proc.StateWaiting
	return p
}

func TestGetNextEmptyTree(t *testing.T) {
	s := New()
	if p, ok := s.GetNext(); ok || p != nil {
		t.Fatalf("GetNext on empty tree = %v, %v", p, ok)
	}
}

func TestGetNextReturnsMinVruntime(t *testing.T) {
	s := New()
	a := newProc(1, 10)
	a.Runtime = 100
	b := newProc(2, 10)
	b.Runtime = 50
	s.Insert(a)
	s.Insert(b)

	p, ok := s.GetNext()
	if !ok || p.PID != 2 {
		t.Fatalf("GetNext = pid %d, %v; want pid 2 (lower vruntime)", p.PID, ok)
	}
}

func TestGetNextSkipsDead(t *testing.T) {
	s := New()
	dead := newProc(1, 10)
	dead.Runtime = 1
	live := newProc(2, 10)
	live.Runtime = 100
	s.Insert(dead)
	s.Insert(live)

	dead.State = proc.StateDead
	p, ok := s.GetNext()
	if !ok || p.PID != 2 {
		t.Fatalf("GetNext = pid %d, %v; want the live pid 2", p.PID, ok)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after lazy removal, want 0", s.Len())
	}
}

func TestPriorityScalesKey(t *testing.T) {
	s := New()
	urgent := newProc(1, 1)
	urgent.Runtime = 90
	lazy := newProc(2, 10)
	lazy.Runtime = 10
	s.Insert(urgent) // key 90
	s.Insert(lazy)   // key 100

	if p, _ := s.GetNext(); p.PID != 1 {
		t.Fatalf("GetNext = pid %d, want the low-priority-product pid 1", p.PID)
	}
}

// Two equal-priority processes must alternate: each selection accounts a
// quantum of runtime and requeues, so the other becomes the minimum.
func TestFairnessAlternation(t *testing.T) {
	s := New()
	a := newProc(1, 10)
	b := newProc(2, 10)
	s.Insert(a)
	s.Insert(b)

	counts := map[uint16]int{}
	for i := 0; i < 10; i++ {
		p, ok := s.GetNext()
		if !ok {
			t.Fatalf("GetNext empty at iteration %d", i)
		}
		counts[p.PID]++
		s.Tick(p, p.Quantum)
	}
	if counts[1] < 4 || counts[2] < 4 {
		t.Fatalf("unfair selection counts: %v", counts)
	}
}
