// Package sched implements the CFS-style scheduler: a tree keyed by
// runtime x priority ("virtual runtime" product), get_next popping the
// minimum-key entry with lazy removal of Dead processes.
package sched

import (
	"sync"

	"github.com/sagevm/rvos/internal/container"
	"github.com/sagevm/rvos/internal/proc"
)

// key orders the run queue by runtime*priority, folding in pid as a
// tiebreaker so two processes with an identical product still occupy
// distinct tree slots (container.OrderedTree's key must be unique per
// entry, same requirement a true red-black tree keyed on a non-unique
// field would have).
type key struct {
	metric uint64
	pid    uint16
}

func less(a, b key) bool {
	if a.metric != b.metric {
		return a.metric < b.metric
	}
	return a.pid < b.pid
}

func metricFor(p *proc.Process) uint64 { return p.Runtime * uint64(p.Priority) }

// Scheduler is one HART-shared run queue guarded by a single lock.
type Scheduler struct {
	mu   sync.Mutex
	tree *container.OrderedTree[key, *proc.Process]
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tree: container.NewOrderedTree[key, *proc.Process](less)}
}

// Insert adds p to the run queue at its current runtime*priority key.
func (s *Scheduler) Insert(p *proc.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Insert(key{metric: metricFor(p), pid: p.PID}, p)
}

// Remove takes p out of the run queue (e.g. before mutating its priority).
func (s *Scheduler) Remove(p *proc.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Delete(key{metric: metricFor(p), pid: p.PID})
}

// GetNext pops the minimum-key entry, discarding (not reinserting) any
// entry whose process has gone Dead since it was queued, and retrying
// until a runnable process or an empty tree is found. Min() reports an empty
// tree cleanly, so the loop never dereferences a nil candidate.
func (s *Scheduler) GetNext() (*proc.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		k, p, ok := s.tree.Min()
		if !ok {
			return nil, false
		}
		s.tree.Delete(k)
		if p.State == proc.StateDead {
			continue
		}
		return p, true
	}
}

// Tick accounts ranFor ticks of runtime to p and reinserts it at its new
// key.
func (s *Scheduler) Tick(p *proc.Process, ranFor uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(key{metric: metricFor(p), pid: p.PID})
	p.Runtime += ranFor
	s.tree.Insert(key{metric: metricFor(p), pid: p.PID}, p)
}

// Len reports how many processes are currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// NextMtimecmpDelta scales the next timer compare value by the selected
// process's quantum.
func NextMtimecmpDelta(p *proc.Process, ticksPerQuantumUnit uint64) uint64 {
	return p.Quantum * ticksPerQuantumUnit
}
