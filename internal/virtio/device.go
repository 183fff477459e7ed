package virtio

import (
	"sync"

	"github.com/sagevm/rvos/internal/pci"
)

// Job is an in-flight request's message-passing handle: the caller hands
// ownership of the request buffer to the device and receives it back on
// completion via Done, rather than spinning in a WFI until the ISR sets
// a status flag.
type Job struct {
	Head uint16
	Done chan struct{}
}

// Device is a bound virtio device: its PCI identity/capabilities plus the
// queue(s) negotiated at discovery, and the job table used to turn used-
// ring completions into goroutine wakeups.
type Device struct {
	PCI   pci.Device
	Queue *Queue

	mu   sync.Mutex
	jobs map[uint16]*Job

	// ServiceNotify is invoked synchronously whenever the driver notifies
	// the queue; the simulated backend (e.g.
	// internal/blockdev) wires this to its own DrainAvailable loop. It
	// runs on the calling HART's goroutine, same as a real notify is just
	// a doorbell write with no guaranteed immediacy of device response.
	ServiceNotify func(q *Queue)
}

// NewDevice binds a Device around a negotiated queue.
func NewDevice(d pci.Device, q *Queue) *Device {
	return &Device{PCI: d, Queue: q, jobs: make(map[uint16]*Job)}
}

// Submit places a descriptor chain, registers a completion Job keyed by
// the chain's head index, and notifies the device backend.
// It returns the Job; the caller (internal/blockdev) blocks on Job.Done.
func (d *Device) Submit(descs []Descriptor) (*Job, error) {
	head, err := d.Queue.SubmitChain(descs)
	if err != nil {
		return nil, err
	}
	job := &Job{Head: head, Done: make(chan struct{})}
	d.mu.Lock()
	d.jobs[head] = job
	d.mu.Unlock()

	if d.ServiceNotify != nil {
		d.ServiceNotify(d.Queue)
	}
	d.collectCompletions()
	return job, nil
}

// collectCompletions drains the used ring and signals any matching jobs.
// Called after every notify in this synchronous simulation; a real PLIC-
// delivered IRQ would call the equivalent handler from an interrupt
// context instead.
func (d *Device) collectCompletions() {
	for _, head := range d.Queue.CollectUsed() {
		d.mu.Lock()
		job, ok := d.jobs[head]
		if ok {
			delete(d.jobs, head)
		}
		d.mu.Unlock()
		if ok {
			close(job.Done)
		}
	}
}

// HandleIRQ re-checks the used ring for completions, for callers that
// service notifications asynchronously (a background goroutine) rather
// than inline with Submit.
func (d *Device) HandleIRQ() {
	d.collectCompletions()
}
