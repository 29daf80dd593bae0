// Package schedule implements the installer's job scheduler: a bounded
// worker pool pulling from one ready-queue per type tag, subject to
// per-type concurrency caps, with explicit per-job dependency edges and
// condition-variable suspension points.
package schedule

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// TypeTag is the lane a job runs in; each lane has its own concurrency cap.
type TypeTag string

const (
	FetchIndex TypeTag = "fetch_index"
	GitClone   TypeTag = "git_clone"
	Download   TypeTag = "download"
	Extract    TypeTag = "extract"
	Link       TypeTag = "link"
	BuildExt   TypeTag = "build_ext"
	Binstub    TypeTag = "binstub"
	Resolve    TypeTag = "resolve"
)

// State is a job's lifecycle state.
type State int

const (
	Pending State = iota
	Ready
	Running
	Done
	Failed
	Cancelled
)

func (s State) terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// JobID identifies an enqueued job.
type JobID int64

// Payload is the work a job performs.
type Payload func(ctx context.Context) error

// FollowUp runs synchronously on the worker right after a job's payload
// succeeds, before the worker picks up its next job; it may enqueue more
// jobs referencing already-known JobIds. It does not run on failure.
type FollowUp func(s *Scheduler, id JobID) error

// Progress receives scheduler lifecycle events for UI rendering; nil is a
// valid no-op progress sink.
type Progress interface {
	JobStarted(id JobID, typ TypeTag, name string)
	JobFinished(id JobID, typ TypeTag, name string, err error)
}

type job struct {
	id         JobID
	typ        TypeTag
	name       string
	payload    Payload
	dependsOn  []JobID
	followUp   FollowUp
	state      State
	err        error
	dependants []JobID
}

// JobError is one recorded failure.
type JobError struct {
	Name string
	Type TypeTag
	Err  error
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Workers int
	Queued  int
	Running int
	Done    int
	Failed  int
}

// Scheduler is the bounded, typed-lane worker pool driving an install run.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxWorkers int
	curWorkers int
	limits     map[TypeTag]int
	failFast   bool
	progress   Progress

	jobs      map[JobID]*job
	readyQ    map[TypeTag][]JobID
	inFlight  map[TypeTag]int
	nextID    JobID
	errs      []JobError
	started   bool
	stopping  bool
	stoppedWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a scheduler. No workers run until Start is called.
func New(maxWorkers int, limits map[TypeTag]int, failFast bool, progress Progress) *Scheduler {
	s := &Scheduler{
		maxWorkers: maxWorkers,
		limits:     copyLimits(limits),
		failFast:   failFast,
		progress:   progress,
		jobs:       make(map[JobID]*job),
		readyQ:     make(map[TypeTag][]JobID),
		inFlight:   make(map[TypeTag]int),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func copyLimits(limits map[TypeTag]int) map[TypeTag]int {
	out := make(map[TypeTag]int, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}

// DefaultLimits derives the per-type cap policy from maxWorkers and the
// number of slots reserved for compilation.
func DefaultLimits(maxWorkers, compileSlots int) map[TypeTag]int {
	rest := maxWorkers - compileSlots - 1
	if rest < 1 {
		rest = 1
	}
	dl := rest
	if dl > 8 {
		dl = 8
	}
	return map[TypeTag]int{
		FetchIndex: dl,
		GitClone:   maxWorkers,
		Download:   dl,
		Extract:    rest,
		Link:       rest,
		BuildExt:   2,
		Binstub:    1,
		Resolve:    1,
	}
}

// Start launches the pool's workers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.scaleWorkersLocked(s.maxWorkers)
}

// Enqueue records a job; if every entry of depends_on is already Done (or
// depends_on is empty), it is marked Ready immediately. The per-type cap is
// applied later, at dispatch.
func (s *Scheduler) Enqueue(typ TypeTag, name string, payload Payload, dependsOn []JobID, followUp FollowUp) JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	j := &job{id: id, typ: typ, name: name, payload: payload, dependsOn: append([]JobID(nil), dependsOn...), followUp: followUp, state: Pending}
	s.jobs[id] = j

	for _, dep := range dependsOn {
		if d, ok := s.jobs[dep]; ok {
			d.dependants = append(d.dependants, id)
		}
	}

	s.tryReadyLocked(j)
	s.cond.Broadcast()
	return id
}

// tryReadyLocked transitions j from Pending to Ready once every dependency
// is Done. It does not consult the per-type cap: the cap is enforced at
// dispatch time by workers, so multiple jobs of the same type can queue
// Ready simultaneously, FIFO within the type tag.
func (s *Scheduler) tryReadyLocked(j *job) {
	if j.state != Pending {
		return
	}
	for _, dep := range j.dependsOn {
		d, ok := s.jobs[dep]
		if !ok || d.state != Done {
			return
		}
	}
	j.state = Ready
	s.readyQ[j.typ] = append(s.readyQ[j.typ], j.id)
}

// dispatchable returns the next job a worker may run, or nil if none is
// currently runnable under the per-type caps.
func (s *Scheduler) dispatchableLocked() *job {
	for typ, queue := range s.readyQ {
		if len(queue) == 0 {
			continue
		}
		limit := s.limits[typ]
		if limit > 0 && s.inFlight[typ] >= limit {
			continue
		}
		id := queue[0]
		s.readyQ[typ] = queue[1:]
		j := s.jobs[id]
		j.state = Running
		s.inFlight[typ]++
		return j
	}
	return nil
}

func (s *Scheduler) scaleWorkersLocked(target int) {
	if target > s.maxWorkers {
		target = s.maxWorkers
	}
	for s.curWorkers < target {
		s.curWorkers++
		s.stoppedWG.Add(1)
		go s.workerLoop()
	}
}

// ScaleWorkers grows the pool up to max_workers; it never shrinks mid-run.
func (s *Scheduler) ScaleWorkers(target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scaleWorkersLocked(target)
	s.cond.Broadcast()
}

func (s *Scheduler) workerLoop() {
	defer s.stoppedWG.Done()
	for {
		s.mu.Lock()
		var j *job
		for {
			if s.stopping {
				s.mu.Unlock()
				return
			}
			j = s.dispatchableLocked()
			if j != nil {
				break
			}
			// Keep idle workers parked instead of exiting: an install run
			// enqueues in phases (index fetches, then the install DAG), so
			// an empty queue does not mean the run is over.
			s.cond.Wait()
		}
		s.mu.Unlock()

		if s.progress != nil {
			s.progress.JobStarted(j.id, j.typ, j.name)
		}
		err := j.payload(s.ctx)
		if err == nil && j.followUp != nil {
			err = j.followUp(s, j.id)
		}
		if s.progress != nil {
			s.progress.JobFinished(j.id, j.typ, j.name, err)
		}

		s.mu.Lock()
		s.inFlight[j.typ]--
		if err != nil {
			j.state = Failed
			j.err = err
			s.errs = append(s.errs, JobError{Name: j.name, Type: j.typ, Err: err})
			s.cancelDependantsLocked(j)
			if s.failFast {
				s.cancelAllPendingLocked()
			}
		} else {
			j.state = Done
			for _, depID := range j.dependants {
				if d, ok := s.jobs[depID]; ok {
					s.tryReadyLocked(d)
				}
			}
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// cancelDependantsLocked recursively cancels every transitive dependant of
// a failed job; cancellations count as failed for stats but are not
// reported as errors.
func (s *Scheduler) cancelDependantsLocked(j *job) {
	for _, depID := range j.dependants {
		d, ok := s.jobs[depID]
		if !ok || d.state.terminal() {
			continue
		}
		d.state = Cancelled
		s.removeFromReadyLocked(d)
		s.cancelDependantsLocked(d)
	}
}

func (s *Scheduler) cancelAllPendingLocked() {
	for _, j := range s.jobs {
		if j.state == Pending || j.state == Ready {
			j.state = Cancelled
			s.removeFromReadyLocked(j)
		}
	}
}

func (s *Scheduler) removeFromReadyLocked(j *job) {
	q := s.readyQ[j.typ]
	for i, id := range q {
		if id == j.id {
			s.readyQ[j.typ] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) allTerminalLocked() bool {
	for _, j := range s.jobs {
		if !j.state.terminal() {
			return false
		}
	}
	return true
}

// WaitFor blocks until every job currently recorded of typ has reached a
// terminal state.
func (s *Scheduler) WaitFor(typ TypeTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		pending := false
		for _, j := range s.jobs {
			if j.typ == typ && !j.state.terminal() {
				pending = true
				break
			}
		}
		if !pending {
			return
		}
		s.cond.Wait()
	}
}

// WaitAll blocks until the queue is empty and no job is Running.
func (s *Scheduler) WaitAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.allTerminalLocked() {
		s.cond.Wait()
	}
}

// Errors returns a snapshot of failures collected so far.
func (s *Scheduler) Errors() []JobError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JobError(nil), s.errs...)
}

// Stats returns a snapshot of pool occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Workers: s.curWorkers}
	for _, j := range s.jobs {
		switch j.state {
		case Pending, Ready:
			st.Queued++
		case Running:
			st.Running++
		case Done:
			st.Done++
		case Failed, Cancelled:
			st.Failed++
		}
	}
	return st
}

// Shutdown signals all workers, joins them, and drains the pool.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	if s.cancel != nil {
		s.cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.stoppedWG.Wait()

	if errs := s.Errors(); len(errs) > 0 {
		return xerrors.Errorf("%d job(s) failed, first: %s: %w", len(errs), errs[0].Name, errs[0].Err)
	}
	return nil
}
