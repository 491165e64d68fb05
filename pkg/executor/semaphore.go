package executor

import "sync"

// Semaphore bounds how many executions run concurrently across the whole
// process. Admission never blocks: a full semaphore rejects the trigger.
type Semaphore struct {
	mu    sync.Mutex
	held  int
	limit int
}

func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 1
	}
	return &Semaphore{limit: limit}
}

// TryAcquire takes a slot if one is free.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held >= s.limit {
		return false
	}
	s.held++
	return true
}

// Release returns a slot. Releasing a slot that was never acquired is a
// programming error.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == 0 {
		panic("executor: semaphore release without acquire")
	}
	s.held--
}

// InUse reports the held slot count.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Limit reports the slot capacity.
func (s *Semaphore) Limit() int { return s.limit }
