// Package semaphore bounds the number of goroutines doing a job at the same time.
package semaphore

// Semaphore is a counting semaphore.
type Semaphore struct {
	c chan struct{}
}

// New returns a semaphore that allows n holders.
func New(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{c: make(chan struct{}, n)}
}

// Wait blocks until a slot is free and takes it.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// WaitC is like Wait but returns false if cancelC is closed before a slot is free.
// A free slot is taken even if cancelC is already closed.
func (s *Semaphore) WaitC(cancelC <-chan struct{}) bool {
	select {
	case s.c <- struct{}{}:
		return true
	default:
	}
	select {
	case s.c <- struct{}{}:
		return true
	case <-cancelC:
		return false
	}
}

// Signal frees a slot taken by Wait.
func (s *Semaphore) Signal() {
	<-s.c
}

// Len returns the number of taken slots.
func (s *Semaphore) Len() int {
	return len(s.c)
}
