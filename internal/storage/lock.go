package storage

import "context"

// Mutex is a FIFO lock usable with a context; waiters acquire it in arrival order
type Mutex struct {
	ch chan struct{}
}

// NewMutex creates an unlocked mutex
func NewMutex() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the lock is held or ctx is done
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock
func (m *Mutex) Unlock() {
	<-m.ch
}
