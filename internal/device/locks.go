package device

import "sync"

// Locks serializes work per device serial. Devices never contend with each
// other; only calls for the same serial wait.
type Locks struct {
	m sync.Map // serial -> *sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{}
}

// Lock blocks until the serial is free and returns the matching unlock func.
func (l *Locks) Lock(serial string) func() {
	v, _ := l.m.LoadOrStore(serial, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Len reports how many serials have a lock.
func (l *Locks) Len() int {
	n := 0
	l.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
