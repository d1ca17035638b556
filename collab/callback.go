package collab

import (
	"sync"
	"time"
)

// makes a copy of the list on update so that dispatch never holds the lock.
// func values are not comparable, so entries are keyed by an id and removal
// goes through the func returned by add.
type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// Add registers the callback and returns its disposer.
// the disposer is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, entry := range self.entries {
		if entry.callbackId == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	nextEntries := make([]callbackEntry[T], 0, len(self.entries)-1)
	nextEntries = append(nextEntries, self.entries[0:i]...)
	nextEntries = append(nextEntries, self.entries[i+1:]...)
	self.entries = nextEntries
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

// Reconnect spaces connection attempts so that a failing endpoint is retried
// at most once per timeout, measured from the start of the previous attempt.
type Reconnect struct {
	start   time.Time
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		start:   time.Now(),
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
