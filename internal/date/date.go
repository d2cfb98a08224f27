// Package date provides a cached, thread-safe HTTP date string.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[string]

	mu   sync.Mutex
	refs int
	done chan struct{}
)

// Acquire starts the shared ticker on first use and returns a release
// function. The ticker stops when the last holder releases.
func Acquire() (release func()) {
	mu.Lock()
	defer mu.Unlock()
	refs++
	if refs == 1 {
		update()
		done = make(chan struct{})
		go tick(done)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			refs--
			if refs == 0 {
				close(done)
			}
		})
	}
}

func tick(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			update()
		case <-done:
			return
		}
	}
}

func update() {
	s := time.Now().UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// Current returns the cached value for the Date header.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
