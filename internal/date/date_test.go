package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrent_Format(t *testing.T) {
	release := Acquire()
	defer release()

	v := Current()
	if _, err := time.Parse(http.TimeFormat, v); err != nil {
		t.Errorf("Expected an HTTP date, got %q: %v", v, err)
	}
}

func TestAcquire_RefCounted(t *testing.T) {
	r1 := Acquire()
	r2 := Acquire()
	r1()
	r1()
	mu.Lock()
	n := refs
	mu.Unlock()
	if n != 1 {
		t.Errorf("Expected 1 holder after double release, got %d", n)
	}
	r2()
}
