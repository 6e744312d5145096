package registry

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestBindAndLookup(t *testing.T) {
	r := New()

	r.Bind("s1", 1)
	r.Bind("s2", 1)
	r.Bind("s3", 2)

	if id, ok := r.UserOf("s1"); !ok || id != 1 {
		t.Errorf("UserOf(s1) = %d, %v; want 1, true", id, ok)
	}
	if _, ok := r.UserOf("unknown"); ok {
		t.Error("UserOf(unknown) reported a binding")
	}

	sessions := r.SessionsOf(1)
	sort.Strings(sessions)
	if len(sessions) != 2 || sessions[0] != "s1" || sessions[1] != "s2" {
		t.Errorf("SessionsOf(1) = %v, want [s1 s2]", sessions)
	}
	if n := r.Count(); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestUnbind(t *testing.T) {
	r := New()

	r.Bind("s1", 1)
	r.Bind("s2", 1)

	r.Unbind("s1")
	if _, ok := r.UserOf("s1"); ok {
		t.Error("s1 still bound after Unbind")
	}
	if sessions := r.SessionsOf(1); len(sessions) != 1 || sessions[0] != "s2" {
		t.Errorf("SessionsOf(1) = %v, want [s2]", sessions)
	}

	// Unknown session removal must be a no-op.
	r.Unbind("never-bound")

	r.Unbind("s2")
	if sessions := r.SessionsOf(1); len(sessions) != 0 {
		t.Errorf("SessionsOf(1) = %v, want empty", sessions)
	}
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestRebindReplacesUser(t *testing.T) {
	r := New()

	r.Bind("s1", 1)
	r.Bind("s1", 2)

	if id, _ := r.UserOf("s1"); id != 2 {
		t.Errorf("UserOf(s1) = %d, want 2", id)
	}
	if sessions := r.SessionsOf(1); len(sessions) != 0 {
		t.Errorf("SessionsOf(1) = %v, want empty after rebind", sessions)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("session-%d", i)
			userID := int64(i % 5)
			r.Bind(sid, userID)
			r.UserOf(sid)
			r.SessionsOf(userID)
			if i%2 == 0 {
				r.Unbind(sid)
			}
		}(i)
	}
	wg.Wait()

	if n := r.Count(); n != 25 {
		t.Errorf("Count = %d, want 25", n)
	}
}
