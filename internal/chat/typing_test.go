package chat

import (
	"testing"
	"time"
)

func TestTypingSet_AddIdempotent(t *testing.T) {
	set := NewTypingSet(time.Minute, nil)
	set.Add("host")
	set.Add("host")

	if set.Len() != 1 {
		t.Fatalf("expected 1 member, got %d", set.Len())
	}
	if !set.Contains("host") {
		t.Error("host should be typing")
	}
}

func TestTypingSet_StopRemoves(t *testing.T) {
	set := NewTypingSet(time.Minute, nil)
	set.Add("host")
	set.Remove("host")

	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %d members", set.Len())
	}
	// removing again must not fire notifications or panic
	set.Remove("host")
}

func TestTypingSet_TTLExpiry(t *testing.T) {
	changes := make(chan struct{}, 4)
	set := NewTypingSet(30*time.Millisecond, func() {
		changes <- struct{}{}
	})
	set.Add("guest")

	<-changes // add
	select {
	case <-changes: // expiry
	case <-time.After(time.Second):
		t.Fatal("typing entry never expired")
	}
	if set.Contains("guest") {
		t.Error("guest should have expired")
	}
}

func TestTypingSet_ReaddResetsTimer(t *testing.T) {
	set := NewTypingSet(60*time.Millisecond, nil)
	set.Add("guest")
	time.Sleep(40 * time.Millisecond)
	set.Add("guest")
	time.Sleep(40 * time.Millisecond)

	if !set.Contains("guest") {
		t.Error("re-add should have pushed the expiry out")
	}
	time.Sleep(60 * time.Millisecond)
	if set.Contains("guest") {
		t.Error("entry should expire after the reset window")
	}
}

func TestTypingSet_UsersSorted(t *testing.T) {
	set := NewTypingSet(time.Minute, nil)
	set.Add("zoe")
	set.Add("ann")

	users := set.Users()
	if len(users) != 2 || users[0] != "ann" || users[1] != "zoe" {
		t.Errorf("unexpected member list: %v", users)
	}
}
