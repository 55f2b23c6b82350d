package dashboard

import (
	"strconv"
	"testing"
)

// TestHubQueuesFirstMessage tests that the connect status precedes later messages.
func TestHubQueuesFirstMessage(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte, 4)}
	if n := h.add(c, []byte("status")); n != 1 {
		t.Fatalf("add() = %d, want 1", n)
	}
	h.publish([]byte("one"))
	h.publish([]byte("two"))

	for _, want := range []string{"status", "one", "two"} {
		if got := string(<-c.send); got != want {
			t.Errorf("queued %q, want %q", got, want)
		}
	}
}

// TestHubDropsSlowClient tests that a full queue removes only that client.
func TestHubDropsSlowClient(t *testing.T) {
	h := newHub()
	slow := &client{send: make(chan []byte, 2)}
	fast := &client{send: make(chan []byte, 8)}
	h.add(slow, nil)
	h.add(fast, nil)

	var dropped []*client
	for i := 0; i < 3; i++ {
		dropped = append(dropped, h.publish([]byte(strconv.Itoa(i)))...)
	}
	if len(dropped) != 1 || dropped[0] != slow {
		t.Fatalf("publish() dropped %d clients, want the slow one", len(dropped))
	}
	if n := h.len(); n != 1 {
		t.Errorf("len() = %d, want 1", n)
	}
	if len(fast.send) != 3 {
		t.Errorf("fast client queued %d messages, want 3", len(fast.send))
	}

	// Dropped client's queue is closed after the buffered messages.
	for range slow.send {
	}
	if removed, _ := h.remove(slow); removed {
		t.Error("remove() of a dropped client reported true")
	}
}

// TestHubDrain tests that drain empties the hub and closes every queue.
func TestHubDrain(t *testing.T) {
	h := newHub()
	a := &client{send: make(chan []byte, 1)}
	b := &client{send: make(chan []byte, 1)}
	h.add(a, nil)
	h.add(b, nil)

	if got := len(h.drain()); got != 2 {
		t.Fatalf("drain() = %d clients, want 2", got)
	}
	if h.len() != 0 {
		t.Errorf("len() = %d after drain", h.len())
	}
	if _, ok := <-a.send; ok {
		t.Error("queue still open after drain")
	}
}
