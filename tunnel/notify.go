package tunnel

import "sync"

// A notifier calls queued functions one at a time, in order, on a goroutine of
// its own. Handlers may therefore call back into the Client without
// deadlocking.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    *sync.Cond
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, fn)
	if !n.running {
		n.running = true
		go n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.idle.Broadcast()
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

// wait blocks until all queued functions have been called.
func (n *notifier) wait() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.running {
		n.idle.Wait()
	}
}

func newNotifier() *notifier {
	n := new(notifier)
	n.idle = sync.NewCond(&n.mu)
	return n
}
