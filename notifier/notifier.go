// Package notifier implements a minimal in-process pub/sub used to wake
// up status streams when a run or job changes state.
package notifier

import "sync"

type Notifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

func New() Notifier {
	return Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (n *Notifier) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	delete(n.subscribers, ch)
	close(ch)
	n.mu.Unlock()
}

// NotifyAll signals every subscriber without blocking; a subscriber that
// already has a pending signal is skipped.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()
}
