package notifier

import (
	"context"
	"sync"
)

// LocalNotifier is an in-process Notifier with no database round trip at
// all, used by the manual test mode: a single test process standing in for
// a whole cluster, where a real LISTEN/NOTIFY round trip would just add
// latency and a database dependency to every unit test that touches the
// producer or Stager.
type LocalNotifier struct {
	mu        sync.Mutex
	listeners map[string][]Handler
	started   bool
}

// NewLocalNotifier returns a ready-to-use LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{listeners: make(map[string][]Handler)}
}

func (n *LocalNotifier) key(topic Topic, queue string) string {
	return string(topic) + "/" + queue
}

func (n *LocalNotifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = true
	return nil
}

func (n *LocalNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = false
}

// Reachable is always true: there's no network or database hop to lose.
func (n *LocalNotifier) Reachable() bool { return true }

func (n *LocalNotifier) Listen(ctx context.Context, topic Topic, queue string, handler Handler) (func(), error) {
	k := n.key(topic, queue)

	n.mu.Lock()
	n.listeners[k] = append(n.listeners[k], handler)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		handlers := n.listeners[k]
		for i, h := range handlers {
			if funcPtrEqual(h, handler) {
				n.listeners[k] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}, nil
}

// Notify delivers payload synchronously to every registered handler. No
// compression round trip: there's no 8KiB frame limit to work around in
// process memory, so Encode/Decode would only add CPU cost for nothing.
func (n *LocalNotifier) Notify(ctx context.Context, topic Topic, queue string, payload []byte) error {
	k := n.key(topic, queue)

	n.mu.Lock()
	handlers := append([]Handler(nil), n.listeners[k]...)
	n.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}
