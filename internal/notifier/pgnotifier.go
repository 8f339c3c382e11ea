package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duraq/duraq/driver/pgdriver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
)

// sonarPeriod is how often the notifier pings its own listener connection to
// decide whether pub/sub is reachable.
const sonarPeriod = 5 * time.Second

// sonarTimeout is how long a ping is given to round-trip before the
// notifier considers itself isolated.
const sonarTimeout = 3 * time.Second

// PGNotifier is the database-backed Notifier, built on Postgres LISTEN/
// NOTIFY through a dedicated pgdriver.Listener connection.
type PGNotifier struct {
	baseservice.BaseService
	startstop.BaseStartStop

	instanceName string
	pool         *pgxpool.Pool
	listener     *pgdriver.Listener

	mu        sync.Mutex
	listeners map[string][]Handler // keyed by "topic/queue"

	reachable atomic32
	sonarCh   chan struct{}
}

// atomic32 is a tiny bool flag safe for concurrent get/set without pulling
// in sync/atomic's slightly awkward Bool type everywhere it's read.
type atomic32 struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomic32) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomic32) get() bool  { a.mu.RLock(); defer a.mu.RUnlock(); return a.v }

// NewPGNotifier constructs a PGNotifier scoped to instanceName (every
// Postgres NOTIFY channel is prefixed with it, so multiple independently
// configured clusters can share one database without cross-talk).
func NewPGNotifier(archetype *baseservice.Archetype, instanceName string, pool *pgxpool.Pool) (*PGNotifier, error) {
	listener, err := pgdriver.NewListener(pool)
	if err != nil {
		return nil, err
	}
	n := &PGNotifier{
		instanceName: instanceName,
		pool:         pool,
		listener:     listener,
		listeners:    make(map[string][]Handler),
		sonarCh:      make(chan struct{}, 1),
	}
	n.BaseService = baseservice.Init(archetype, n)
	return n, nil
}

func (n *PGNotifier) channelName(topic Topic, queue string) string {
	if queue == "" {
		return fmt.Sprintf("%s.%s", n.instanceName, topic)
	}
	return fmt.Sprintf("%s.%s.%s", n.instanceName, topic, queue)
}

func (n *PGNotifier) Start(ctx context.Context) error {
	if err := n.listener.Connect(ctx); err != nil {
		return fmt.Errorf("notifier: connect: %w", err)
	}
	if err := n.listener.Listen(ctx, n.channelName(TopicSignal, "__sonar__")); err != nil {
		return fmt.Errorf("notifier: listen sonar: %w", err)
	}

	n.StartLoop(ctx, n.run)
	n.StartLoop(ctx, n.runSonar)
	return nil
}

func (n *PGNotifier) run(ctx context.Context) {
	for {
		notification, err := n.listener.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			n.Logger.Warn("notification wait failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		n.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

func (n *PGNotifier) dispatch(channel string, rawPayload []byte) {
	if channel == n.channelName(TopicSignal, "__sonar__") {
		select {
		case n.sonarCh <- struct{}{}:
		default:
		}
		return
	}

	payload, err := Decode(rawPayload)
	if err != nil {
		n.Logger.Error("failed to decode notification payload", "channel", channel, "error", err)
		return
	}

	n.mu.Lock()
	handlers := append([]Handler(nil), n.listeners[channel]...)
	n.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (n *PGNotifier) runSonar(ctx context.Context) {
	ticker := time.NewTicker(sonarPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.ping(ctx)
		}
	}
}

func (n *PGNotifier) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, sonarTimeout)
	defer cancel()

	if err := n.listener.Ping(pingCtx, n.channelName(TopicSignal, "__sonar__"), "ping"); err != nil {
		n.reachable.set(false)
		n.Logger.Warn("sonar ping failed, marking isolated", "error", err)
		return
	}

	select {
	case <-n.sonarCh:
		n.reachable.set(true)
	case <-pingCtx.Done():
		n.reachable.set(false)
		n.Logger.Warn("sonar ping not echoed in time, marking isolated")
	}
}

func (n *PGNotifier) Reachable() bool { return n.reachable.get() }

func (n *PGNotifier) Listen(ctx context.Context, topic Topic, queue string, handler Handler) (func(), error) {
	channel := n.channelName(topic, queue)

	n.mu.Lock()
	_, alreadyListening := n.listeners[channel]
	n.listeners[channel] = append(n.listeners[channel], handler)
	n.mu.Unlock()

	if !alreadyListening {
		if err := n.listener.Listen(ctx, channel); err != nil {
			return nil, fmt.Errorf("notifier: listen %s: %w", channel, err)
		}
	}

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		handlers := n.listeners[channel]
		for i, h := range handlers {
			if funcPtrEqual(h, handler) {
				n.listeners[channel] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}, nil
}

func funcPtrEqual(a, b Handler) bool {
	// Handler values can't be compared with ==; identity is approximated by
	// comparing the functions' code pointers as printed by %p. Two closures
	// created from the same function literal share a code pointer, so they
	// compare equal here.
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

func (n *PGNotifier) Notify(ctx context.Context, topic Topic, queue string, payload []byte) error {
	encoded, err := Encode(payload)
	if err != nil {
		return err
	}
	return pgdriver.Notify(ctx, n.pool, n.channelName(topic, queue), string(encoded))
}
