// Package relay maintains the pool of outbound relay connections and the
// publish/fetch/subscribe primitives built on it.
package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

// Subscription is one open relay subscription.
type Subscription interface {
	// Events yields matching events until the subscription ends.
	Events() <-chan *nostr.Event
	// Done is closed when the subscription has dropped for any reason.
	Done() <-chan struct{}
	// Close ends the subscription.
	Close()
}

// Conn is a single relay connection. *nostr.Relay backs it in production;
// tests substitute fakes.
type Conn interface {
	URL() string
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)
	Close() error
}

// Dialer opens a connection to one relay url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Manager pools connections by url, dialing lazily and evicting on failure.
type Manager struct {
	dial Dialer
	log  *zap.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

// NewManager builds a pool using the given dialer.
func NewManager(dial Dialer, log *zap.Logger) *Manager {
	return &Manager{dial: dial, log: log, conns: make(map[string]Conn)}
}

// conn returns the pooled connection for url, dialing if absent.
func (m *Manager) conn(ctx context.Context, url string) (Conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[url]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.dial(ctx, url)
	if err != nil {
		return nil, errs.E(errs.KindRelay, "relay.conn", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[url]; ok {
		_ = c.Close()
		return existing, nil
	}
	m.conns[url] = c
	return c, nil
}

// evict drops a connection after a failure so the next use redials.
func (m *Manager) evict(url string, c Conn) {
	m.mu.Lock()
	if m.conns[url] == c {
		delete(m.conns, url)
	}
	m.mu.Unlock()
	_ = c.Close()
}

// Publish sends ev to every url. It succeeds when at least one relay
// accepted the event and fails with a relay error otherwise.
func (m *Manager) Publish(ctx context.Context, urls []string, ev nostr.Event) error {
	if len(urls) == 0 {
		return errs.Ef(errs.KindRelay, "relay.Publish", "no relays configured")
	}
	accepted := 0
	for _, url := range urls {
		c, err := m.conn(ctx, url)
		if err != nil {
			m.log.Warn("relay dial failed", zap.String("relay", url), zap.Error(err))
			continue
		}
		if err := c.Publish(ctx, ev); err != nil {
			m.log.Warn("relay rejected event",
				zap.String("relay", url),
				zap.String("event", ev.ID),
				zap.Error(err))
			m.evict(url, c)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errs.Ef(errs.KindRelay, "relay.Publish", "no relay accepted event %s", ev.ID)
	}
	return nil
}

// Fetch queries every url synchronously and merges results, de-duplicated
// by event id.
func (m *Manager) Fetch(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var out []*nostr.Event
	var lastErr error
	for _, url := range urls {
		c, err := m.conn(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		evs, err := c.QuerySync(ctx, filter)
		if err != nil {
			m.log.Warn("relay query failed", zap.String("relay", url), zap.Error(err))
			m.evict(url, c)
			lastErr = err
			continue
		}
		for _, ev := range evs {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	if out == nil && lastErr != nil {
		return nil, errs.E(errs.KindRelay, "relay.Fetch", lastErr)
	}
	return out, nil
}

// FetchNewest returns the newest event matching filter across urls, or nil.
func (m *Manager) FetchNewest(ctx context.Context, urls []string, filter nostr.Filter) (*nostr.Event, error) {
	evs, err := m.Fetch(ctx, urls, filter)
	if err != nil {
		return nil, err
	}
	var newest *nostr.Event
	for _, ev := range evs {
		if newest == nil || ev.CreatedAt > newest.CreatedAt ||
			(ev.CreatedAt == newest.CreatedAt && ev.ID > newest.ID) {
			newest = ev
		}
	}
	return newest, nil
}

// Subscribe opens one subscription per url and fans events into a single
// channel. The returned subscription drops when every underlying one has.
func (m *Manager) Subscribe(ctx context.Context, urls []string, filters nostr.Filters) (Subscription, error) {
	fan := newFanIn()
	opened := 0
	for _, url := range urls {
		c, err := m.conn(ctx, url)
		if err != nil {
			m.log.Warn("relay dial failed", zap.String("relay", url), zap.Error(err))
			continue
		}
		sub, err := c.Subscribe(ctx, filters)
		if err != nil {
			m.log.Warn("relay subscribe failed", zap.String("relay", url), zap.Error(err))
			m.evict(url, c)
			continue
		}
		fan.add(sub)
		opened++
	}
	if opened == 0 {
		fan.Close()
		return nil, errs.Ef(errs.KindRelay, "relay.Subscribe", "no relay accepted subscription")
	}
	fan.start()
	return fan, nil
}

// Close drops every pooled connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Conn)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// fanIn merges several relay subscriptions into one.
type fanIn struct {
	subs   []Subscription
	events chan *nostr.Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newFanIn() *fanIn {
	return &fanIn{
		events: make(chan *nostr.Event, 64),
		done:   make(chan struct{}),
	}
}

func (f *fanIn) add(sub Subscription) { f.subs = append(f.subs, sub) }

func (f *fanIn) start() {
	for _, sub := range f.subs {
		f.wg.Add(1)
		go func(sub Subscription) {
			defer f.wg.Done()
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					select {
					case f.events <- ev:
					case <-f.done:
						return
					}
				case <-sub.Done():
					return
				case <-f.done:
					return
				}
			}
		}(sub)
	}
	go func() {
		f.wg.Wait()
		f.Close()
	}()
}

func (f *fanIn) Events() <-chan *nostr.Event { return f.events }
func (f *fanIn) Done() <-chan struct{}       { return f.done }

func (f *fanIn) Close() {
	f.once.Do(func() {
		close(f.done)
		for _, sub := range f.subs {
			sub.Close()
		}
	})
}
