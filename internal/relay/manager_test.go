package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

type fakeConn struct {
	url string

	mu         sync.Mutex
	published  []nostr.Event
	rejectPub  bool
	stored     []*nostr.Event
	queryErr   error
	closed     bool
	subEvents  chan *nostr.Event
	subDone    chan struct{}
	subRefused bool
}

func (f *fakeConn) URL() string { return f.url }

func (f *fakeConn) Publish(_ context.Context, ev nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectPub {
		return errors.New("rejected")
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeConn) QuerySync(context.Context, nostr.Filter) ([]*nostr.Event, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.stored, nil
}

func (f *fakeConn) Subscribe(context.Context, nostr.Filters) (Subscription, error) {
	if f.subRefused {
		return nil, errors.New("refused")
	}
	if f.subEvents == nil {
		f.subEvents = make(chan *nostr.Event, 8)
	}
	if f.subDone == nil {
		f.subDone = make(chan struct{})
	}
	return &fakeSub{events: f.subEvents, done: f.subDone}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSub struct {
	events chan *nostr.Event
	done   chan struct{}
	once   sync.Once
}

func (s *fakeSub) Events() <-chan *nostr.Event { return s.events }
func (s *fakeSub) Done() <-chan struct{}       { return s.done }
func (s *fakeSub) Close()                      { s.once.Do(func() { close(s.done) }) }

func fakeDialer(conns map[string]*fakeConn) Dialer {
	return func(_ context.Context, url string) (Conn, error) {
		c, ok := conns[url]
		if !ok {
			return nil, errors.New("unreachable")
		}
		return c, nil
	}
}

func TestPublish_OneAcceptanceSuffices(t *testing.T) {
	t.Parallel()

	good := &fakeConn{url: "wss://good"}
	bad := &fakeConn{url: "wss://bad", rejectPub: true}
	m := NewManager(fakeDialer(map[string]*fakeConn{"wss://good": good, "wss://bad": bad}), zap.NewNop())

	ev := nostr.Event{ID: "ev1"}
	err := m.Publish(context.Background(), []string{"wss://bad", "wss://down", "wss://good"}, ev)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(good.published) != 1 {
		t.Fatalf("good relay got %d events, want 1", len(good.published))
	}
}

func TestPublish_AllFail(t *testing.T) {
	t.Parallel()

	bad := &fakeConn{url: "wss://bad", rejectPub: true}
	m := NewManager(fakeDialer(map[string]*fakeConn{"wss://bad": bad}), zap.NewNop())

	if err := m.Publish(context.Background(), []string{"wss://bad", "wss://down"}, nostr.Event{ID: "x"}); err == nil {
		t.Fatalf("Publish succeeded with no acceptance")
	}
	if err := m.Publish(context.Background(), nil, nostr.Event{ID: "x"}); err == nil {
		t.Fatalf("Publish succeeded with no relays")
	}
	if !bad.closed {
		t.Fatalf("rejecting relay should be evicted and closed")
	}
}

func TestFetch_MergesAndDeduplicates(t *testing.T) {
	t.Parallel()

	shared := &nostr.Event{ID: "dup"}
	a := &fakeConn{url: "wss://a", stored: []*nostr.Event{shared, {ID: "only-a"}}}
	b := &fakeConn{url: "wss://b", stored: []*nostr.Event{shared, {ID: "only-b"}}}
	m := NewManager(fakeDialer(map[string]*fakeConn{"wss://a": a, "wss://b": b}), zap.NewNop())

	evs, err := m.Fetch(context.Background(), []string{"wss://a", "wss://b"}, nostr.Filter{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3 after dedup", len(evs))
	}
}

func TestFetchNewest(t *testing.T) {
	t.Parallel()

	a := &fakeConn{url: "wss://a", stored: []*nostr.Event{
		{ID: "old", CreatedAt: 100},
		{ID: "new", CreatedAt: 200},
	}}
	m := NewManager(fakeDialer(map[string]*fakeConn{"wss://a": a}), zap.NewNop())

	ev, err := m.FetchNewest(context.Background(), []string{"wss://a"}, nostr.Filter{})
	if err != nil {
		t.Fatalf("FetchNewest: %v", err)
	}
	if ev == nil || ev.ID != "new" {
		t.Fatalf("FetchNewest = %+v, want id new", ev)
	}

	empty := &fakeConn{url: "wss://empty"}
	m2 := NewManager(fakeDialer(map[string]*fakeConn{"wss://empty": empty}), zap.NewNop())
	ev, err = m2.FetchNewest(context.Background(), []string{"wss://empty"}, nostr.Filter{})
	if err != nil {
		t.Fatalf("FetchNewest(empty): %v", err)
	}
	if ev != nil {
		t.Fatalf("FetchNewest(empty) = %+v, want nil", ev)
	}
}

func TestSubscribe_FansIn(t *testing.T) {
	t.Parallel()

	a := &fakeConn{url: "wss://a"}
	b := &fakeConn{url: "wss://b", subRefused: true}
	m := NewManager(fakeDialer(map[string]*fakeConn{"wss://a": a, "wss://b": b}), zap.NewNop())

	sub, err := m.Subscribe(context.Background(), []string{"wss://a", "wss://b"}, nostr.Filters{{}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	a.subEvents <- &nostr.Event{ID: "ev1"}
	select {
	case ev := <-sub.Events():
		if ev.ID != "ev1" {
			t.Fatalf("got %s", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("event never fanned in")
	}

	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Close")
	}
}

func TestSubscribe_NoRelays(t *testing.T) {
	t.Parallel()

	m := NewManager(fakeDialer(nil), zap.NewNop())
	if _, err := m.Subscribe(context.Background(), []string{"wss://down"}, nostr.Filters{{}}); err == nil {
		t.Fatalf("Subscribe succeeded with no reachable relay")
	}
}

func TestManager_RedialsAfterEvict(t *testing.T) {
	t.Parallel()

	c := &fakeConn{url: "wss://a", queryErr: errors.New("boom")}
	dials := 0
	dial := func(_ context.Context, url string) (Conn, error) {
		dials++
		return c, nil
	}
	m := NewManager(dial, zap.NewNop())

	_, _ = m.Fetch(context.Background(), []string{"wss://a"}, nostr.Filter{})
	c.queryErr = nil
	if _, err := m.Fetch(context.Background(), []string{"wss://a"}, nostr.Filter{}); err != nil {
		t.Fatalf("Fetch after recovery: %v", err)
	}
	if dials != 2 {
		t.Fatalf("dials = %d, want redial after eviction", dials)
	}
}
