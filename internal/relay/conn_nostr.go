package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// nostrConn adapts *nostr.Relay to the Conn interface.
type nostrConn struct {
	relay *nostr.Relay
}

// DialNostr is the production Dialer speaking the Nostr wire protocol
// over websockets.
func DialNostr(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

func (c *nostrConn) URL() string { return c.relay.URL }

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.relay.QuerySync(ctx, filter)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &nostrSub{sub: sub}, nil
}

func (c *nostrConn) Close() error { return c.relay.Close() }

type nostrSub struct {
	sub *nostr.Subscription
}

func (s *nostrSub) Events() <-chan *nostr.Event { return s.sub.Events }
func (s *nostrSub) Done() <-chan struct{}       { return s.sub.Context.Done() }
func (s *nostrSub) Close()                      { s.sub.Unsub() }
