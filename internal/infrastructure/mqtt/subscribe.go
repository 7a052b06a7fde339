package mqtt

import (
	"sort"
	"sync"
)

// route is one tracked subscription.
type route struct {
	pattern string
	qos     byte
	handler MessageHandler
}

// routeTable remembers subscriptions so they survive a clean-session reconnect.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]route)}
}

func (t *routeTable) put(r route) {
	t.mu.Lock()
	t.routes[r.pattern] = r
	t.mu.Unlock()
}

func (t *routeTable) remove(pattern string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.routes[pattern]
	delete(t.routes, pattern)
	return ok
}

func (t *routeTable) has(pattern string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[pattern]
	return ok
}

func (t *routeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// snapshot returns the routes ordered by pattern.
func (t *routeTable) snapshot() []route {
	t.mu.RLock()
	out := make([]route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pattern < out[j].pattern })
	return out
}

// Subscribe routes messages matching pattern (+ and # allowed) to handler.
// A pattern subscribed twice keeps the latest handler.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	switch {
	case pattern == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return ErrNilHandler
	case !c.IsConnected():
		return ErrNotConnected
	}

	r := route{pattern: pattern, qos: qos, handler: handler}
	c.routes.put(r)
	if err := await("subscribe "+pattern, c.client.Subscribe(pattern, qos, c.deliver(handler)), defaultPublishTimeout); err != nil {
		c.routes.remove(pattern)
		return err
	}
	return nil
}

// Unsubscribe drops a route. Messages already in flight may still reach
// the old handler. Unknown patterns are a no-op.
func (c *Client) Unsubscribe(pattern string) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if !c.routes.remove(pattern) {
		return nil
	}
	if !c.IsConnected() {
		// The broker forgets clean-session subscriptions on its own.
		return nil
	}
	return await("unsubscribe "+pattern, c.client.Unsubscribe(pattern), defaultPublishTimeout)
}

// SubscriptionCount returns the number of tracked routes.
func (c *Client) SubscriptionCount() int {
	return c.routes.len()
}

// HasSubscription matches the exact pattern string, not wildcards.
func (c *Client) HasSubscription(pattern string) bool {
	return c.routes.has(pattern)
}
