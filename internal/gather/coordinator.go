// Package gather implements the scatter-gather side of global membership
// queries: one pending aggregation per in-flight request, resolved exactly
// once by either reply-count-reached or timeout, whichever fires first.
package gather

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/metrics"
)

// DefaultTimeout bounds how long a query waits for the fleet to answer.
const DefaultTimeout = 5 * time.Second

// Coordinator owns the pending-aggregation table. Expected is the statically
// configured fleet size; a query resolves early once that many replies have
// been merged, otherwise the timeout resolves it with whatever accumulated,
// which may undercount if an instance is slow or down.
type Coordinator struct {
	expected int
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*aggregation
}

type aggregation struct {
	users   map[string]struct{}
	replies int
	timer   *time.Timer
	done    chan []string
}

func New(expected int, timeout time.Duration, log zerolog.Logger) *Coordinator {
	if expected < 1 {
		expected = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		expected: expected,
		timeout:  timeout,
		log:      log.With().Str("component", "gather").Logger(),
		pending:  make(map[string]*aggregation),
	}
}

// Timeout reports the configured resolution bound.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Begin registers a pending aggregation for requestID and arms its timeout.
// The returned channel yields the merged, deduplicated user set exactly once.
func (c *Coordinator) Begin(requestID string) <-chan []string {
	agg := &aggregation{users: make(map[string]struct{}), done: make(chan []string, 1)}
	c.mu.Lock()
	// The timer is armed before the record becomes visible, so any Deliver
	// that resolves the aggregation sees a non-nil timer. An immediate fire
	// blocks on the lock until the record is in place.
	agg.timer = time.AfterFunc(c.timeout, func() { c.expire(requestID) })
	c.pending[requestID] = agg
	c.mu.Unlock()
	return agg.done
}

// Deliver merges one instance's partial answer into its pending aggregation.
// Replies for unknown request ids (already resolved, or never begun here) are
// dropped silently. Overlapping user sets across instances merge by union, so
// only the raw reply count drives early completion.
func (c *Coordinator) Deliver(reply domain.MembershipReply) {
	c.mu.Lock()
	agg, ok := c.pending[reply.RequestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, u := range reply.Users {
		agg.users[u] = struct{}{}
	}
	agg.replies++
	if agg.replies < c.expected {
		c.mu.Unlock()
		return
	}
	// Removing the record under the lock makes resolution exactly-once: the
	// timeout path finds nothing and becomes a no-op.
	delete(c.pending, reply.RequestID)
	c.mu.Unlock()
	agg.timer.Stop()
	metrics.QueriesTotal.WithLabelValues("complete").Inc()
	agg.done <- agg.snapshot()
}

// Abort discards a pending aggregation without resolving it, for callers
// whose request publish never left this instance.
func (c *Coordinator) Abort(requestID string) {
	c.mu.Lock()
	agg, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		agg.timer.Stop()
	}
}

func (c *Coordinator) expire(requestID string) {
	c.mu.Lock()
	agg, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, requestID)
	c.mu.Unlock()
	c.log.Debug().Str("request_id", requestID).Int("replies", agg.replies).
		Msg("membership query timed out, resolving with partial result")
	metrics.QueriesTotal.WithLabelValues("timeout").Inc()
	agg.done <- agg.snapshot()
}

func (a *aggregation) snapshot() []string {
	out := make([]string, 0, len(a.users))
	for u := range a.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
