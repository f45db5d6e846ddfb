package bridge

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/gather"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/presence"
)

func runRabbitMQ(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

type waitingListener struct {
	mu       sync.Mutex
	presence []domain.RoomEvent
	chat     []domain.ChatMessage
	signal   chan struct{}
}

func newWaitingListener() *waitingListener {
	return &waitingListener{signal: make(chan struct{}, 64)}
}

func (w *waitingListener) PresenceChanged(ev domain.RoomEvent) {
	w.mu.Lock()
	w.presence = append(w.presence, ev)
	w.mu.Unlock()
	w.signal <- struct{}{}
}

func (w *waitingListener) ChatReceived(msg domain.ChatMessage) {
	w.mu.Lock()
	w.chat = append(w.chat, msg)
	w.mu.Unlock()
	w.signal <- struct{}{}
}

func (w *waitingListener) waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		w.mu.Lock()
		ok := cond()
		w.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-w.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func startInstance(t *testing.T, ctx context.Context, url, id string, expected int, timeout time.Duration) (*Bridge, *waitingListener) {
	t.Helper()
	tracker := presence.NewTracker()
	coord := gather.New(expected, timeout, zerolog.Nop())
	b, err := New(Config{URL: url}, id, tracker, coord, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	lis := newWaitingListener()
	b.SetListener(lis)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start instance %s: %v", id, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, lis
}

func TestIntegration_PresenceFanoutAndScatterGather(t *testing.T) {
	url := runRabbitMQ(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	x, lisX := startInstance(t, ctx, url, "inst-x", 2, 5*time.Second)
	y, lisY := startInstance(t, ctx, url, "inst-y", 2, 5*time.Second)

	// alice joins room general via instance X; both instances must converge.
	if err := x.PublishPresence(ctx, "general", "alice", domain.StatusJoined); err != nil {
		t.Fatal(err)
	}
	lisX.waitFor(t, func() bool { return len(lisX.presence) >= 1 }, "presence on X")
	lisY.waitFor(t, func() bool { return len(lisY.presence) >= 1 }, "presence on Y")
	if got := x.tracker.Users("general"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("X local view: %v", got)
	}
	if got := y.tracker.Users("general"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("Y local view: %v", got)
	}

	// Y's global query scatters to both instances and resolves before timeout.
	start := time.Now()
	users, err := y.QueryMembers(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("expected merged roster [alice], got %v", users)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("expected early resolution via reply count, took %v", elapsed)
	}
}

func TestIntegration_QueryResolvesViaTimeoutWhenFleetUndersized(t *testing.T) {
	url := runRabbitMQ(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fleet configured for 3 instances, only 2 alive: the query must resolve
	// by timeout with the replies of the live instances.
	queryTimeout := 2 * time.Second
	x, lisX := startInstance(t, ctx, url, "inst-x", 3, queryTimeout)
	_, lisY := startInstance(t, ctx, url, "inst-y", 3, queryTimeout)

	if err := x.PublishPresence(ctx, "general", "alice", domain.StatusJoined); err != nil {
		t.Fatal(err)
	}
	lisX.waitFor(t, func() bool { return len(lisX.presence) >= 1 }, "presence on X")
	lisY.waitFor(t, func() bool { return len(lisY.presence) >= 1 }, "presence on Y")

	start := time.Now()
	users, err := x.QueryMembers(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < queryTimeout {
		t.Fatalf("expected timeout-path resolution, resolved after %v", elapsed)
	}
	if !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("expected partial roster [alice], got %v", users)
	}
}

func TestIntegration_ChatDeliveredEverywhereIncludingOrigin(t *testing.T) {
	url := runRabbitMQ(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	x, lisX := startInstance(t, ctx, url, "inst-x", 2, 5*time.Second)
	_, lisY := startInstance(t, ctx, url, "inst-y", 2, 5*time.Second)

	if err := x.PublishChat(ctx, "r", "alice", "hello"); err != nil {
		t.Fatal(err)
	}
	want := domain.ChatMessage{RoomID: "r", UserID: "alice", Message: "hello"}
	lisX.waitFor(t, func() bool { return len(lisX.chat) == 1 && lisX.chat[0] == want }, "chat on origin X")
	lisY.waitFor(t, func() bool { return len(lisY.chat) == 1 && lisY.chat[0] == want }, "chat on Y")
}
