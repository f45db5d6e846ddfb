// Package bridge is the only component that touches the broker. It declares
// the four-exchange topology, translates inbound deliveries into local
// presence/chat updates, and turns local actions into outbound publishes.
package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/gather"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/identity"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/metrics"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/presence"
)

// Exchange names are fixed by the wire contract shared with peer instances.
const (
	exchangeRoomEvents    = "room_events"
	exchangeChatMessages  = "chat_messages"
	exchangeUserRequests  = "user_requests"
	exchangeUserResponses = "user_responses"
)

// Listener receives local fan-out notifications for the realtime transport
// to push to connected clients. Calls may arrive from concurrent consumer
// goroutines.
type Listener interface {
	PresenceChanged(ev domain.RoomEvent)
	ChatReceived(msg domain.ChatMessage)
}

type Config struct {
	URL       string
	Endpoints []string
	TLS       TLSConfig
	Auth      AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if c.endpoint() == "" {
		return fmt.Errorf("broker url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// publisher is the slice of *amqp091.Channel the bridge publishes through;
// narrowed to an interface so handler tests can record publishes.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

type Bridge struct {
	cfg      Config
	instance string
	tracker  *presence.Tracker
	gather   *gather.Coordinator
	log      zerolog.Logger

	listener Listener

	conn *amqp091.Connection
	sub  *amqp091.Channel
	pub  publisher

	consumerTags []string
	closed       chan struct{}
	closeErr     atomic.Value
	wg           sync.WaitGroup
}

func New(cfg Config, instanceID string, tracker *presence.Tracker, coord *gather.Coordinator, log zerolog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if tracker == nil || coord == nil {
		return nil, fmt.Errorf("tracker and coordinator are required")
	}
	return &Bridge{
		cfg:      cfg,
		instance: instanceID,
		tracker:  tracker,
		gather:   coord,
		log:      log.With().Str("component", "bridge").Logger(),
		closed:   make(chan struct{}),
	}, nil
}

// InstanceID returns the id this bridge participates under.
func (b *Bridge) InstanceID() string { return b.instance }

// SetListener wires the realtime transport in before Start. Consumers are not
// running yet, so no synchronization is needed.
func (b *Bridge) SetListener(l Listener) { b.listener = l }

// Start connects to the broker, declares the topology, and launches one
// consumer goroutine per queue. Fanout delivery reaches every connected
// instance at least once; events published while this instance was down or
// still starting are simply missed, there is no replay.
func (b *Bridge) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if b.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: b.cfg.Auth.Username, Password: b.cfg.Auth.Password}}
	}
	if tlsCfg, err := b.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(b.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		sub.Close()
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	b.conn, b.sub, b.pub = conn, sub, pub

	if err := b.declareTopology(ctx, sub); err != nil {
		b.teardown()
		return err
	}
	return nil
}

func (b *Bridge) declareTopology(ctx context.Context, ch *amqp091.Channel) error {
	for _, ex := range []string{exchangeRoomEvents, exchangeChatMessages, exchangeUserRequests} {
		if err := ch.ExchangeDeclare(ex, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}
	if err := ch.ExchangeDeclare(exchangeUserResponses, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchangeUserResponses, err)
	}

	consumers := []struct {
		exchange string
		queue    string // empty means server-named
		key      string
		handle   func(context.Context, amqp091.Delivery) error
	}{
		{exchangeRoomEvents, "", "", b.handleRoomEvent},
		{exchangeChatMessages, "", "", b.handleChatMessage},
		{exchangeUserRequests, "", "", b.handleUserRequest},
		{exchangeUserResponses, b.instance, b.instance, b.handleUserResponse},
	}
	for _, c := range consumers {
		q, err := ch.QueueDeclare(c.queue, false, false, true, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue for %s: %w", c.exchange, err)
		}
		if err := ch.QueueBind(q.Name, c.key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.Name, c.exchange, err)
		}
		tag := "chatbridge-" + c.exchange + "-" + b.instance
		deliveries, err := ch.Consume(q.Name, tag, false, true, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume queue %s: %w", q.Name, err)
		}
		b.consumerTags = append(b.consumerTags, tag)
		b.wg.Add(1)
		go b.consumeLoop(ctx, c.exchange, deliveries, c.handle)
	}
	return nil
}

// Close is idempotent and safe to call concurrently with running consumers.
func (b *Bridge) Close() error {
	select {
	case <-b.closed:
		if v := b.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(b.closed)
	}
	if b.sub != nil {
		for _, tag := range b.consumerTags {
			_ = b.sub.Cancel(tag, false)
		}
	}
	b.wg.Wait()
	err := b.teardown()
	if err != nil {
		b.closeErr.Store(err)
	}
	return err
}

func (b *Bridge) teardown() error {
	var errs []error
	if b.sub != nil {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch, ok := b.pub.(*amqp091.Channel); ok && ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) consumeLoop(ctx context.Context, exchange string, deliveries <-chan amqp091.Delivery, handle func(context.Context, amqp091.Delivery) error) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := handle(ctx, d); err != nil {
				// One bad message must never stall the consumer: drop it
				// without requeue and move on.
				b.log.Warn().Err(err).Str("exchange", exchange).Msg("dropping undecodable delivery")
				metrics.DroppedTotal.WithLabelValues(exchange).Inc()
				_ = d.Nack(false, false)
				continue
			}
			metrics.ConsumedTotal.WithLabelValues(exchange).Inc()
			_ = d.Ack(false)
		}
	}
}

func (b *Bridge) handleRoomEvent(_ context.Context, d amqp091.Delivery) error {
	var ev domain.RoomEvent
	if err := decodeBody(d.Body, &ev); err != nil {
		return err
	}
	b.tracker.Apply(ev)
	if b.listener != nil {
		b.listener.PresenceChanged(ev)
	}
	return nil
}

func (b *Bridge) handleChatMessage(_ context.Context, d amqp091.Delivery) error {
	var msg domain.ChatMessage
	if err := decodeBody(d.Body, &msg); err != nil {
		return err
	}
	if b.listener != nil {
		b.listener.ChatReceived(msg)
	}
	return nil
}

func (b *Bridge) handleUserRequest(ctx context.Context, d amqp091.Delivery) error {
	var q domain.MembershipQuery
	if err := decodeBody(d.Body, &q); err != nil {
		return err
	}
	reply := domain.MembershipReply{RequestID: q.RequestID, InstanceID: b.instance, Users: b.tracker.Users(q.RoomID)}
	if err := b.publish(ctx, exchangeUserResponses, d.ReplyTo, reply, ""); err != nil {
		b.log.Warn().Err(err).Str("request_id", q.RequestID).Msg("publish membership reply failed")
	}
	return nil
}

func (b *Bridge) handleUserResponse(_ context.Context, d amqp091.Delivery) error {
	var reply domain.MembershipReply
	if err := decodeBody(d.Body, &reply); err != nil {
		return err
	}
	b.gather.Deliver(reply)
	return nil
}

// PublishPresence broadcasts a join/leave for (room, user), tagged with this
// instance's id. Fire-and-forget: the local view updates when the event fans
// back through room_events like everyone else's.
func (b *Bridge) PublishPresence(ctx context.Context, room, user string, status domain.Status) error {
	ev := domain.RoomEvent{RoomID: room, UserID: user, Status: status, InstanceID: b.instance}
	return b.publish(ctx, exchangeRoomEvents, "", ev, "")
}

// PublishChat broadcasts a chat message to every instance, this one included.
func (b *Bridge) PublishChat(ctx context.Context, room, user, message string) error {
	msg := domain.ChatMessage{RoomID: room, UserID: user, Message: message}
	return b.publish(ctx, exchangeChatMessages, "", msg, "")
}

// QueryMembers runs the scatter-gather protocol: broadcast a request carrying
// a fresh request id, merge one reply per live instance, and resolve on
// reply-count-reached or timeout. The result is a lower bound on the true
// global membership, never an error, unless the request could not be
// published or ctx ended first.
func (b *Bridge) QueryMembers(ctx context.Context, room string) ([]string, error) {
	requestID := identity.NewRequestID()
	done := b.gather.Begin(requestID)
	query := domain.MembershipQuery{RequestID: requestID, RoomID: room}
	if err := b.publish(ctx, exchangeUserRequests, "", query, b.instance); err != nil {
		b.gather.Abort(requestID)
		return nil, fmt.Errorf("publish membership query: %w", err)
	}
	select {
	case users := <-done:
		return users, nil
	case <-ctx.Done():
		b.gather.Abort(requestID)
		return nil, ctx.Err()
	}
}

func (b *Bridge) publish(ctx context.Context, exchange, key string, payload any, replyTo string) error {
	body, err := encodeBody(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", exchange, err)
	}
	msg := amqp091.Publishing{ContentType: "application/json", Body: body, ReplyTo: replyTo}
	if err := b.pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	metrics.PublishedTotal.WithLabelValues(exchange).Inc()
	return nil
}

func (b *Bridge) buildTLSConfig() (*tls.Config, error) {
	if !b.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify, ServerName: b.cfg.TLS.ServerName}
	if b.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(b.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read broker ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse broker ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if b.cfg.TLS.CertFile != "" || b.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLS.CertFile, b.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load broker cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
