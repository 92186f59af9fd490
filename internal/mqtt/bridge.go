package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tracewise/internal/config"
	"github.com/nugget/tracewise/internal/events"
)

const (
	eventBuffer    = 256
	connectTimeout = 10 * time.Second
	flushTimeout   = 5 * time.Second
)

// publisher is the subset of *autopaho.ConnectionManager the bridge
// uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to an MQTT broker.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	events   <-chan events.Event
	tokens   *DailyTokens
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
	// closeConn ends the connection manager. It outlives Start's ctx
	// so the backlog can be flushed after forwarding stops.
	closeConn context.CancelFunc
}

// New creates a Bridge and subscribes it to bus right away so events
// published before Start are not missed. It does not connect.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, tokens *DailyTokens, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	return &Bridge{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		events:   bus.Subscribe(eventBuffer),
		tokens:   tokens,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled, then flushes whatever is still buffered. The connection
// stays up until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishStatus(context.WithoutCancel(ctx), cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	connLife, closeConn := context.WithCancel(context.WithoutCancel(ctx))
	cm, err := autopaho.NewConnection(connLife, pahoCfg)
	if err != nil {
		closeConn()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm
	b.closeConn = closeConn

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.forward(ctx, cm)
	return nil
}

// Stop publishes "offline", disconnects and detaches from the bus.
// Call it after Start has returned.
func (b *Bridge) Stop(ctx context.Context) error {
	b.bus.Unsubscribe(b.events)
	if b.cm == nil {
		return nil
	}
	defer b.closeConn()
	b.publishStatus(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) statusTopic() string {
	return b.cfg.Topic + "/status"
}

func (b *Bridge) tokensTopic() string {
	return b.cfg.Topic + "/tokens_today"
}

func (b *Bridge) eventTopic(e events.Event) string {
	return b.cfg.Topic + "/" + e.Source + "/" + e.Kind
}

// forward publishes events until ctx is done or the subscription is
// closed. On ctx done the buffered backlog is flushed with a short
// deadline of its own.
func (b *Bridge) forward(ctx context.Context, pub publisher) {
	for {
		select {
		case e, ok := <-b.events:
			if !ok {
				return
			}
			b.handle(ctx, pub, e)
		case <-ctx.Done():
			b.flush(pub)
			return
		}
	}
}

func (b *Bridge) flush(pub publisher) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case e, ok := <-b.events:
			if !ok {
				return
			}
			b.handle(ctx, pub, e)
			n++
		default:
			if n > 0 {
				b.logger.Debug("mqtt flushed buffered events", "events", n)
			}
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, pub publisher, e events.Event) {
	switch e.Kind {
	case events.KindLLMResponse:
		b.tokens.OnModelCall(e.Source, intValue(e.Data["tokens_in"]), intValue(e.Data["tokens_out"]))
	case events.KindRunComplete:
		b.tokens.OnRunComplete(e.Source)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := b.eventTopic(e)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}

	if e.Kind == events.KindRunComplete {
		b.publishTokens(ctx, pub)
	}
}

func (b *Bridge) publishTokens(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(b.tokens.Snapshot())
	if err != nil {
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.tokensTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt token state publish failed", "error", err)
	}
}

func (b *Bridge) publishStatus(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt status published", "status", status)
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
