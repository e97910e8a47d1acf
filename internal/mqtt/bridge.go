// Package mqtt republishes gateway connection state and heartbeat
// outcomes to an MQTT broker for external monitoring. Purely a
// diagnostic consumer of the event bus; the command and rotation paths
// never depend on it.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"gatehub/internal/events"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the hub's event bus to MQTT.
type Bridge struct {
	client pahomqtt.Client
	bus    *events.Bus
	prefix string
	logger *slog.Logger

	sub  *events.Subscription
	done chan struct{}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:    bus,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		done:   make(chan struct{}),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("gatehub").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(cfg.TopicPrefix+"/bridge/state", []byte("online"), true)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to the event bus and begins republishing.
func (b *Bridge) Start() {
	b.sub = b.bus.Subscribe("")
	go b.run()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	close(b.done)
	if b.sub != nil {
		b.sub.Close()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) run() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.sub.Events():
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindConnectionOpened:
		b.publishState(ev.Facility, "connected", ev.TS)
	case events.KindConnectionClosed:
		b.publishState(ev.Facility, "disconnected", ev.TS)
	case events.KindPongReceived, events.KindHeartbeatTimeout:
		b.publishHeartbeat(ev)
	}
}

func (b *Bridge) publishState(facility, state string, ts time.Time) {
	payload := mustJSON(map[string]any{
		"state":      state,
		"changed_at": ts.Format(time.RFC3339),
	})
	b.publish(b.prefix+"/"+facility+"/state", payload, true)
}

func (b *Bridge) publishHeartbeat(ev events.Event) {
	payload := mustJSON(map[string]any{
		"kind":   ev.Kind,
		"ts":     ev.TS.Format(time.RFC3339),
		"detail": ev.Detail,
	})
	b.publish(b.prefix+"/"+ev.Facility+"/heartbeat", payload, false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
