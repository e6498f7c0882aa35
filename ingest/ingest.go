// Package ingest bridges pillbox firmware telemetry from MQTT into the
// document store.
//
// Devices publish to "<prefix>/<deviceId>/reading" and
// "<prefix>/<deviceId>/event".  Readings overwrite the device's latest
// reading; events are appended to its event log.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

var (
	ErrBadTopic      = errors.New("topic is not a pillbox telemetry topic")
	ErrBadPayload    = errors.New("malformed telemetry payload")
	ErrUnknownDevice = errors.New("telemetry for a device that is not linked")
)

// Config describes the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

type readingPayload struct {
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	Weight   *float64 `json:"weight"`
}

type eventPayload struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bridge writes telemetry messages to the store.
type Bridge struct {
	store  docstore.Store
	prefix string

	now func() time.Time
}

func NewBridge(store docstore.Store, topicPrefix string) *Bridge {
	return &Bridge{
		store:  store,
		prefix: strings.Trim(topicPrefix, "/"),
		now:    time.Now,
	}
}

// Topics returns the subscriptions the bridge needs.
func (b *Bridge) Topics() []string {
	return []string{
		b.prefix + "/+/reading",
		b.prefix + "/+/event",
	}
}

// HandleMessage stores one telemetry message.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	deviceID, kind := parts[0], parts[1]

	switch kind {
	case "reading":
		return b.handleReading(ctx, deviceID, payload)
	case "event":
		return b.handleEvent(ctx, deviceID, payload)
	default:
		return fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
}

func (b *Bridge) checkDevice(ctx context.Context, deviceID string) error {
	_, err := b.store.Get(ctx, dbtypes.DevicesCollection, deviceID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return fmt.Errorf("while looking up device %s: %w", deviceID, err)
	}
	return nil
}

func (b *Bridge) handleReading(ctx context.Context, deviceID string, payload []byte) error {
	p := readingPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Temp == nil || p.Humidity == nil || p.Weight == nil {
		return fmt.Errorf("%w: reading needs temp, humidity and weight", ErrBadPayload)
	}

	if err := b.checkDevice(ctx, deviceID); err != nil {
		return err
	}

	reading := &dbtypes.Reading{
		Temp:        *p.Temp,
		Humidity:    *p.Humidity,
		Weight:      *p.Weight,
		LastUpdated: b.now(),
	}
	if err := b.store.Set(ctx, dbtypes.ReadingsCollection, deviceID, reading); err != nil {
		return fmt.Errorf("while storing reading of device %s: %w", deviceID, err)
	}
	return nil
}

func (b *Bridge) handleEvent(ctx context.Context, deviceID string, payload []byte) error {
	p := eventPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: event needs a type", ErrBadPayload)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}

	if err := b.checkDevice(ctx, deviceID); err != nil {
		return err
	}

	entry := &dbtypes.EventLog{
		Type:        p.Type,
		Description: p.Description,
		Timestamp:   p.Timestamp,
	}
	if _, err := b.store.Add(ctx, dbtypes.EventLogsCollection(deviceID), entry); err != nil {
		return fmt.Errorf("while appending event of device %s: %w", deviceID, err)
	}
	return nil
}

// Run connects to the broker and stores telemetry until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, cfg Config) error {
	onMessage := func(_ mqtt.Client, m mqtt.Message) {
		if err := b.HandleMessage(ctx, m.Topic(), m.Payload()); err != nil {
			glog.Warningf("Dropping message on %s: %v", m.Topic(), err)
			return
		}
		glog.V(2).Infof("Stored message on %s", m.Topic())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		glog.Errorf("MQTT connection lost: %v", err)
	}
	opts.OnConnect = func(c mqtt.Client) {
		filters := map[string]byte{}
		for _, topic := range b.Topics() {
			filters[topic] = 1
		}
		glog.Infof("MQTT connected, subscribing to %v", b.Topics())
		if token := c.SubscribeMultiple(filters, onMessage); token.Wait() && token.Error() != nil {
			glog.Errorf("Failed to subscribe to telemetry topics: %v", token.Error())
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("while connecting to MQTT broker %s: %w", cfg.BrokerURL, token.Error())
	}
	defer client.Disconnect(500)

	<-ctx.Done()
	return nil
}
