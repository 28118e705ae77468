// Package mqttbridge forwards traffic received by a device to an MQTT broker.
package mqttbridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/goneo"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	QueueSize   int
}

// Source is a device the bridge can subscribe to.
type Source interface {
	Serial() string
	AddMessageCallback(goneo.MessageCallback) int
	RemoveMessageCallback(int) bool
}

// publisher is the part of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type outgoing struct {
	topic   string
	payload []byte
}

type Bridge struct {
	cfg    Config
	client mqtt.Client
	pub    publisher

	queue   chan outgoing
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.Mutex
	subs    map[Source]int
	dropped atomic.Uint64
	sent    atomic.Uint64
	// set while the queue is full, cleared once it drains
	overflowing atomic.Bool
}

func New(cfg Config) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "goneo"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("goneo-%d", time.Now().UnixNano())
	}
	return &Bridge{
		cfg:   cfg,
		queue: make(chan outgoing, cfg.QueueSize),
		stop:  make(chan struct{}),
		subs:  make(map[Source]int),
	}
}

// Connect dials the broker.
func (b *Bridge) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", b.cfg.Broker).Msg("mqtt connected")
	}

	b.client = mqtt.NewClient(opts)
	tk := b.client.Connect()
	select {
	case <-tk.Done():
		if err := tk.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	b.pub = b.client
	return nil
}

// Attach subscribes to messages from src matching filter.
func (b *Bridge) Attach(src Source, filter goneo.MessageFilter) {
	serial := src.Serial()
	id := src.AddMessageCallback(goneo.NewMessageCallback(func(msg goneo.Message) {
		b.enqueue(serial, msg)
	}, filter))
	b.mu.Lock()
	b.subs[src] = id
	b.mu.Unlock()
}

func (b *Bridge) Detach(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.subs[src]; ok {
		src.RemoveMessageCallback(id)
		delete(b.subs, src)
	}
}

func (b *Bridge) enqueue(serial string, msg goneo.Message) {
	payload, err := Encode(msg)
	if err != nil {
		return
	}
	select {
	case b.queue <- outgoing{topic: Topic(b.cfg.TopicPrefix, serial, msg), payload: payload}:
	default:
		b.dropped.Add(1)
		if b.overflowing.CompareAndSwap(false, true) {
			goneo.ReportEvent(goneo.Event{Type: goneo.EventTypeWarning, Device: serial, Details: "mqtt bridge queue full, dropping messages"})
		}
	}
}

// Start publishes queued messages until ctx is done or the bridge is closed.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
}

func (b *Bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case out := <-b.queue:
			b.publish(out)
		}
	}
}

func (b *Bridge) publish(out outgoing) {
	if len(b.queue) == 0 {
		b.overflowing.Store(false)
	}
	if b.pub == nil {
		b.dropped.Add(1)
		return
	}
	tk := b.pub.Publish(out.topic, b.cfg.QoS, false, out.payload)
	if b.cfg.QoS > 0 {
		tk.WaitTimeout(5 * time.Second)
		if err := tk.Error(); err != nil {
			log.Error().Err(err).Str("topic", out.topic).Msg("mqtt publish failed")
			return
		}
	}
	b.sent.Add(1)
}

// Dropped returns the number of messages that could not be queued or published.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

func (b *Bridge) Sent() uint64 { return b.sent.Load() }

func (b *Bridge) Close() {
	b.mu.Lock()
	for src, id := range b.subs {
		src.RemoveMessageCallback(id)
		delete(b.subs, src)
	}
	b.mu.Unlock()
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(500)
	}
}

// Topic is <prefix>/<serial>/<network>, CAN messages get the arbitration id appended.
func Topic(prefix, serial string, msg goneo.Message) string {
	network := strings.ToLower(strings.NewReplacer(" ", "", "(", "", ")", "").Replace(msg.Network().String()))
	topic := prefix + "/" + serial + "/" + network
	if m, ok := msg.(*goneo.CANMessage); ok {
		topic += fmt.Sprintf("/%03x", m.ArbID)
	}
	return topic
}

type payload struct {
	Network     string `json:"network"`
	Type        string `json:"type"`
	Timestamp   uint64 `json:"timestamp"`
	ArbID       uint32 `json:"arbid,omitempty"`
	Extended    bool   `json:"extended,omitempty"`
	FD          bool   `json:"fd,omitempty"`
	BRS         bool   `json:"brs,omitempty"`
	Transmitted bool   `json:"transmitted,omitempty"`
	Source      string `json:"src,omitempty"`
	Destination string `json:"dst,omitempty"`
	Data        string `json:"data"`
}

// Encode renders msg as JSON with the payload hex encoded.
func Encode(msg goneo.Message) ([]byte, error) {
	p := payload{
		Network:   msg.Network().String(),
		Type:      msg.Network().Type().String(),
		Timestamp: msg.Timestamp(),
		Data:      hex.EncodeToString(msg.Payload()),
	}
	switch m := msg.(type) {
	case *goneo.CANMessage:
		p.ArbID = m.ArbID
		p.Extended = m.Extended
		p.FD = m.FD
		p.BRS = m.BRS
		p.Transmitted = m.Transmitted
	case *goneo.EthernetMessage:
		p.Source = m.SourceMAC().String()
		p.Destination = m.DestinationMAC().String()
		p.Transmitted = m.Transmitted
	}
	return json.Marshal(p)
}
