package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
)

// MQTTConfig configures the broker-backed remote.
type MQTTConfig struct {
	Broker         string        // host:port
	ClientID       string        //
	RecordsTopic   string        // base topic; kind is appended
	QoS            byte          // delivery guarantee for record uploads
	ConnectTimeout time.Duration //
	AckTimeout     time.Duration // wait for broker acknowledgement
}

// Validate fills defaults and rejects unusable values.
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker address is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("mqtt client id is required")
	}
	if c.RecordsTopic == "" {
		c.RecordsTopic = "wellness/records"
	}
	if c.QoS == 0 {
		c.QoS = 1 // at-least-once; the receiver deduplicates by record id
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	return nil
}

// wirePacket is the on-the-wire form of one record. The envelope is the
// sealed ciphertext; the receiver needs the key material to read it.
type wirePacket struct {
	RecordID  string    `msgpack:"record_id"`
	UserID    string    `msgpack:"user_id"`
	Kind      string    `msgpack:"kind"`
	CreatedAt time.Time `msgpack:"created_at"`
	Envelope  []byte    `msgpack:"envelope"`
}

// MQTTRemote uploads sealed records over an MQTT broker.
type MQTTRemote struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	uploaded  uint64
	errors    uint64
}

// NewMQTTRemote creates a remote with validated config.
func NewMQTTRemote(cfg MQTTConfig) (*MQTTRemote, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MQTTRemote{cfg: cfg}, nil
}

// Connect establishes the broker connection with auto-reconnect.
func (r *MQTTRemote) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", r.cfg.Broker))
	opts.SetClientID(r.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		r.mu.Lock()
		r.connected = true
		r.mu.Unlock()
		slog.Info("sync broker connected", "broker", r.cfg.Broker, "client_id", r.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()
		slog.Warn("sync broker connection lost, will auto-reconnect",
			"error", err, "broker", r.cfg.Broker)
	}

	r.client = mqtt.NewClient(opts)

	slog.Info("connecting to sync broker", "broker", r.cfg.Broker)
	token := r.client.Connect()
	if !token.WaitTimeout(r.cfg.ConnectTimeout) {
		return fmt.Errorf("sync broker connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sync broker connection failed: %w", err)
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Client exposes the underlying broker client so the control plane can
// subscribe over the same connection.
func (r *MQTTRemote) Client() mqtt.Client {
	return r.client
}

// Probe reports broker reachability without sending anything.
func (r *MQTTRemote) Probe(ctx context.Context) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected || r.client == nil || !r.client.IsConnectionOpen() {
		return fmt.Errorf("sync broker not connected")
	}
	return nil
}

// Upload publishes one record and waits for the broker acknowledgement.
func (r *MQTTRemote) Upload(ctx context.Context, rec privacy.SyncRecord) error {
	payload, err := msgpack.Marshal(wirePacket{
		RecordID:  rec.RecordID,
		UserID:    rec.UserID,
		Kind:      string(rec.Kind),
		CreatedAt: rec.CreatedAt,
		Envelope:  rec.Envelope,
	})
	if err != nil {
		return fmt.Errorf("encode sync packet: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", r.cfg.RecordsTopic, rec.Kind)
	token := r.client.Publish(topic, r.cfg.QoS, false, payload)
	if !token.WaitTimeout(r.cfg.AckTimeout) {
		r.countError()
		return fmt.Errorf("upload timeout for record %q", rec.RecordID)
	}
	if err := token.Error(); err != nil {
		r.countError()
		return fmt.Errorf("upload failed for record %q: %w", rec.RecordID, err)
	}

	r.mu.Lock()
	r.uploaded++
	r.mu.Unlock()
	slog.Debug("record uploaded", "topic", topic, "record_id", rec.RecordID, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (r *MQTTRemote) Disconnect() {
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
		slog.Info("sync broker disconnected")
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// RemoteStats contains remote upload counters.
type RemoteStats struct {
	Connected bool
	Uploaded  uint64
	Errors    uint64
}

// Stats returns a snapshot of remote counters.
func (r *MQTTRemote) Stats() RemoteStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RemoteStats{Connected: r.connected, Uploaded: r.uploaded, Errors: r.errors}
}

func (r *MQTTRemote) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}
