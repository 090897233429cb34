// Package mqtt publishes status events and accepted positions to an MQTT
// broker, for home-automation style consumers. It is optional and disabled
// by default.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
	Retain      bool   `json:"retain"`
}

// DefaultConfig returns default MQTT configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "uloggerd",
		TopicPrefix: "ulogger",
		QoS:         1,
		Enabled:     false,
	}
}

// Client wraps the paho client for the daemon's publish-only needs.
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config
}

// NewClient creates an MQTT publisher.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker connection. A disabled client is a no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.logger.Warn("mqtt_connection_lost", "error", err)
	})

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt_connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt_disconnected")
	}
}

// PublishEvent sends a status event to <prefix>/<client>/events.
func (c *Client) PublishEvent(ev pkg.Event) {
	c.publish("events", ev)
}

// PublishPosition sends an accepted position to <prefix>/<client>/position.
func (c *Client) PublishPosition(p pkg.Position) {
	c.publish("position", p)
}

func (c *Client) publish(suffix string, payload interface{}) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("mqtt_marshal_failed", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", c.config.TopicPrefix, c.config.ClientID, suffix)
	token := c.client.Publish(topic, c.config.QoS, c.config.Retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			c.logger.Warn("mqtt_publish_failed", "topic", topic, "error", token.Error())
		}
	}()
}
