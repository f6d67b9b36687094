package mqttbus

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type ClientConfig struct {
	Broker         string
	Port           int
	Username       string
	Password       string
	Keepalive      time.Duration
	ReconnectDelay time.Duration
}

// Client is a thin wrapper over the paho client: connect once with paho's
// automatic reconnect, synchronous publish and subscribe with error
// propagation. The session is clean and subscriptions are not re-issued
// after a reconnect.
type Client struct {
	client mqtt.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	clientID := fmt.Sprintf("cloud-service-%s", uuid.New().String()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(cfg.Keepalive)
	opts.SetMaxReconnectInterval(cfg.ReconnectDelay)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[MQTT] Connected to %s", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[ERROR] MQTT connection lost: %v", err)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &Client{client: cli}, nil
}

// Publish blocks until the broker acknowledges the message or the token
// fails.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return waitToken(c.client.Publish(topic, qos, retained, payload))
}

// Subscribe registers handler for topic, hiding the paho callback signature
// from callers.
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	wrapped := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	return waitToken(c.client.Subscribe(topic, qos, wrapped))
}

func (c *Client) Close() {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	c.client.Disconnect(250)
}

func waitToken(t mqtt.Token) error {
	t.Wait()
	return t.Error()
}
