package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/evse-controller/internal/pilot"
)

const (
	bufferCapacity = 256
	publishTimeout = 5 * time.Second
)

// RealClient publishes to a broker, buffers while offline and serves the
// command topic.
type RealClient struct {
	client  paho.Client
	topics  Topics
	handler CommandHandler

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
	everUp    bool
}

// NewRealClient starts connecting in the background. handler may be nil to
// leave the command topic unsubscribed.
func NewRealClient(broker, clientID string, topics Topics, handler CommandHandler) *RealClient {
	c := &RealClient{
		topics:  topics,
		handler: handler,
		buf:     newRingBuffer(bufferCapacity),
	}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(topics.System, string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onLost)

	c.client = paho.NewClient(opts)
	c.client.Connect()
	log.Printf("mqtt: connecting to %s as %s", broker, clientID)
	return c
}

func (c *RealClient) onConnect(cl paho.Client) {
	c.mu.Lock()
	reconnect := c.everUp
	c.connected = true
	c.everUp = true
	pending, dropped := c.buf.drainAll()
	c.mu.Unlock()

	log.Printf("mqtt: connected")
	if c.handler != nil {
		tok := cl.Subscribe(c.topics.Cmd, 1, c.onCommand)
		if tok.WaitTimeout(publishTimeout) && tok.Error() != nil {
			log.Printf("mqtt: subscribe %s: %v", c.topics.Cmd, tok.Error())
		}
	}
	if dropped > 0 {
		log.Printf("mqtt: %d buffered messages were dropped while offline", dropped)
	}
	for _, m := range pending {
		if err := c.send(m); err != nil {
			log.Printf("mqtt: replay %s: %v", m.topic, err)
		}
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		if err := c.send(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1}); err != nil {
			log.Printf("mqtt: reconnected event: %v", err)
		}
	}
}

func (c *RealClient) onLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

func (c *RealClient) onCommand(cl paho.Client, msg paho.Message) {
	reply := c.handler(msg.Payload())
	// no wait: this runs on the client's delivery goroutine
	cl.Publish(c.topics.Reply, 1, false, reply)
}

func (c *RealClient) send(m bufferedMsg) error {
	tok := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return tok.Error()
}

// enqueue publishes now when connected, otherwise buffers.
func (c *RealClient) enqueue(m bufferedMsg) error {
	c.mu.Lock()
	if !c.connected {
		if c.buf.push(m) && c.buf.dropped == 1 {
			log.Printf("mqtt: offline buffer full, dropping oldest")
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		c.mu.Lock()
		c.buf.push(m)
		c.mu.Unlock()
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Publish sends a pilot transition with QoS 0.
func (c *RealClient) Publish(t pilot.Transition) error {
	payload, err := FormatPayload(t)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return c.enqueue(bufferedMsg{topic: c.topics.Events, payload: payload})
}

// PublishSystem sends a lifecycle event with QoS 1.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.enqueue(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker session is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000)
	return nil
}
