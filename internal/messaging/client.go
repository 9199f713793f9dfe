// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package messaging implements the agent's broker connection. One
// Client exists per process: the messaging worker constructs it and
// every other worker receives the same handle through the dependency
// engine, so a single TCP connection carries all publishes and
// subscriptions.
//
// The client owns its reconnect policy. Paho's auto-reconnect stays
// off; on connection loss the client backs off exponentially up to a
// cap, then replays the subscription registry and drains any queued
// publishes in order.
package messaging

import (
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/iotistic/agent/core/events"
)

const (
	// ErrNotConnected is returned by Publish while the broker is
	// unreachable and the caller did not ask for queueing.
	ErrNotConnected = errors.ConstError("not connected to broker")

	// ErrQueueFull is returned when an offline publish would exceed
	// the queue limit.
	ErrQueueFull = errors.ConstError("offline publish queue full")
)

// DefaultQueueLimit bounds the offline publish queue.
const DefaultQueueLimit = 1000

const (
	defaultCallTimeout  = 10 * time.Second
	defaultMinReconnect = time.Second
	defaultMaxReconnect = 2 * time.Minute
	backoffFactor       = 1.6
	keepAlive           = 30 * time.Second

	// disconnectLinger is how long a graceful disconnect waits for
	// in-flight work, in milliseconds as paho counts it.
	disconnectLinger = 250
)

// Status describes the broker connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Handler receives every message whose topic matches the pattern it
// was registered under. Handlers run on the dispatch goroutine and
// must not block; copy into your own channel if you need to.
type Handler func(topic string, payload []byte)

// PublishOption alters a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos            byte
	retain         bool
	queueIfOffline bool
}

// WithQoS overrides the configured default QoS for this publish.
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) { o.qos = qos }
}

// WithRetain marks the message as retained on the broker.
func WithRetain() PublishOption {
	return func(o *publishOptions) { o.retain = true }
}

// QueueIfOffline queues this publish while disconnected instead of
// failing with ErrNotConnected. Queued messages are sent in order on
// reconnect.
func QueueIfOffline() PublishOption {
	return func(o *publishOptions) { o.queueIfOffline = true }
}

// Fabric is the messaging surface the rest of the agent sees.
type Fabric interface {
	Publish(topic string, payload []byte, opts ...PublishOption) error
	Subscribe(pattern string, qos byte, handler Handler) error
	Unsubscribe(pattern string) error
	Status() Status
}

// Transport is the slice of the paho client the fabric drives.
// mqtt.NewClient's result satisfies it; tests substitute their own.
type Transport interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Hub receives connection state transitions.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Config holds everything a Client needs.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// DefaultQoS applies to publishes that carry no WithQoS option.
	DefaultQoS byte

	// QueueLimit bounds the offline publish queue; DefaultQueueLimit
	// when zero.
	QueueLimit int

	// MinReconnectDelay and MaxReconnectDelay bound the backoff
	// between reconnect attempts.
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// CallTimeout bounds waits on transport acknowledgements.
	CallTimeout time.Duration

	Clock  clock.Clock
	Logger Logger

	// Hub, when set, receives events.CloudConnectionChanged on
	// connect and disconnect.
	Hub Hub

	// NewTransport is substituted in tests.
	NewTransport func(*mqtt.ClientOptions) Transport
}

// Validate ensures the required fields are set.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.NotValidf("missing BrokerURL")
	}
	if c.ClientID == "" {
		return errors.NotValidf("missing ClientID")
	}
	if c.DefaultQoS > 2 {
		return errors.NotValidf("qos %d", c.DefaultQoS)
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Client is the process-wide broker connection. It is a worker: the
// messaging worker's manifold owns its lifetime, and killing it closes
// the connection with a short linger.
type Client struct {
	catacomb catacomb.Catacomb
	config   Config

	transport Transport
	incoming  chan inbound
	connLost  chan error

	mu     sync.Mutex
	status Status
	subs   map[string]*subscription
	queue  []queuedMessage
}

var _ worker.Worker = (*Client)(nil)
var _ Fabric = (*Client)(nil)

type subscription struct {
	qos      byte
	handlers []Handler
}

type queuedMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type inbound struct {
	topic   string
	payload []byte
}

// NewClient connects to the broker and keeps the connection alive
// until killed. Construction succeeds even when the broker is down;
// the first connect follows the same backoff as any reconnect.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.QueueLimit <= 0 {
		config.QueueLimit = DefaultQueueLimit
	}
	if config.MinReconnectDelay <= 0 {
		config.MinReconnectDelay = defaultMinReconnect
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaultMaxReconnect
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.NewTransport == nil {
		config.NewTransport = newPahoTransport
	}

	c := &Client{
		config:   config,
		incoming: make(chan inbound, 256),
		connLost: make(chan error, 1),
		status:   StatusConnecting,
		subs:     make(map[string]*subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(config.CallTimeout).
		SetDefaultPublishHandler(c.route).
		SetConnectionLostHandler(c.connectionLost)
	c.transport = config.NewTransport(opts)

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

func newPahoTransport(opts *mqtt.ClientOptions) Transport {
	return mqtt.NewClient(opts)
}

// Kill is part of worker.Worker.
func (c *Client) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of worker.Worker.
func (c *Client) Wait() error {
	return c.catacomb.Wait()
}

// Report is shown in the dependency engine report.
func (c *Client) Report() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := map[string]interface{}{
		"broker": c.config.BrokerURL,
		"status": string(c.status),
		"queued": len(c.queue),
	}
	if len(c.subs) > 0 {
		patterns := make([]string, 0, len(c.subs))
		for pattern := range c.subs {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		report["subscriptions"] = patterns
	}
	return report
}

// Status is part of Fabric.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Publish is part of Fabric. While disconnected it queues or fails
// depending on the QueueIfOffline option.
func (c *Client) Publish(topic string, payload []byte, opts ...PublishOption) error {
	options := publishOptions{qos: c.config.DefaultQoS}
	for _, opt := range opts {
		opt(&options)
	}
	if options.qos > 2 {
		return errors.NotValidf("qos %d", options.qos)
	}

	c.mu.Lock()
	if c.status != StatusConnected {
		defer c.mu.Unlock()
		if !options.queueIfOffline {
			return ErrNotConnected
		}
		if len(c.queue) >= c.config.QueueLimit {
			return ErrQueueFull
		}
		c.queue = append(c.queue, queuedMessage{
			topic:   topic,
			payload: payload,
			qos:     options.qos,
			retain:  options.retain,
		})
		return nil
	}
	c.mu.Unlock()

	token := c.transport.Publish(topic, options.qos, options.retain, payload)
	if !token.WaitTimeout(c.config.CallTimeout) {
		return errors.Timeoutf("publishing to %q", topic)
	}
	return errors.Trace(token.Error())
}

// Subscribe is part of Fabric. Handlers for the same pattern share a
// single broker subscription; while disconnected the registration is
// kept and subscribed on reconnect.
func (c *Client) Subscribe(pattern string, qos byte, handler Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return errors.Trace(err)
	}
	if qos > 2 {
		return errors.NotValidf("qos %d", qos)
	}
	if handler == nil {
		return errors.NotValidf("nil handler")
	}

	c.mu.Lock()
	sub, known := c.subs[pattern]
	if !known {
		sub = &subscription{qos: qos}
		c.subs[pattern] = sub
	}
	sub.handlers = append(sub.handlers, handler)
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !known && connected {
		if err := c.brokerSubscribe(pattern, qos); err != nil {
			// The registry keeps the pattern, so the next reconnect
			// picks it up.
			c.config.Logger.Warningf("subscribe %q failed, retrying on reconnect: %v", pattern, err)
		}
	}
	return nil
}

// Unsubscribe is part of Fabric. It removes every handler registered
// under the pattern.
func (c *Client) Unsubscribe(pattern string) error {
	c.mu.Lock()
	_, known := c.subs[pattern]
	delete(c.subs, pattern)
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !known || !connected {
		return nil
	}
	token := c.transport.Unsubscribe(pattern)
	if !token.WaitTimeout(c.config.CallTimeout) {
		return errors.Timeoutf("unsubscribing from %q", pattern)
	}
	return errors.Trace(token.Error())
}

// route runs on paho's reader goroutine; it hands the message to the
// dispatch loop so handler ordering follows transport ordering.
func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.incoming <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	case <-c.catacomb.Dying():
	}
}

func (c *Client) connectionLost(_ mqtt.Client, err error) {
	select {
	case c.connLost <- err:
	default:
	}
}

func (c *Client) loop() error {
	defer c.transport.Disconnect(disconnectLinger)

	if err := c.connect(); err != nil {
		return errors.Trace(err)
	}
	for {
		select {
		case <-c.catacomb.Dying():
			c.setStatus(StatusDisconnected)
			return c.catacomb.ErrDying()
		case err := <-c.connLost:
			c.config.Logger.Warningf("connection to %q lost: %v", c.config.BrokerURL, err)
			c.setStatus(StatusReconnecting)
			if err := c.connect(); err != nil {
				return errors.Trace(err)
			}
		case msg := <-c.incoming:
			c.dispatch(msg.topic, msg.payload)
		}
	}
}

// connect retries until the broker accepts us or the client is killed.
func (c *Client) connect() error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			token := c.transport.Connect()
			if !token.WaitTimeout(c.config.CallTimeout) {
				return errors.Timeoutf("connecting to %q", c.config.BrokerURL)
			}
			return errors.Trace(token.Error())
		},
		NotifyFunc: func(err error, attempt int) {
			c.config.Logger.Debugf("connect attempt %d to %q: %v", attempt, c.config.BrokerURL, err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.config.MinReconnectDelay,
		MaxDelay:    c.config.MaxReconnectDelay,
		BackoffFunc: retry.ExpBackoff(c.config.MinReconnectDelay, c.config.MaxReconnectDelay, backoffFactor, true),
		Clock:       c.config.Clock,
		Stop:        c.catacomb.Dying(),
	})
	if err != nil {
		if retry.IsRetryStopped(err) {
			return c.catacomb.ErrDying()
		}
		return errors.Trace(err)
	}

	c.resubscribe()
	c.setStatus(StatusConnected)
	c.drainQueue()
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	patterns := make(map[string]byte, len(c.subs))
	for pattern, sub := range c.subs {
		patterns[pattern] = sub.qos
	}
	c.mu.Unlock()

	for pattern, qos := range patterns {
		if err := c.brokerSubscribe(pattern, qos); err != nil {
			c.config.Logger.Errorf("cannot resubscribe %q: %v", pattern, err)
		}
	}
}

func (c *Client) brokerSubscribe(pattern string, qos byte) error {
	// The callback stays nil so every delivery goes through the
	// default handler and our own matcher decides the fan-out.
	token := c.transport.Subscribe(pattern, qos, nil)
	if !token.WaitTimeout(c.config.CallTimeout) {
		return errors.Timeoutf("subscribing to %q", pattern)
	}
	return errors.Trace(token.Error())
}

// drainQueue sends queued publishes in FIFO order. On failure the
// unsent tail goes back to the front of the queue.
func (c *Client) drainQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, msg := range pending {
		token := c.transport.Publish(msg.topic, msg.qos, msg.retain, msg.payload)
		if !token.WaitTimeout(c.config.CallTimeout) || token.Error() != nil {
			c.mu.Lock()
			remaining := make([]queuedMessage, 0, len(pending)-i+len(c.queue))
			remaining = append(remaining, pending[i:]...)
			remaining = append(remaining, c.queue...)
			c.queue = remaining
			c.mu.Unlock()
			c.config.Logger.Warningf("draining stopped at %q, %d message(s) kept", msg.topic, len(pending)-i)
			return
		}
	}
	if len(pending) > 0 {
		c.config.Logger.Infof("drained %d queued message(s)", len(pending))
	}
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	var handlers []Handler
	for pattern, sub := range c.subs {
		if MatchTopic(pattern, topic) {
			handlers = append(handlers, sub.handlers...)
		}
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.config.Logger.Debugf("no handler for message on %q", topic)
		return
	}
	for _, handle := range handlers {
		handle(topic, payload)
	}
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	previous := c.status
	c.status = status
	c.mu.Unlock()
	if previous == status {
		return
	}
	c.config.Logger.Infof("broker connection %s", status)

	wasUp := previous == StatusConnected
	isUp := status == StatusConnected
	if c.config.Hub != nil && wasUp != isUp {
		_ = c.config.Hub.Publish(events.CloudConnectionChanged, events.CloudConnectionPayload{
			Connected: isUp,
		})
	}
}
