// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package messaging_test

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/iotistic/agent/core/events"
	"github.com/iotistic/agent/internal/messaging"
	coretesting "github.com/iotistic/agent/internal/testing"
)

type clientSuite struct {
	jujutesting.IsolationSuite

	transport *fakeTransport
	hub       *pubsub.SimpleHub
	connState chan bool
	unsub     func()
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.transport = newFakeTransport()
	s.hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("test.hub"),
	})
	s.connState = make(chan bool, 10)
	s.unsub = s.hub.Subscribe(events.CloudConnectionChanged, func(_ string, data interface{}) {
		payload, ok := data.(events.CloudConnectionPayload)
		if ok {
			s.connState <- payload.Connected
		}
	})
	s.AddCleanup(func(*gc.C) { s.unsub() })
}

func (s *clientSuite) config() messaging.Config {
	return messaging.Config{
		BrokerURL:  "tcp://broker.local:1883",
		ClientID:   "iotistic-test",
		DefaultQoS: 1,
		Clock:      clock.WallClock,
		Logger:     loggo.GetLogger("test.messaging"),
		Hub:        s.hub,
		NewTransport: func(opts *mqtt.ClientOptions) messaging.Transport {
			s.transport.opts = opts
			return s.transport
		},
	}
}

func (s *clientSuite) newClient(c *gc.C) *messaging.Client {
	client, err := messaging.NewClient(s.config())
	c.Assert(err, jc.ErrorIsNil)
	s.waitConnState(c, true)
	c.Assert(client.Status(), gc.Equals, messaging.StatusConnected)
	return client
}

func (s *clientSuite) waitConnState(c *gc.C, want bool) {
	select {
	case got := <-s.connState:
		c.Assert(got, gc.Equals, want)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("no connection state change to %v", want)
	}
}

func (s *clientSuite) TestValidateConfig(c *gc.C) {
	cfg := s.config()
	cfg.BrokerURL = ""
	_, err := messaging.NewClient(cfg)
	c.Assert(err, gc.ErrorMatches, "missing BrokerURL not valid")

	cfg = s.config()
	cfg.ClientID = ""
	_, err = messaging.NewClient(cfg)
	c.Assert(err, gc.ErrorMatches, "missing ClientID not valid")

	cfg = s.config()
	cfg.DefaultQoS = 3
	_, err = messaging.NewClient(cfg)
	c.Assert(err, gc.ErrorMatches, "qos 3 not valid")
}

func (s *clientSuite) TestConnectsOnStartup(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	c.Check(s.transport.connectCount(), gc.Equals, 1)
	opts := s.transport.opts
	c.Check(opts.AutoReconnect, jc.IsFalse)
	c.Check(opts.CleanSession, jc.IsTrue)
	c.Check(opts.ClientID, gc.Equals, "iotistic-test")
}

func (s *clientSuite) TestKillDisconnects(c *gc.C) {
	client := s.newClient(c)
	workertest.CleanKill(c, client)
	s.waitConnState(c, false)
	c.Check(s.transport.disconnectCount(), gc.Equals, 1)
	c.Check(client.Status(), gc.Equals, messaging.StatusDisconnected)
}

func (s *clientSuite) TestConnectRetriesUntilBrokerUp(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	s.transport.queueConnectErr(errors.New("connection refused"))

	cfg := s.config()
	cfg.Clock = clk
	cfg.MinReconnectDelay = time.Second
	cfg.MaxReconnectDelay = 30 * time.Second
	client, err := messaging.NewClient(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, client)

	// First attempt fails and the retry waits on the clock; advancing
	// past the cap releases it whatever the jitter chose.
	c.Assert(clk.WaitAdvance(30*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.waitConnState(c, true)
	c.Check(s.transport.connectCount(), gc.Equals, 2)
}

func (s *clientSuite) TestPublishConnected(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	err := client.Publish("logs/1001/web/info", []byte("hello"))
	c.Assert(err, jc.ErrorIsNil)

	published := s.transport.take(c, 1)
	c.Check(published[0].topic, gc.Equals, "logs/1001/web/info")
	c.Check(string(published[0].payload), gc.Equals, "hello")
	c.Check(published[0].qos, gc.Equals, byte(1))
	c.Check(published[0].retain, jc.IsFalse)
}

func (s *clientSuite) TestPublishOptions(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	err := client.Publish("shadow/device-state/ab/update", []byte("{}"),
		messaging.WithQoS(0), messaging.WithRetain())
	c.Assert(err, jc.ErrorIsNil)

	published := s.transport.take(c, 1)
	c.Check(published[0].qos, gc.Equals, byte(0))
	c.Check(published[0].retain, jc.IsTrue)

	err = client.Publish("t", nil, messaging.WithQoS(7))
	c.Assert(err, gc.ErrorMatches, "qos 7 not valid")
}

func (s *clientSuite) TestPublishDisconnectedFails(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	s.transport.gateReconnects()
	s.transport.opts.OnConnectionLost(nil, errors.New("broken pipe"))
	s.waitConnState(c, false)

	err := client.Publish("t", []byte("x"))
	c.Assert(err, jc.ErrorIs, messaging.ErrNotConnected)
	s.transport.releaseReconnects()
	s.waitConnState(c, true)
}

func (s *clientSuite) TestQueueIfOfflineDrainsInOrder(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	s.transport.gateReconnects()
	s.transport.opts.OnConnectionLost(nil, errors.New("broken pipe"))
	s.waitConnState(c, false)

	for _, payload := range []string{"one", "two", "three"} {
		err := client.Publish("q", []byte(payload), messaging.QueueIfOffline())
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Check(s.transport.publishedCount(), gc.Equals, 0)

	s.transport.releaseReconnects()
	s.waitConnState(c, true)

	published := s.transport.take(c, 3)
	c.Check(string(published[0].payload), gc.Equals, "one")
	c.Check(string(published[1].payload), gc.Equals, "two")
	c.Check(string(published[2].payload), gc.Equals, "three")
}

func (s *clientSuite) TestQueueBounded(c *gc.C) {
	cfg := s.config()
	cfg.QueueLimit = 2
	client, err := messaging.NewClient(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, client)
	s.waitConnState(c, true)

	s.transport.gateReconnects()
	s.transport.opts.OnConnectionLost(nil, errors.New("broken pipe"))
	s.waitConnState(c, false)

	c.Assert(client.Publish("q", []byte("1"), messaging.QueueIfOffline()), jc.ErrorIsNil)
	c.Assert(client.Publish("q", []byte("2"), messaging.QueueIfOffline()), jc.ErrorIsNil)
	err = client.Publish("q", []byte("3"), messaging.QueueIfOffline())
	c.Assert(err, jc.ErrorIs, messaging.ErrQueueFull)

	s.transport.releaseReconnects()
	s.waitConnState(c, true)
}

func (s *clientSuite) TestSubscribeDispatches(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	received := make(chan string, 10)
	err := client.Subscribe("logs/+/web/#", 1, func(topic string, payload []byte) {
		received <- topic + "=" + string(payload)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.transport.subscribedQoS("logs/+/web/#"), gc.Equals, byte(1))

	s.transport.deliver("logs/1001/web/error", "boom")
	s.transport.deliver("logs/1001/db/error", "ignored")
	s.transport.deliver("logs/2002/web/info", "fine")

	c.Check(recv(c, received), gc.Equals, "logs/1001/web/error=boom")
	c.Check(recv(c, received), gc.Equals, "logs/2002/web/info=fine")
	select {
	case got := <-received:
		c.Fatalf("unexpected delivery %q", got)
	case <-time.After(coretesting.ShortWait):
	}
}

func (s *clientSuite) TestSubscribeValidates(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	err := client.Subscribe("a/#/b", 0, func(string, []byte) {})
	c.Assert(err, gc.ErrorMatches, `topic filter "a/#/b": "#" before final level not valid`)
	err = client.Subscribe("a/b", 3, func(string, []byte) {})
	c.Assert(err, gc.ErrorMatches, "qos 3 not valid")
	err = client.Subscribe("a/b", 0, nil)
	c.Assert(err, gc.ErrorMatches, "nil handler not valid")
}

func (s *clientSuite) TestMultipleHandlersAllMatchingReceive(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	first := make(chan string, 10)
	second := make(chan string, 10)
	c.Assert(client.Subscribe("a/+", 0, func(topic string, _ []byte) {
		first <- topic
	}), jc.ErrorIsNil)
	c.Assert(client.Subscribe("a/b", 0, func(topic string, _ []byte) {
		second <- topic
	}), jc.ErrorIsNil)

	s.transport.deliver("a/b", "x")
	c.Check(recv(c, first), gc.Equals, "a/b")
	c.Check(recv(c, second), gc.Equals, "a/b")
}

func (s *clientSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	gone := make(chan string, 10)
	kept := make(chan string, 10)
	c.Assert(client.Subscribe("a/+", 0, func(topic string, _ []byte) {
		gone <- topic
	}), jc.ErrorIsNil)
	c.Assert(client.Subscribe("b/#", 0, func(topic string, _ []byte) {
		kept <- topic
	}), jc.ErrorIsNil)

	c.Assert(client.Unsubscribe("a/+"), jc.ErrorIsNil)
	c.Check(s.transport.unsubscribed(), jc.DeepEquals, []string{"a/+"})

	// The second delivery proves the first was already dispatched to
	// nobody: the loop handles them in order.
	s.transport.deliver("a/x", "dropped")
	s.transport.deliver("b/y", "delivered")
	c.Check(recv(c, kept), gc.Equals, "b/y")
	select {
	case got := <-gone:
		c.Fatalf("handler still registered, got %q", got)
	default:
	}
}

func (s *clientSuite) TestReconnectResubscribes(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	received := make(chan string, 10)
	c.Assert(client.Subscribe("a/+", 1, func(topic string, _ []byte) {
		received <- topic
	}), jc.ErrorIsNil)
	c.Check(s.transport.subscribeCount("a/+"), gc.Equals, 1)

	s.transport.opts.OnConnectionLost(nil, errors.New("broken pipe"))
	s.waitConnState(c, false)
	s.waitConnState(c, true)

	c.Check(s.transport.connectCount(), gc.Equals, 2)
	c.Check(s.transport.subscribeCount("a/+"), gc.Equals, 2)

	s.transport.deliver("a/b", "alive")
	c.Check(recv(c, received), gc.Equals, "a/b")
}

func (s *clientSuite) TestReport(c *gc.C) {
	client := s.newClient(c)
	defer workertest.CleanKill(c, client)

	c.Assert(client.Subscribe("b/#", 0, func(string, []byte) {}), jc.ErrorIsNil)
	c.Assert(client.Subscribe("a/+", 0, func(string, []byte) {}), jc.ErrorIsNil)

	c.Check(client.Report(), jc.DeepEquals, map[string]interface{}{
		"broker":        "tcp://broker.local:1883",
		"status":        "connected",
		"queued":        0,
		"subscriptions": []string{"a/+", "b/#"},
	})
}

func recv(c *gc.C, ch chan string) string {
	select {
	case got := <-ch:
		return got
	case <-time.After(coretesting.LongWait):
		c.Fatalf("nothing delivered")
		return ""
	}
}

// fakeTransport stands in for the paho client. Tests drive inbound
// messages through the captured default publish handler and connection
// loss through the captured handler, exactly as paho would.
type fakeTransport struct {
	mu          sync.Mutex
	opts        *mqtt.ClientOptions
	connectErrs []error
	connects    int
	disconnects int
	published   []fakePublish
	publishedCh chan struct{}
	subscribes  map[string][]byte
	unsubbed    []string
	gate        chan struct{}
}

type fakePublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		publishedCh: make(chan struct{}, 100),
		subscribes:  make(map[string][]byte),
	}
}

func (t *fakeTransport) queueConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErrs = append(t.connectErrs, err)
}

func (t *fakeTransport) gateReconnects() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = make(chan struct{})
}

func (t *fakeTransport) releaseReconnects() {
	t.mu.Lock()
	gate := t.gate
	t.gate = nil
	t.mu.Unlock()
	close(gate)
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *fakeTransport) publishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func (t *fakeTransport) subscribedQoS(pattern string) byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	qos := t.subscribes[pattern]
	if len(qos) == 0 {
		return 0xff
	}
	return qos[len(qos)-1]
}

func (t *fakeTransport) subscribeCount(pattern string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribes[pattern])
}

func (t *fakeTransport) unsubscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unsubbed...)
}

func (t *fakeTransport) take(c *gc.C, n int) []fakePublish {
	for i := 0; i < n; i++ {
		select {
		case <-t.publishedCh:
		case <-time.After(coretesting.LongWait):
			c.Fatalf("only %d of %d publishes arrived", i, n)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Assert(t.published, gc.HasLen, n)
	out := t.published
	t.published = nil
	return out
}

func (t *fakeTransport) deliver(topic, payload string) {
	t.opts.DefaultPublishHandler(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (t *fakeTransport) Connect() mqtt.Token {
	t.mu.Lock()
	var err error
	if len(t.connectErrs) > 0 {
		err, t.connectErrs = t.connectErrs[0], t.connectErrs[1:]
	}
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	return fakeToken{err: err}
}

func (t *fakeTransport) Disconnect(uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
}

func (t *fakeTransport) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	t.mu.Lock()
	t.published = append(t.published, fakePublish{
		topic:   topic,
		payload: payload.([]byte),
		qos:     qos,
		retain:  retained,
	})
	t.mu.Unlock()
	t.publishedCh <- struct{}{}
	return fakeToken{}
}

func (t *fakeTransport) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribes[topic] = append(t.subscribes[topic], qos)
	return fakeToken{}
}

func (t *fakeTransport) Unsubscribe(topics ...string) mqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubbed = append(t.unsubbed, topics...)
	return fakeToken{}
}

func (t *fakeTransport) IsConnected() bool {
	return true
}

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool {
	return true
}

func (t fakeToken) WaitTimeout(time.Duration) bool {
	return true
}

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t fakeToken) Error() error {
	return t.err
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool {
	return false
}

func (m *fakeMessage) Qos() byte {
	return 0
}

func (m *fakeMessage) Retained() bool {
	return false
}

func (m *fakeMessage) Topic() string {
	return m.topic
}

func (m *fakeMessage) MessageID() uint16 {
	return 0
}

func (m *fakeMessage) Payload() []byte {
	return m.payload
}

func (m *fakeMessage) Ack() {
}
