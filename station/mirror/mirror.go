// Package mirror republishes station events to MQTT and accepts operator
// commands from it.
package mirror

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPrefix         = "dronelink"
	DefaultNetworkTimeout = 5 * time.Second
	reconnectDelay        = time.Second
)

type Sender interface {
	Send(context.Context, *packet.Packet) error
}

type Options struct {
	Log            *log2.Log
	Broker         string // tcp://host:1883, ssl://host:8883
	Prefix         string
	ClientID       string
	Username       string
	Password       string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	Debug          bool   // route paho debug output to Log
	Commands       Sender // nil disables command topic

	// NewClient replaces mqtt.NewClient in tests.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

type Stat struct {
	Published     expvar.Int
	PublishErrors expvar.Int
	Commands      expvar.Int
	CommandErrors expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("published=%d publish_errors=%d commands=%d command_errors=%d",
		s.Published.Value(), s.PublishErrors.Value(), s.Commands.Value(), s.CommandErrors.Value())
}

// CommandResult is published to <prefix>/cmd/result for every command line.
type CommandResult struct {
	Line  string `json:"line"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// linkState is retained on <prefix>/link, also set as will.
type linkState struct {
	Connected bool      `json:"connected"`
	Session   string    `json:"session,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Mirror is station.EventSink. Publishing never waits for broker.
type Mirror struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	m     mqtt.Client
	mopt  *mqtt.ClientOptions
	stat  Stat

	topicCore     string
	topicExtended string
	topicText     string
	topicAck      string
	topicLink     string
	topicCommand  string
	topicResult   string
}

var _ station.EventSink = (*Mirror)(nil)

var setLogOnce sync.Once

func New(opt Options) (*Mirror, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mirror broker empty")
	}
	if opt.Prefix == "" {
		opt.Prefix = DefaultPrefix
	}
	opt.Prefix = strings.TrimSuffix(opt.Prefix, "/")
	if opt.ClientID == "" {
		opt.ClientID = opt.Prefix + "-station"
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.NewClient == nil {
		opt.NewClient = mqtt.NewClient
	}
	self := &Mirror{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,

		topicCore:     opt.Prefix + "/core",
		topicExtended: opt.Prefix + "/extended",
		topicText:     opt.Prefix + "/text",
		topicAck:      opt.Prefix + "/ack",
		topicLink:     opt.Prefix + "/link",
		topicCommand:  opt.Prefix + "/cmd",
		topicResult:   opt.Prefix + "/cmd/result",
	}

	// paho loggers are process global
	setLogOnce.Do(func() {
		mqttLog := opt.Log.Clone(log2.LDebug).With("mqtt:")
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if opt.Debug {
			mqtt.DEBUG = mqttLog
		}
	})

	will, _ := json.Marshal(linkState{})
	connectTimeout := opt.NetworkTimeout * 3
	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetBinaryWill(self.topicLink, will, 1, true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(self.onConnectionLost).
		SetDefaultPublishHandler(self.unexpected).
		SetKeepAlive(opt.NetworkTimeout * 2).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetOrderMatters(false).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		self.mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	if opt.TLS != nil {
		self.mopt.SetTLSConfig(opt.TLS)
	}
	self.m = opt.NewClient(self.mopt)
	return self, nil
}

func (self *Mirror) Stat() *Stat { return &self.stat }

// Start connects in background until success or Close.
func (self *Mirror) Start() {
	if !self.alive.Add(1) {
		return
	}
	go self.online()
}

func (self *Mirror) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond))
	}
	self.log.Debugf("mirror: closed stat %s", self.stat.String())
	return nil
}

func (self *Mirror) OnEvent(e station.Event) {
	var topic string
	var payload interface{}
	var qos byte
	retain := false
	switch e.Kind {
	case station.EventCore:
		topic, payload, retain = self.topicCore, e.Core, true
	case station.EventExtended:
		topic, payload, retain = self.topicExtended, e.Extended, true
	case station.EventText:
		topic, payload, qos = self.topicText, e, 1
	case station.EventAck:
		topic, payload, qos = self.topicAck, e, 1
	case station.EventSession, station.EventSessionEnd:
		topic, qos, retain = self.topicLink, 1, true
		payload = linkState{
			Connected: e.Kind == station.EventSession,
			Session:   e.Session,
			Remote:    e.Remote,
			Error:     e.Error,
			At:        e.At,
		}
	default:
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		self.stat.PublishErrors.Add(1)
		self.log.Errorf("mirror: %s json err=%v", e, err)
		return
	}
	self.publish(topic, qos, retain, b)
}

func (self *Mirror) publish(topic string, qos byte, retain bool, b []byte) {
	if !self.m.IsConnectionOpen() {
		self.stat.PublishErrors.Add(1)
		return
	}
	t := self.m.Publish(topic, qos, retain, b)
	self.stat.Published.Add(1)
	if qos > 0 && self.alive.Add(1) {
		go func() {
			defer self.alive.Done()
			if self.tokenWait(t, "publish "+topic) != nil {
				self.stat.PublishErrors.Add(1)
			}
		}()
	}
}

func (self *Mirror) online() {
	defer self.alive.Done()
	for self.alive.IsRunning() {
		if self.tokenWait(self.m.Connect(), "connect") == nil {
			self.log.Infof("mirror: connected broker=%s", self.opt.Broker)
			return
		}
		select {
		case <-time.After(reconnectDelay):
		case <-self.alive.StopChan():
		}
	}
}

// subscriptions are lost on reconnect with clean session
func (self *Mirror) onConnect(c mqtt.Client) {
	if self.opt.Commands == nil {
		return
	}
	t := c.Subscribe(self.topicCommand, 1, self.onCommand)
	if self.alive.Add(1) {
		go func() {
			defer self.alive.Done()
			_ = self.tokenWait(t, "subscribe "+self.topicCommand)
		}()
	}
}

func (self *Mirror) onConnectionLost(_ mqtt.Client, err error) {
	self.log.Errorf("mirror: connection lost broker=%s err=%v", self.opt.Broker, err)
}

func (self *Mirror) onCommand(_ mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()
	self.stat.Commands.Add(1)
	line := strings.TrimSpace(string(msg.Payload()))
	result := CommandResult{Line: line, OK: true}
	if err := self.command(line); err != nil {
		self.stat.CommandErrors.Add(1)
		self.log.Errorf("mirror: command=%q err=%v", line, err)
		result.OK, result.Error = false, err.Error()
	}
	b, _ := json.Marshal(result)
	self.publish(self.topicResult, 0, false, b)
}

func (self *Mirror) command(line string) error {
	p, err := station.ParseCommand(line)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), self.opt.NetworkTimeout)
	defer cancel()
	return self.opt.Commands.Send(ctx, p)
}

func (self *Mirror) unexpected(_ mqtt.Client, msg mqtt.Message) {
	self.log.Errorf("mirror: unexpected mqtt message topic=%s", msg.Topic())
}

func (self *Mirror) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.opt.NetworkTimeout * 3) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Errorf("mirror: %v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("mirror: mqtt %v", err)
		return err
	}
	return nil
}
