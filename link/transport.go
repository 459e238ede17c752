package link

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/dronelink/dronelink/helpers"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

type HandlerFunc func(*packet.Packet)

type Options struct {
	Log *log2.Log
	TLS *tls.Config

	URL              string
	NetworkTimeout   time.Duration
	RetryInterval    time.Duration
	RetryBackoff     float32       // delay multiplier, 1 means fixed interval
	RetryMaxInterval time.Duration // 0 means no limit
	RetryMax         int           // reconnect attempts, 0 means until Disconnect
	ReadLimit        int
	Malformed        packet.Policy
	OutboxPath       string   // empty keeps outbox in memory
	Dialer           DialFunc // nil uses net.Dialer
	OnState          func(State)
}

// Transport owns one stream connection to a fixed remote address:
// connection lifecycle, reconnection, ordered writes, inbound dispatch.
type Transport struct {
	mu      sync.Mutex // protects state, conn, session, connch
	state   State
	conn    *Conn
	session *alive.Alive // one per Connect..Disconnect
	connch  chan struct{} // closed while connected

	alive    *alive.Alive
	backoff  helpers.Backoff
	handlers struct {
		sync.RWMutex
		m map[packet.Type]HandlerFunc
	}
	log    *log2.Log
	notify notifier
	opt    Options
	outbox *outbox
	stat   Stat
}

func New(opt Options) (*Transport, error) {
	if _, _, err := ParseURL(opt.URL); err != nil {
		return nil, errors.Annotate(err, "config error link url")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.RetryInterval == 0 {
		opt.RetryInterval = DefaultRetryInterval
	}
	if opt.RetryBackoff < 1 {
		opt.RetryBackoff = 1
	}
	if opt.RetryMax < 0 {
		return nil, errors.NotValidf("config error link retry_max=%d", opt.RetryMax)
	}
	ob, err := openOutbox(opt.OutboxPath)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		alive: alive.NewAlive(),
		backoff: helpers.Backoff{
			Min: opt.RetryInterval,
			Max: opt.RetryMaxInterval,
			K:   opt.RetryBackoff,
		},
		connch: make(chan struct{}),
		log:    opt.Log,
		opt:    opt,
		outbox: ob,
	}
	t.handlers.m = make(map[packet.Type]HandlerFunc)
	t.notify.signal = make(chan struct{}, 1)

	t.alive.Add(2)
	go t.notifyLoop()
	go t.outboxLoop()
	return t, nil
}

// Handle registers inbound dispatch for packet type.
// Handlers run on the reader goroutine in arrival order, must not block long
// and must not call Close.
func (t *Transport) Handle(typ packet.Type, h HandlerFunc) {
	t.handlers.Lock()
	defer t.handlers.Unlock()
	t.handlers.m[typ] = h
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Stat() *Stat { return &t.stat }

// Pending returns number of critical packets of this run waiting for delivery.
func (t *Transport) Pending() int { return t.outbox.Pending() }
func (t *Transport) URL() string { return t.opt.URL }

// Connect starts connection. Returns Connected on success, Retrying with
// ConnectionError when background reconnect has started.
// Calling Connect while not Disconnected returns current state.
func (t *Transport) Connect(ctx context.Context) (State, error) {
	if !t.alive.IsRunning() {
		return Disconnected, ErrClosing
	}
	t.mu.Lock()
	if t.state != Disconnected {
		s := t.state
		t.mu.Unlock()
		return s, nil
	}
	session := alive.NewAlive()
	t.session = session
	t.setStateLocked(Connecting)
	t.mu.Unlock()

	t.backoff.Reset()
	conn, err := t.dial(ctx, session)
	if err == nil {
		if t.attach(session, conn) {
			return Connected, nil
		}
		_ = conn.Close()
		return t.State(), ErrClosing
	}
	t.stat.ConnectErrors.Add(1)
	cerr := &ConnectionError{URL: t.opt.URL, Err: err}
	t.log.Errorf("link: %v", cerr)
	if !t.startRetry(session) {
		return t.State(), cerr
	}
	return Retrying, cerr
}

// Disconnect moves any state to Disconnected, cancels reconnection and closes
// the stream which unblocks pending read and write. Safe to call many times
// from any goroutine.
func (t *Transport) Disconnect() { t.disconnect() }

func (t *Transport) disconnect() *alive.Alive {
	t.mu.Lock()
	session, conn := t.session, t.conn
	t.session, t.conn = nil, nil
	if conn != nil {
		t.connch = make(chan struct{})
	}
	if t.state != Disconnected {
		t.setStateLocked(Disconnected)
	}
	t.mu.Unlock()

	if session != nil {
		session.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return session
}

// Close disconnects and stops background work. Deferred packets stay in
// persistent outbox. Must not be called from handlers.
func (t *Transport) Close() error {
	if session := t.disconnect(); session != nil {
		session.Wait()
	}
	t.alive.Stop()
	err := t.outbox.Close()
	t.alive.Wait()
	t.log.Debugf("link: closed stat %s", t.stat.String())
	return err
}

// Send writes p on current connection.
// Telemetry is live-rate: when not connected, on write failure or while
// deferred critical packets wait for delivery it is dropped and the error
// returned.
// Critical packets (text, ack, command) are queued for one retry after
// reconnection instead, Send returns nil in that case.
// Packets of one producer reach the wire in Send order.
func (t *Transport) Send(ctx context.Context, p *packet.Packet) error {
	if p == nil {
		return errors.Annotate(packet.ErrPayloadMissing, "link send nil packet")
	}
	if !t.alive.IsRunning() {
		return ErrClosing
	}
	if p.Type.Critical() {
		return t.sendCritical(ctx, p)
	}
	if t.outbox.Pending() != 0 {
		t.stat.Dropped.Add(1)
		return ErrOutboxPending
	}
	conn := t.current()
	if conn == nil {
		t.stat.Dropped.Add(1)
		return ErrNotConnected
	}
	err := conn.Write(ctx, p)
	if IsStreamIO(err) {
		t.stat.Dropped.Add(1)
	}
	return err
}

func (t *Transport) sendCritical(ctx context.Context, p *packet.Packet) error {
	// keep producer order behind already deferred packets
	if t.outbox.Pending() != 0 {
		return t.deferPacket(0, p)
	}
	conn := t.current()
	if conn == nil {
		return t.deferPacket(1, p)
	}
	err := conn.Write(ctx, p)
	if err == nil || !IsStreamIO(err) {
		return err
	}
	t.log.Debugf("link: send %s err=%v, deferred", p.Type, err)
	return t.deferPacket(1, p)
}

func (t *Transport) deferPacket(failures int, p *packet.Packet) error {
	if err := t.outbox.push(failures, p); err != nil {
		return err
	}
	t.stat.Deferred.Add(1)
	return nil
}

func (t *Transport) current() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && t.conn.Closed() {
		return nil
	}
	return t.conn
}

// waitConn blocks until connected or stopch closes.
func (t *Transport) waitConn(stopch <-chan struct{}) *Conn {
	for {
		t.mu.Lock()
		conn, ch := t.conn, t.connch
		t.mu.Unlock()
		if conn != nil && !conn.Closed() {
			return conn
		}
		select {
		case <-ch:
			if conn != nil {
				// connch was closed for a connection that already died,
				// wait for watcher to install new one
				select {
				case <-time.After(10 * time.Millisecond):
				case <-stopch:
					return nil
				}
			}
		case <-stopch:
			return nil
		}
	}
}

func (t *Transport) dial(ctx context.Context, session *alive.Alive) (*Conn, error) {
	ctx, cancel := helpers.AliveContext(ctx, session)
	defer cancel()
	return Dial(ctx, t.opt.URL, ConnOptions{
		Log:            t.log,
		TLS:            t.opt.TLS,
		NetworkTimeout: t.opt.NetworkTimeout,
		ReadLimit:      t.opt.ReadLimit,
		Malformed:      t.opt.Malformed,
		OnPacket:       t.dispatch,
		Dialer:         t.opt.Dialer,
		Stat:           &t.stat,
	})
}

func (t *Transport) attach(session *alive.Alive, conn *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != session || t.conn != nil || !session.Add(1) {
		return false
	}
	t.conn = conn
	t.setStateLocked(Connected)
	close(t.connch)
	t.backoff.Reset()
	t.stat.Connects.Add(1)
	t.log.Infof("link: connected %s", conn)
	go t.watch(session, conn)
	return true
}

func (t *Transport) watch(session *alive.Alive, conn *Conn) {
	defer session.Done()
	<-conn.Done()

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connch = make(chan struct{})
	t.mu.Unlock()

	t.log.Infof("link: connection lost e=%s", helpers.ShortNetError(conn.Err()))
	t.startRetry(session)
}

func (t *Transport) startRetry(session *alive.Alive) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != session || !session.Add(1) {
		return false
	}
	if !t.setStateLocked(Retrying) {
		session.Done()
		return false
	}
	t.backoff.Reset()
	t.backoff.Failure()
	go t.retryLoop(session)
	return true
}

func (t *Transport) retryLoop(session *alive.Alive) {
	defer session.Done()
	for {
		delay := t.backoff.DelayBefore()
		t.log.Debugf("link: reconnect delay=%s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-session.StopChan():
			timer.Stop()
			return
		}

		t.stat.Retries.Add(1)
		conn, err := t.dial(context.Background(), session)
		if err == nil {
			if !t.attach(session, conn) {
				_ = conn.Close()
			}
			return
		}
		t.stat.ConnectErrors.Add(1)
		failures := t.backoff.Failure()
		if t.opt.RetryMax > 0 && failures > t.opt.RetryMax {
			t.log.Errorf("link: %v, retry limit=%d exhausted", &ConnectionError{URL: t.opt.URL, Err: err}, t.opt.RetryMax)
			t.mu.Lock()
			if t.session == session {
				t.session = nil
				t.setStateLocked(Disconnected)
			}
			t.mu.Unlock()
			session.Stop()
			return
		}
		t.log.Debugf("link: reconnect err=%s", helpers.ShortNetError(err))
	}
}

func (t *Transport) dispatch(_ *Conn, p *packet.Packet) {
	t.handlers.RLock()
	h := t.handlers.m[p.Type]
	t.handlers.RUnlock()
	if h == nil {
		t.stat.Unhandled.Add(1)
		t.log.Debugf("link: unhandled %s", p)
		return
	}
	h(p)
}

// must be called with lock
func (t *Transport) setStateLocked(s State) bool {
	if !CanTransition(t.state, s) {
		t.log.Errorf("code error link state transition %s -> %s", t.state, s)
		return false
	}
	t.log.Debugf("link: state %s -> %s", t.state, s)
	t.state = s
	t.notify.push(s)
	return true
}

func (t *Transport) outboxLoop() {
	defer t.alive.Done()
	for {
		box, failures, p, err := t.outbox.peek()
		if err == spq.ErrClosed {
			return
		}
		if err != nil {
			t.log.Errorf("link: outbox %v, discard item", err)
			if err = t.outbox.remove(box); err != nil {
				t.log.Errorf("link: outbox remove err=%v", err)
				return
			}
			continue
		}
		if !t.deliver(failures, p) {
			return
		}
		if err = t.outbox.remove(box); err != nil && err != spq.ErrClosed {
			t.log.Errorf("link: outbox remove err=%v", err)
		}
	}
}

// deliver returns false when transport is closing and item must stay queued.
func (t *Transport) deliver(failures int, p *packet.Packet) bool {
	var err error
	for ; failures < maxCriticalAttempts; failures++ {
		conn := t.waitConn(t.alive.StopChan())
		if conn == nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.opt.NetworkTimeout)
		err = conn.Write(ctx, p)
		cancel()
		if err == nil {
			t.stat.Retried.Add(1)
			return true
		}
		if !IsStreamIO(err) {
			break
		}
	}
	t.stat.RetryDropped.Add(1)
	t.log.Errorf("link: drop %s after retry err=%v", p, err)
	return true
}

// notifier delivers state changes in order outside of transport lock.
type notifier struct {
	mu     sync.Mutex
	queue  []State
	signal chan struct{}
}

func (n *notifier) push(s State) {
	n.mu.Lock()
	n.queue = append(n.queue, s)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) take() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

func (t *Transport) notifyLoop() {
	defer t.alive.Done()
	stopch := t.alive.StopChan()
	for {
		select {
		case <-t.notify.signal:
		case <-stopch:
		}
		for _, s := range t.notify.take() {
			if t.opt.OnState != nil {
				t.opt.OnState(s)
			}
		}
		if !t.alive.IsRunning() {
			return
		}
	}
}
