package link

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/dronelink/dronelink/helpers"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	DefaultRetryInterval  = 3 * time.Second

	readBufferSize = 16 << 10
	tcpOverhead    = 40
)

type PacketFunc = func(*Conn, *packet.Packet)

// DialFunc has the shape of net.Dialer.DialContext.
type DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error)

type ConnOptions struct {
	Log *log2.Log
	TLS *tls.Config

	NetworkTimeout time.Duration // write deadline and dial timeout
	ReadTimeout    time.Duration // idle read limit, 0 disables
	ReadLimit      int
	Malformed      packet.Policy
	OnPacket       PacketFunc
	Dialer         DialFunc // nil uses net.Dialer
	Stat           *Stat    // shared counters, allocated when nil
}

// Conn is one established duplex byte stream.
// Inbound packets are delivered in order from a dedicated reader goroutine.
// Write is the single critical section for outbound bytes.
type Conn struct {
	wmu   sync.Mutex
	wbuf  []byte
	alive *alive.Alive
	err   helpers.AtomicError
	last  atomic_clock.Clock
	net   net.Conn
	opt   ConnOptions
	r     io.Reader
	w     io.Writer
}

func NewConn(netConn net.Conn, opt ConnOptions) (*Conn, error) {
	if opt.OnPacket == nil {
		return nil, errors.NotValidf("code error NewConn opt.OnPacket=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.Stat == nil {
		opt.Stat = new(Stat)
	}
	c := &Conn{
		alive: alive.NewAlive(),
		net:   netConn,
		opt:   opt,
	}

	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
		_ = tcp.SetNoDelay(true)
	}
	c.r = &wireReader{r: c.net, pair: &opt.Stat.Recv.Wire, overhead: tcpOverhead}
	c.w = &wireWriter{w: c.net, pair: &opt.Stat.Send.Wire, overhead: tcpOverhead}
	c.last.SetNow()

	if !c.alive.Add(1) {
		return nil, ErrClosing
	}
	go c.reader()
	return c, nil
}

func (c *Conn) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// Err returns the reason connection died, nil while alive.
func (c *Conn) Err() error {
	err, _ := c.err.Load()
	return err
}

func (c *Conn) Done() <-chan struct{}        { return c.alive.WaitChan() }
func (c *Conn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Conn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *Conn) Stat() *Stat                  { return c.opt.Stat }

func (c *Conn) String() string {
	return fmt.Sprintf("(local=%s remote=%s)", addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()))
}

// Write encodes p and writes it whole, bounded by NetworkTimeout or ctx deadline,
// whichever is earlier. Stream errors kill the connection.
func (c *Conn) Write(ctx context.Context, p *packet.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err, closed := c.err.Load(); closed {
		return &StreamIOError{Op: "write", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := packet.AppendEncode(c.wbuf[:0], p)
	if err != nil {
		return err
	}
	c.wbuf = b

	deadline := time.Now().Add(c.opt.NetworkTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = c.net.SetWriteDeadline(deadline); err != nil {
		e := &StreamIOError{Op: "SetWriteDeadline", Err: err}
		_ = c.die(e)
		return e
	}
	if err = helpers.WriteAll(c.w, b); err != nil {
		e := &StreamIOError{Op: "write", Err: err}
		_ = c.die(e)
		return e
	}
	c.opt.Stat.Send.Register(p)
	c.opt.Log.Debugf("link: send %s", p)
	return nil
}

func (c *Conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	c.alive.Stop()
	_ = c.net.Close()
	c.opt.Log.Debugf("link: die local=%s remote=%s e=%s",
		addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), helpers.ShortNetError(e))
	return e
}

func (c *Conn) reader() {
	defer c.alive.Done()
	dec := packet.NewDecoder(c.opt.ReadLimit, c.opt.Malformed)
	buf := make([]byte, readBufferSize)
	for c.alive.IsRunning() {
		if c.opt.ReadTimeout != 0 {
			if err := c.net.SetReadDeadline(time.Now().Add(c.opt.ReadTimeout)); err != nil {
				_ = c.die(&StreamIOError{Op: "SetReadDeadline", Err: err})
				return
			}
		}
		n, err := c.r.Read(buf)
		if n > 0 {
			c.last.SetNow()
			_, _ = dec.Write(buf[:n])
			if derr := c.drain(dec); derr != nil {
				_ = c.die(derr)
				return
			}
		}
		if err != nil {
			_ = c.die(&StreamIOError{Op: "read", Err: err})
			return
		}
	}
}

func (c *Conn) drain(dec *packet.Decoder) error {
	for c.alive.IsRunning() {
		p, err := dec.Next()
		switch {
		case err == nil:
			c.opt.Stat.Recv.Register(p)
			c.opt.OnPacket(c, p)

		case err == packet.ErrNeedMoreData:
			return nil

		case packet.IsMalformed(err):
			c.opt.Stat.Malformed.Add(1)
			if dec.Policy() == packet.PolicyDrop {
				c.opt.Log.Errorf("link: remote=%s %v, drop connection", addrString(c.RemoteAddr()), err)
				return &MalformedPacketError{Err: err}
			}
			c.opt.Log.Debugf("link: remote=%s %v, resync", addrString(c.RemoteAddr()), err)

		default:
			return errors.Annotate(err, "decode")
		}
	}
	return nil
}

// Dial connects stream URL: tcp://host:port, tls://host:port or unix:///path.
func Dial(ctx context.Context, rawurl string, opt ConnOptions) (*Conn, error) {
	scheme, addr, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	timeout := opt.NetworkTimeout
	if timeout == 0 {
		timeout = DefaultNetworkTimeout
	}
	dial := opt.Dialer
	if dial == nil {
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: -1}
		dial = dialer.DialContext
	}

	var conn net.Conn
	switch scheme {
	case "tcp", "unix":
		conn, err = dial(ctx, scheme, addr)

	case "tls":
		config := opt.TLS
		if config == nil {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config = config.Clone()
			if config.ServerName, _, err = net.SplitHostPort(addr); err != nil {
				return nil, err
			}
		}
		if conn, err = dial(ctx, "tcp", addr); err != nil {
			break
		}
		tconn := tls.Client(conn, config)
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err = tconn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			err = errors.Annotate(err, "tls handshake")
			break
		}
		conn = tconn
	}
	if err != nil {
		return nil, err
	}
	return NewConn(conn, opt)
}

// ParseURL splits stream URL into net.Dial network and address.
func ParseURL(s string) (scheme, addr string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", errors.Annotatef(err, "url=%q", s)
	}
	switch u.Scheme {
	case "tcp", "tls":
		if u.Host == "" {
			return "", "", errors.NotValidf("url=%q without host", s)
		}
		return u.Scheme, u.Host, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return "", "", errors.NotValidf("url=%q without path", s)
		}
		return u.Scheme, path, nil
	}
	return "", "", errors.NotSupportedf("url=%q scheme", s)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
