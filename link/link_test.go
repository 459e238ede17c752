package link_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/packet"
	"github.com/stretchr/testify/require"
)

// peer is the remote endpoint side of tests: raw listener and decoder.
type peer struct {
	t     testing.TB
	ll    net.Listener
	conns chan net.Conn
	wg    sync.WaitGroup
}

func newPeer(t testing.TB) *peer {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &peer{t: t, ll: ll, conns: make(chan net.Conn, 16)}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			c, err := ll.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(p.close)
	return p
}

func (p *peer) url() string { return "tcp://" + p.ll.Addr().String() }

func (p *peer) close() {
	_ = p.ll.Close()
	p.wg.Wait()
	close(p.conns)
	for c := range p.conns {
		_ = c.Close()
	}
}

func (p *peer) accept() net.Conn {
	select {
	case c := <-p.conns:
		p.t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		p.t.Fatal("peer accept timeout")
		return nil
	}
}

func readPackets(t testing.TB, c net.Conn, n int) []*packet.Packet {
	d := packet.NewDecoder(0, packet.PolicyDrop)
	ps := make([]*packet.Packet, 0, n)
	buf := make([]byte, 4096)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(ps) < n {
		k, err := c.Read(buf)
		require.NoError(t, err)
		_, _ = d.Write(buf[:k])
		for {
			p, err := d.Next()
			if err == packet.ErrNeedMoreData {
				break
			}
			require.NoError(t, err)
			ps = append(ps, p)
		}
	}
	return ps
}

func writePackets(t testing.TB, c net.Conn, ps ...*packet.Packet) {
	for _, p := range ps {
		b, err := packet.Encode(p)
		require.NoError(t, err)
		_, err = c.Write(b)
		require.NoError(t, err)
	}
}

// stateRecorder collects OnState notifications.
type stateRecorder struct {
	mu sync.Mutex
	ss []link.State
}

func (r *stateRecorder) on(s link.State) {
	r.mu.Lock()
	r.ss = append(r.ss, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []link.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]link.State(nil), r.ss...)
}

func (r *stateRecorder) last() link.State {
	ss := r.get()
	if len(ss) == 0 {
		return link.Disconnected
	}
	return ss[len(ss)-1]
}

func closedPortURL(t testing.TB) string {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ll.Addr().String()
	require.NoError(t, ll.Close())
	return "tcp://" + addr
}

// faultDialer dials real sockets which fail or hold writes on demand.
type faultDialer struct {
	fail int32 // writes left to fail
	mu   sync.Mutex
	gate chan struct{}
}

func (d *faultDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: c, d: d}, nil
}

func (d *faultDialer) failWrites(n int) { atomic.StoreInt32(&d.fail, int32(n)) }

func (d *faultDialer) takeFail() bool {
	for {
		n := atomic.LoadInt32(&d.fail)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&d.fail, n, n-1) {
			return true
		}
	}
}

// hold blocks writes until release.
func (d *faultDialer) hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

func (d *faultDialer) release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

type faultConn struct {
	net.Conn
	d *faultDialer
}

func (c *faultConn) Write(b []byte) (int, error) {
	c.d.mu.Lock()
	gate := c.d.gate
	c.d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if c.d.takeFail() {
		return 0, syscall.EPIPE
	}
	return c.Conn.Write(b)
}
