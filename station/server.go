// Package station is the remote endpoint: it accepts one vehicle link,
// tracks its telemetry and sends operator commands.
package station

import (
	"context"
	"crypto/tls"
	"expvar"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dronelink/dronelink/helpers"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

var (
	ErrOvertaken = fmt.Errorf("vehicle overtake")
	ErrNoVehicle = fmt.Errorf("no vehicle connected")
)

// Session is one accepted vehicle connection.
type Session struct {
	ID      uuid.UUID
	Remote  string
	Started time.Time
	conn    *link.Conn
	ready   chan struct{}
}

func (s *Session) Send(ctx context.Context, p *packet.Packet) error { return s.conn.Write(ctx, p) }
func (s *Session) Close()                                           { _ = s.conn.Close() }
func (s *Session) String() string                                   { return fmt.Sprintf("session=%s remote=%s", s.ID, s.Remote) }

// Handler receives session lifecycle and packets. OnPacket runs on session
// reader goroutine, must not block long.
type Handler interface {
	OnSession(*Session)
	OnPacket(*Session, *packet.Packet)
	OnSessionEnd(*Session, error)
}

type ServerOptions struct {
	Log            *log2.Log
	Handler        Handler
	TLS            *tls.Config // required for tls:// listen
	NetworkTimeout time.Duration
	ReadTimeout    time.Duration
	ReadLimit      int
	Malformed      packet.Policy
}

type Server struct {
	alive   *alive.Alive
	mu      sync.Mutex
	active  *Session
	listens map[string]net.Listener
	log     *log2.Log
	opt     ServerOptions
	stat    link.Stat

	Sessions  expvar.Int
	Overtakes expvar.Int
}

func NewServer(opt ServerOptions) (*Server, error) {
	if opt.Handler == nil {
		return nil, errors.NotValidf("code error station.NewServer opt.Handler=nil")
	}
	s := &Server{
		alive:   alive.NewAlive(),
		listens: make(map[string]net.Listener),
		log:     opt.Log,
		opt:     opt,
	}
	return s, nil
}

func (s *Server) Stat() *link.Stat { return &s.stat }

func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Active returns current vehicle session or nil.
func (s *Server) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send writes p to active vehicle.
func (s *Server) Send(ctx context.Context, p *packet.Packet) error {
	sess := s.Active()
	if sess == nil {
		return ErrNoVehicle
	}
	return errors.Annotatef(sess.Send(ctx, p), "send %s", sess)
}

func (s *Server) Listen(urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.Add(len(urls)) {
		return errors.Errorf("Listen after Close")
	}
	errs := make([]error, 0)
	for _, u := range urls {
		s.log.Debugf("station: listen url=%s", u)
		if err := s.listenStream(u); err != nil {
			s.alive.Done()
			errs = append(errs, errors.Annotatef(err, "listen %s", u))
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) listenStream(rawurl string) error {
	scheme, addr, err := link.ParseURL(rawurl)
	if err != nil {
		return err
	}
	var ll net.Listener
	switch scheme {
	case "tls":
		if s.opt.TLS == nil {
			return errors.NotValidf("tls listen without certificate")
		}
		if ll, err = tls.Listen("tcp", addr, s.opt.TLS); err != nil {
			return errors.Annotate(err, "tls.Listen")
		}
	default:
		if ll, err = net.Listen(scheme, addr); err != nil {
			return errors.Annotatef(err, "net.Listen network=%s address=%s", scheme, addr)
		}
	}
	s.listens[rawurl] = ll
	go s.acceptLoop(ll)
	return nil
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		netConn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if netConn != nil {
				_ = netConn.Close()
			}
			return
		}
		if err != nil {
			s.log.Errorf("station: accept listen=%s err=%v", ll.Addr(), err)
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) { // and one alive subtask for each session
			_ = netConn.Close()
			return
		}
		s.accept(netConn)
	}
}

func (s *Server) accept(netConn net.Conn) {
	sess := &Session{
		ID:      uuid.New(),
		Remote:  netConn.RemoteAddr().String(),
		Started: time.Now(),
		ready:   make(chan struct{}),
	}
	conn, err := link.NewConn(netConn, link.ConnOptions{
		Log:            s.log,
		NetworkTimeout: s.opt.NetworkTimeout,
		ReadTimeout:    s.opt.ReadTimeout,
		ReadLimit:      s.opt.ReadLimit,
		Malformed:      s.opt.Malformed,
		OnPacket:       func(_ *link.Conn, p *packet.Packet) { s.onPacket(sess, p) },
		Stat:           &s.stat,
	})
	if err != nil {
		s.alive.Done()
		_ = netConn.Close()
		s.log.Errorf("station: accept remote=%s err=%v", sess.Remote, err)
		return
	}
	sess.conn = conn

	var ex *Session
	helpers.WithLock(&s.mu, func() {
		ex, s.active = s.active, sess
	})
	if ex != nil {
		s.Overtakes.Add(1)
		s.log.Infof("station: vehicle overtake ex=%s new=%s", ex.Remote, sess.Remote)
		_ = ex.conn.Close()
	}
	s.Sessions.Add(1)
	s.stat.Connects.Add(1)
	s.log.Infof("station: %s connected", sess)
	s.opt.Handler.OnSession(sess)
	close(sess.ready)
	go s.processSession(sess)
}

func (s *Server) processSession(sess *Session) {
	defer s.alive.Done()
	<-sess.conn.Done()

	err := sess.conn.Err()
	helpers.WithLock(&s.mu, func() {
		if s.active == sess {
			s.active = nil
		} else if errors.Cause(err) == link.ErrClosing {
			err = ErrOvertaken
		}
	})
	s.log.Infof("station: %s ended e=%s", sess, helpers.ShortNetError(err))
	s.opt.Handler.OnSessionEnd(sess, err)
}

// on each incoming packet, only from active session
func (s *Server) onPacket(sess *Session, p *packet.Packet) {
	<-sess.ready
	if s.Active() != sess {
		s.log.Debugf("station: ignore %s from detached %s", p, sess)
		sess.Close()
		return
	}
	s.opt.Handler.OnPacket(sess, p)
}

// Close stops listeners and disconnects vehicle.
func (s *Server) Close() error {
	s.alive.Stop()
	s.mu.Lock()
	for _, ll := range s.listens {
		_ = ll.Close()
	}
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}
	s.alive.Wait()
	s.log.Debugf("station: closed stat %s", s.stat.String())
	return nil
}
