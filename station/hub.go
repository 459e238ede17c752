package station

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station/persist"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultTextHistory   = 100
	DefaultEventQueue    = 1024
	DefaultStoreInterval = 10 * time.Second
)

type EventKind string

const (
	EventSession    EventKind = "session"
	EventSessionEnd EventKind = "session_end"
	EventCore       EventKind = "core"
	EventExtended   EventKind = "extended"
	EventText       EventKind = "text"
	EventAck        EventKind = "ack"
)

// Event is one observation from vehicle link, delivered to sinks and subscribers in order.
type Event struct {
	Kind     EventKind           `json:"kind"`
	Session  string              `json:"session"`
	At       time.Time           `json:"at"`
	Remote   string              `json:"remote,omitempty"`
	Error    string              `json:"error,omitempty"`
	Core     *telemetry.Core     `json:"core,omitempty"`
	Extended *telemetry.Extended `json:"extended,omitempty"`
	Text     *packet.Text        `json:"text,omitempty"`
	Ack      *packet.Ack         `json:"ack,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("event(%s session=%s)", e.Kind, e.Session)
}

// EventSink is called from hub goroutine, slow sink delays others.
type EventSink interface {
	OnEvent(Event)
}

type HubOptions struct {
	Log           *log2.Log
	PersistRoot   string // empty disables last seen storage
	TextHistory   int
	EventQueue    int
	StoreInterval time.Duration
	Sinks         []EventSink
	Now           func() time.Time
}

type HubStat struct {
	Events     expvar.Int
	Dropped    expvar.Int // queue or subscriber full
	Unexpected expvar.Int // command packets from vehicle
}

// State is hub snapshot for API.
type State struct {
	Connected bool                `json:"connected"`
	Session   string              `json:"session,omitempty"`
	Remote    string              `json:"remote,omitempty"`
	Since     time.Time           `json:"since,omitempty"`
	LastSeen  time.Time           `json:"last_seen,omitempty"`
	Core      *telemetry.Core     `json:"core,omitempty"`
	Extended  *telemetry.Extended `json:"extended,omitempty"`
	Texts     []Event             `json:"texts"`
	Acks      []Event             `json:"acks"`
}

// Hub is station Handler: keeps latest telemetry, text and ack history,
// fans events out to sinks and subscribers.
type Hub struct {
	alive   *alive.Alive
	mu      sync.Mutex
	queue   chan Event
	log     *log2.Log
	opt     HubOptions
	persist *persist.Slot
	stat    HubStat

	last    lastSeen
	session *Session
	texts   []Event
	acks    []Event
	subs    map[int]chan Event
	nextSub int
}

var _ Handler = (*Hub)(nil)
var _ telemetry.Producer = (*Hub)(nil)

func NewHub(opt HubOptions) (*Hub, error) {
	if opt.TextHistory <= 0 {
		opt.TextHistory = DefaultTextHistory
	}
	if opt.EventQueue <= 0 {
		opt.EventQueue = DefaultEventQueue
	}
	if opt.StoreInterval <= 0 {
		opt.StoreInterval = DefaultStoreInterval
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	h := &Hub{
		alive: alive.NewAlive(),
		queue: make(chan Event, opt.EventQueue),
		log:   opt.Log,
		opt:   opt,
		subs:  make(map[int]chan Event),
	}
	var err error
	if h.persist, err = persist.Open(opt.PersistRoot, "last-seen", hubLastSeen{h}, opt.Log); err != nil {
		return nil, err
	}
	found, err := h.persist.Load()
	if err != nil {
		// storage problem must not prevent station from working
		h.log.Errorf("station: %v", err)
	}
	if found && !h.last.At.IsZero() {
		h.log.Infof("station: last seen session=%s at=%s %s", h.last.Session, h.last.At.Format(time.RFC3339), h.last.Core)
	}
	h.alive.Add(1)
	go h.loop()
	return h, nil
}

func (h *Hub) Stat() *HubStat { return &h.stat }

// PersistStat counts last seen storage operations.
func (h *Hub) PersistStat() *persist.Stat { return h.persist.Stat() }

func (h *Hub) Core() telemetry.Core {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last.Core
}

func (h *Hub) Extended() telemetry.Extended {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last.Extended
}

func (h *Hub) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := State{
		LastSeen: h.last.At,
		Texts:    append([]Event(nil), h.texts...),
		Acks:     append([]Event(nil), h.acks...),
	}
	if h.session != nil {
		s.Connected = true
		s.Session = h.session.ID.String()
		s.Remote = h.session.Remote
		s.Since = h.session.Started
	} else if h.last.Session != uuid.Nil {
		s.Session = h.last.Session.String()
	}
	if h.last.Flags&lastCore != 0 {
		c := h.last.Core
		s.Core = &c
	}
	if h.last.Flags&lastExtended != 0 {
		e := h.last.Extended
		s.Extended = &e
	}
	return s
}

// Subscribe returns live event channel, slow subscriber misses events.
// Call cancel to release.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) OnSession(s *Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
	h.emit(Event{Kind: EventSession, Session: s.ID.String(), Remote: s.Remote})
}

func (h *Hub) OnSessionEnd(s *Session, err error) {
	h.mu.Lock()
	if h.session == s {
		h.session = nil
	}
	h.mu.Unlock()
	e := Event{Kind: EventSessionEnd, Session: s.ID.String(), Remote: s.Remote}
	if err != nil {
		e.Error = err.Error()
	}
	h.emit(e)
	if err := h.persist.Store(); err != nil {
		h.log.Errorf("station: %v", err)
	}
}

func (h *Hub) OnPacket(s *Session, p *packet.Packet) {
	e := Event{Session: s.ID.String()}
	now := h.opt.Now()
	switch p.Type {
	case packet.TypeCore:
		e.Kind, e.Core = EventCore, p.Core
		h.mu.Lock()
		h.last.Core, h.last.Flags = *p.Core, h.last.Flags|lastCore
		h.last.At, h.last.Session = now, s.ID
		h.mu.Unlock()

	case packet.TypeExtended:
		e.Kind, e.Extended = EventExtended, p.Extended
		h.mu.Lock()
		h.last.Extended, h.last.Flags = *p.Extended, h.last.Flags|lastExtended
		h.last.At, h.last.Session = now, s.ID
		h.mu.Unlock()

	case packet.TypeText:
		e.Kind, e.Text, e.At = EventText, p.Text, now
		h.mu.Lock()
		h.texts = appendRing(h.texts, e, h.opt.TextHistory)
		h.mu.Unlock()
		h.log.Infof("station: vehicle %s: %s", p.Text.Subtype, p.Text.Body)

	case packet.TypeAckPositive, packet.TypeAckNegative:
		e.Kind, e.Ack, e.At = EventAck, p.Ack, now
		h.mu.Lock()
		h.acks = appendRing(h.acks, e, h.opt.TextHistory)
		h.mu.Unlock()
		if !p.Ack.Positive {
			h.log.Infof("station: vehicle rejected %s", p.Ack.Echo)
		}

	default:
		h.stat.Unexpected.Add(1)
		h.log.Errorf("station: unexpected %s from vehicle", p)
		return
	}
	h.emit(e)
}

// Close stops event delivery and stores last seen state.
func (h *Hub) Close() error {
	h.alive.Stop()
	h.alive.Wait()
	h.mu.Lock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
	return h.persist.Store()
}

func (h *Hub) emit(e Event) {
	if e.At.IsZero() {
		e.At = h.opt.Now()
	}
	select {
	case h.queue <- e:
	default:
		h.stat.Dropped.Add(1)
	}
}

func (h *Hub) loop() {
	defer h.alive.Done()
	stopch := h.alive.StopChan()
	store := time.NewTicker(h.opt.StoreInterval)
	defer store.Stop()
	for {
		select {
		case e := <-h.queue:
			h.deliver(e)
		case <-store.C:
			if err := h.persist.Store(); err != nil {
				h.log.Errorf("station: %v", err)
			}
		case <-stopch:
			for {
				select {
				case e := <-h.queue:
					h.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(e Event) {
	h.stat.Events.Add(1)
	for _, s := range h.opt.Sinks {
		s.OnEvent(e)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.stat.Dropped.Add(1)
		}
	}
}

func appendRing(ring []Event, e Event, max int) []Event {
	if len(ring) >= max {
		ring = append(ring[:0], ring[len(ring)-max+1:]...)
	}
	return append(ring, e)
}

const (
	lastCore uint8 = 1 << iota
	lastExtended
)

const lastSeenLen = 1 + 8 + 16 + packet.CoreLen + packet.ExtendedLen

// lastSeen is persisted as fixed size record:
// flags, unix nanoseconds, session id, core packet, extended packet.
type lastSeen struct {
	Flags    uint8
	At       time.Time
	Session  uuid.UUID
	Core     telemetry.Core
	Extended telemetry.Extended
}

func (l *lastSeen) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, lastSeenLen)
	b = append(b, l.Flags)
	var at int64
	if !l.At.IsZero() {
		at = l.At.UnixNano()
	}
	b = binary.BigEndian.AppendUint64(b, uint64(at))
	b = append(b, l.Session[:]...)
	b, err := packet.AppendEncode(b, packet.NewCore(l.Core))
	if err != nil {
		return nil, err
	}
	return packet.AppendEncode(b, packet.NewExtended(l.Extended))
}

func (l *lastSeen) UnmarshalBinary(b []byte) error {
	if len(b) != lastSeenLen {
		return errors.NotValidf("last seen length=%d expected=%d", len(b), lastSeenLen)
	}
	l.Flags = b[0]
	l.At = time.Time{}
	if at := int64(binary.BigEndian.Uint64(b[1:])); at != 0 {
		l.At = time.Unix(0, at)
	}
	copy(l.Session[:], b[9:25])
	core, n, err := packet.Decode(b[25:])
	if err != nil {
		return errors.Annotate(err, "last seen core")
	}
	ext, _, err := packet.Decode(b[25+n:])
	if err != nil {
		return errors.Annotate(err, "last seen extended")
	}
	if core.Type != packet.TypeCore || ext.Type != packet.TypeExtended {
		return errors.NotValidf("last seen types=%s,%s", core.Type, ext.Type)
	}
	l.Core, l.Extended = *core.Core, *ext.Extended
	return nil
}

// hubLastSeen guards persisted state with hub lock.
type hubLastSeen struct{ h *Hub }

func (x hubLastSeen) MarshalBinary() ([]byte, error) {
	x.h.mu.Lock()
	l := x.h.last
	x.h.mu.Unlock()
	return l.MarshalBinary()
}

func (x hubLastSeen) UnmarshalBinary(b []byte) error {
	var l lastSeen
	if err := l.UnmarshalBinary(b); err != nil {
		return err
	}
	x.h.mu.Lock()
	x.h.last = l
	x.h.mu.Unlock()
	return nil
}
