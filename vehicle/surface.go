// Package vehicle is the boundary between the flight SDK, the link and the UI.
package vehicle

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/dronelink/dronelink/video"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultStickTimeout = 500 * time.Millisecond
	// MaxQueued limits acks and text waiting for the sender goroutine.
	MaxQueued = 256
)

// Producer is called by the flight SDK. Implementations must not block.
type Producer interface {
	OnCoreTelemetryTick(telemetry.Core)
	OnExtendedTelemetryTick(telemetry.Extended)
	OnCameraFrame(*video.DecodedFrame)
	OnCommandAckNeeded(echo packet.Type, positive bool)
}

// Consumer is the UI side. Calls come from link and video goroutines.
type Consumer interface {
	OnConnectionStateChanged(link.State)
	OnPixelFramePublished(video.FrameRef)
	OnTextMessageReceived(subtype packet.TextSubtype, text string)
}

// CommandSink executes validated commands. Sink acknowledges through
// Producer.OnCommandAckNeeded when done.
type CommandSink interface {
	OnVirtualStick(command.VirtualStick)
	OnWaypointMission(command.WaypointMission)
	OnCameraControl(command.CameraControl)
	OnEmergency(command.Emergency)
}

// Link is the part of link.Transport used by Surface.
type Link interface {
	Send(context.Context, *packet.Packet) error
	Handle(packet.Type, link.HandlerFunc)
}

type Options struct {
	Log          *log2.Log
	Link         Link
	Pipeline     *video.Pipeline // nil disables video
	Sink         CommandSink     // nil rejects every command
	Consumers    []Consumer
	SendTimeout  time.Duration
	StickTimeout time.Duration // negative disables watchdog
}

type Stat struct {
	CoreTicks        expvar.Int
	CoreReplaced     expvar.Int // tick replaced by newer before send
	ExtendedTicks    expvar.Int
	ExtendedReplaced expvar.Int
	SendErrors       expvar.Int
	Commands         expvar.Int
	CommandsRejected expvar.Int
	TextReceived     expvar.Int
	AcksReceived     expvar.Int
	StickNeutralized expvar.Int
	QueueDropped     expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("core=%d/%d extended=%d/%d send_errors=%d queue_dropped=%d commands=%d rejected=%d text=%d acks=%d stick_neutral=%d",
		s.CoreTicks.Value(), s.CoreReplaced.Value(), s.ExtendedTicks.Value(), s.ExtendedReplaced.Value(),
		s.SendErrors.Value(), s.QueueDropped.Value(), s.Commands.Value(), s.CommandsRejected.Value(),
		s.TextReceived.Value(), s.AcksReceived.Value(), s.StickNeutralized.Value())
}

// Surface implements Producer over link and video pipeline and dispatches
// inbound packets to Consumers and CommandSink.
type Surface struct {
	alive    *alive.Alive
	coreCh   chan telemetry.Core
	extCh    chan telemetry.Extended
	queue    packetQueue
	log      *log2.Log
	opt      Options
	stat     Stat
	stickMu  sync.Mutex
	stickT   *time.Timer
	stickGen uint64
}

var _ Producer = (*Surface)(nil)

func New(opt Options) (*Surface, error) {
	if opt.Link == nil {
		return nil, errors.NotValidf("code error vehicle.New opt.Link=nil")
	}
	if opt.SendTimeout == 0 {
		opt.SendTimeout = link.DefaultNetworkTimeout
	}
	if opt.StickTimeout == 0 {
		opt.StickTimeout = DefaultStickTimeout
	}
	s := &Surface{
		alive:  alive.NewAlive(),
		coreCh: make(chan telemetry.Core, 1),
		extCh:  make(chan telemetry.Extended, 1),
		log:    opt.Log,
		opt:    opt,
	}
	s.queue.signal = make(chan struct{}, 1)
	if opt.Pipeline != nil {
		for _, c := range opt.Consumers {
			opt.Pipeline.AddSink(c)
		}
	}
	l := opt.Link
	l.Handle(packet.TypeText, s.onText)
	l.Handle(packet.TypeAckPositive, s.onAck)
	l.Handle(packet.TypeAckNegative, s.onAck)
	l.Handle(packet.TypeVirtualStick, s.onCommand)
	l.Handle(packet.TypeWaypoint, s.onCommand)
	l.Handle(packet.TypeCamera, s.onCommand)
	l.Handle(packet.TypeEmergency, s.onCommand)

	s.alive.Add(3)
	go s.coreLoop()
	go s.extendedLoop()
	go s.sendLoop()
	return s, nil
}

func (s *Surface) Stat() *Stat { return &s.stat }

// OnLinkState fans transport state out to consumers, pass it as link.Options.OnState.
func (s *Surface) OnLinkState(st link.State) {
	for _, c := range s.opt.Consumers {
		c.OnConnectionStateChanged(st)
	}
}

func (s *Surface) OnCoreTelemetryTick(c telemetry.Core) {
	s.stat.CoreTicks.Add(1)
	for {
		select {
		case s.coreCh <- c:
			return
		default:
		}
		select {
		case <-s.coreCh:
			s.stat.CoreReplaced.Add(1)
		default:
		}
	}
}

func (s *Surface) OnExtendedTelemetryTick(e telemetry.Extended) {
	s.stat.ExtendedTicks.Add(1)
	for {
		select {
		case s.extCh <- e:
			return
		default:
		}
		select {
		case <-s.extCh:
			s.stat.ExtendedReplaced.Add(1)
		default:
		}
	}
}

func (s *Surface) OnCameraFrame(f *video.DecodedFrame) {
	if s.opt.Pipeline != nil {
		s.opt.Pipeline.OnFrame(f)
	}
}

// OnCommandAckNeeded queues ack behind earlier acks and text, never blocks.
func (s *Surface) OnCommandAckNeeded(echo packet.Type, positive bool) {
	if err := s.enqueue(packet.NewAck(echo, positive)); err != nil {
		s.log.Errorf("vehicle: ack %s positive=%t err=%v", echo, positive, err)
	}
}

// SendText queues operator visible message, link retries it when down.
// Returns encoding errors, never blocks.
func (s *Surface) SendText(subtype packet.TextSubtype, body string) error {
	p := packet.NewText(subtype, body)
	if _, err := packet.Encode(p); err != nil {
		return errors.Annotate(err, "vehicle send text")
	}
	return errors.Annotate(s.enqueue(p), "vehicle send text")
}

// Close stops telemetry senders and stick watchdog. Link and pipeline are
// owned by caller.
func (s *Surface) Close() {
	s.alive.Stop()
	s.alive.Wait()
	s.stickMu.Lock()
	if s.stickT != nil {
		s.stickT.Stop()
	}
	s.stickGen++
	s.stickMu.Unlock()
	s.log.Debugf("vehicle: closed stat %s", s.stat.String())
}

func (s *Surface) send(p *packet.Packet) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.SendTimeout)
	defer cancel()
	err := s.opt.Link.Send(ctx, p)
	if err != nil {
		s.stat.SendErrors.Add(1)
	}
	return err
}

func (s *Surface) enqueue(p *packet.Packet) error {
	if !s.alive.IsRunning() {
		return link.ErrClosing
	}
	if !s.queue.push(p) {
		s.stat.QueueDropped.Add(1)
		return errors.Errorf("send queue full max=%d", MaxQueued)
	}
	return nil
}

// sendLoop writes acks and text in the order they were queued.
func (s *Surface) sendLoop() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		select {
		case <-s.queue.signal:
		case <-stopch:
			if n := s.queue.len(); n != 0 {
				s.stat.QueueDropped.Add(int64(n))
				s.log.Debugf("vehicle: closing, drop queued=%d", n)
			}
			return
		}
		for p := s.queue.pop(); p != nil; p = s.queue.pop() {
			if err := s.send(p); err != nil {
				s.log.Errorf("vehicle: send %s err=%v", p, err)
			}
			if !s.alive.IsRunning() {
				break
			}
		}
	}
}

func (s *Surface) coreLoop() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		select {
		case c := <-s.coreCh:
			if err := s.send(packet.NewCore(c)); err != nil {
				s.log.Debugf("vehicle: core telemetry err=%v", err)
			}
		case <-stopch:
			return
		}
	}
}

func (s *Surface) extendedLoop() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		select {
		case e := <-s.extCh:
			if err := s.send(packet.NewExtended(e)); err != nil {
				s.log.Debugf("vehicle: extended telemetry err=%v", err)
			}
		case <-stopch:
			return
		}
	}
}

func (s *Surface) onText(p *packet.Packet) {
	s.stat.TextReceived.Add(1)
	for _, c := range s.opt.Consumers {
		c.OnTextMessageReceived(p.Text.Subtype, p.Text.Body)
	}
}

func (s *Surface) onAck(p *packet.Packet) {
	s.stat.AcksReceived.Add(1)
	s.log.Debugf("vehicle: remote %s", p)
}

func (s *Surface) onCommand(p *packet.Packet) {
	s.stat.Commands.Add(1)
	if err := s.dispatchCommand(p); err != nil {
		s.stat.CommandsRejected.Add(1)
		s.log.Errorf("vehicle: reject %s err=%v", p, err)
		s.OnCommandAckNeeded(p.Type, false)
	}
}

func (s *Surface) dispatchCommand(p *packet.Packet) error {
	sink := s.opt.Sink
	if sink == nil {
		return errors.NotSupportedf("command sink")
	}
	switch p.Type {
	case packet.TypeVirtualStick:
		if err := p.Stick.Validate(); err != nil {
			return err
		}
		s.armStick(!p.Stick.Neutral())
		sink.OnVirtualStick(*p.Stick)
	case packet.TypeWaypoint:
		if err := p.Mission.Validate(); err != nil {
			return err
		}
		sink.OnWaypointMission(*p.Mission)
	case packet.TypeCamera:
		if err := p.Camera.Validate(); err != nil {
			return err
		}
		sink.OnCameraControl(*p.Camera)
	case packet.TypeEmergency:
		if err := p.Emergency.Validate(); err != nil {
			return err
		}
		s.armStick(false)
		sink.OnEmergency(*p.Emergency)
	default:
		return errors.NotSupportedf("command type=%s", p.Type)
	}
	return nil
}

// armStick restarts watchdog for active stick input, disarms it for neutral.
func (s *Surface) armStick(active bool) {
	if s.opt.StickTimeout < 0 {
		return
	}
	s.stickMu.Lock()
	defer s.stickMu.Unlock()
	if s.stickT != nil {
		s.stickT.Stop()
		s.stickT = nil
	}
	s.stickGen++
	if !active || !s.alive.IsRunning() {
		return
	}
	gen := s.stickGen
	s.stickT = time.AfterFunc(s.opt.StickTimeout, func() { s.stickExpired(gen) })
}

func (s *Surface) stickExpired(gen uint64) {
	s.stickMu.Lock()
	if gen != s.stickGen {
		s.stickMu.Unlock()
		return
	}
	s.stickT = nil
	s.stickMu.Unlock()

	s.stat.StickNeutralized.Add(1)
	s.log.Infof("vehicle: stick input timeout=%s, neutral", s.opt.StickTimeout)
	s.opt.Sink.OnVirtualStick(command.VirtualStick{})
}

// packetQueue is FIFO with wakeup signal for single consumer.
type packetQueue struct {
	mu     sync.Mutex
	items  []*packet.Packet
	signal chan struct{}
}

func (q *packetQueue) push(p *packet.Packet) bool {
	q.mu.Lock()
	if len(q.items) >= MaxQueued {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *packetQueue) pop() *packet.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
