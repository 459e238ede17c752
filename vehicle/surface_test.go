package vehicle_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/dronelink/dronelink/vehicle"
	"github.com/dronelink/dronelink/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 5 * time.Second
const tick = 5 * time.Millisecond

type fakeLink struct {
	mu       sync.Mutex
	sent     []*packet.Packet
	handlers map[packet.Type]link.HandlerFunc
	gate     chan struct{} // when set, Send waits for it
}

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: make(map[packet.Type]link.HandlerFunc)}
}

func (f *fakeLink) Send(ctx context.Context, p *packet.Packet) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Handle(t packet.Type, h link.HandlerFunc) {
	f.mu.Lock()
	f.handlers[t] = h
	f.mu.Unlock()
}

func (f *fakeLink) inbound(p *packet.Packet) {
	f.mu.Lock()
	h := f.handlers[p.Type]
	f.mu.Unlock()
	h(p)
}

func (f *fakeLink) packets() []*packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*packet.Packet(nil), f.sent...)
}

type fakeSink struct {
	mu        sync.Mutex
	sticks    []command.VirtualStick
	missions  []command.WaypointMission
	cameras   []command.CameraControl
	emergency []command.Emergency
}

func (s *fakeSink) OnVirtualStick(v command.VirtualStick) {
	s.mu.Lock()
	s.sticks = append(s.sticks, v)
	s.mu.Unlock()
}
func (s *fakeSink) OnWaypointMission(m command.WaypointMission) {
	s.mu.Lock()
	s.missions = append(s.missions, m)
	s.mu.Unlock()
}
func (s *fakeSink) OnCameraControl(c command.CameraControl) {
	s.mu.Lock()
	s.cameras = append(s.cameras, c)
	s.mu.Unlock()
}
func (s *fakeSink) OnEmergency(e command.Emergency) {
	s.mu.Lock()
	s.emergency = append(s.emergency, e)
	s.mu.Unlock()
}
func (s *fakeSink) stickList() []command.VirtualStick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.VirtualStick(nil), s.sticks...)
}

// ackingSink acknowledges from inside the call like a flight SDK adapter does.
type ackingSink struct {
	fakeSink
	producer vehicle.Producer
}

func (s *ackingSink) OnEmergency(e command.Emergency) {
	s.fakeSink.OnEmergency(e)
	s.producer.OnCommandAckNeeded(packet.TypeEmergency, true)
}

type fakeConsumer struct {
	mu     sync.Mutex
	states []link.State
	frames []uint64
	texts  []string
}

func (c *fakeConsumer) OnConnectionStateChanged(s link.State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}
func (c *fakeConsumer) OnPixelFramePublished(r video.FrameRef) {
	seq := r.Seq()
	c.mu.Lock()
	c.frames = append(c.frames, seq)
	c.mu.Unlock()
}
func (c *fakeConsumer) OnTextMessageReceived(subtype packet.TextSubtype, text string) {
	c.mu.Lock()
	c.texts = append(c.texts, subtype.String()+":"+text)
	c.mu.Unlock()
}
func (c *fakeConsumer) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newSurface(t testing.TB, opt vehicle.Options) *vehicle.Surface {
	opt.Log = log2.NewTest(t, log2.LDebug)
	s, err := vehicle.New(opt)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSurfaceTelemetryLatestWins(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	gate := make(chan struct{})
	fl.gate = gate
	s := newSurface(t, vehicle.Options{Link: fl, SendTimeout: eventually})

	// first tick is taken by sender and blocks on gate
	s.OnCoreTelemetryTick(telemetry.Core{Altitude: 0})
	require.Eventually(t, func() bool {
		s.OnCoreTelemetryTick(telemetry.Core{Altitude: 1})
		return s.Stat().CoreReplaced.Value() > 0
	}, eventually, tick)
	for i := 2; i <= 50; i++ {
		s.OnCoreTelemetryTick(telemetry.Core{Altitude: float64(i)})
	}
	close(gate)
	require.Eventually(t, func() bool {
		ps := fl.packets()
		return len(ps) > 0 && ps[len(ps)-1].Core.Altitude == 50
	}, eventually, tick)
	ps := fl.packets()
	assert.True(t, len(ps) < 50, "sent=%d", len(ps))
	for i := 1; i < len(ps); i++ {
		assert.True(t, ps[i].Core.Altitude > ps[i-1].Core.Altitude, "telemetry order")
	}
}

func TestSurfaceExtendedTelemetry(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	s := newSurface(t, vehicle.Options{Link: fl})
	s.OnExtendedTelemetryTick(telemetry.Extended{BatteryLevel: 77, Serial: "SIM"})
	require.Eventually(t, func() bool { return len(fl.packets()) == 1 }, eventually, tick)
	p := fl.packets()[0]
	require.Equal(t, packet.TypeExtended, p.Type)
	assert.Equal(t, uint8(77), p.Extended.BatteryLevel)
}

func TestSurfaceTextAndAck(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	c := &fakeConsumer{}
	s := newSurface(t, vehicle.Options{Link: fl, Consumers: []vehicle.Consumer{c}})

	require.NoError(t, s.SendText(packet.TextWarning, "low battery"))
	s.OnCommandAckNeeded(packet.TypeWaypoint, true)
	require.Eventually(t, func() bool { return len(fl.packets()) == 2 }, eventually, tick)
	ps := fl.packets()
	assert.Equal(t, "low battery", ps[0].Text.Body)
	assert.Equal(t, packet.TypeAckPositive, ps[1].Type)
	assert.Equal(t, packet.TypeWaypoint, ps[1].Ack.Echo)

	fl.inbound(packet.NewText(packet.TextOperator, "hello"))
	fl.inbound(packet.NewAck(packet.TypeText, true))
	assert.Equal(t, []string{packet.TextOperator.String() + ":hello"}, c.texts)
	assert.Equal(t, int64(1), s.Stat().AcksReceived.Value())
}

func TestSurfaceCommands(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	sink := &fakeSink{}
	s := newSurface(t, vehicle.Options{Link: fl, Sink: sink, StickTimeout: -1})

	fl.inbound(packet.NewWaypointMission(command.WaypointMission{MissionID: 3, Waypoints: []command.Waypoint{{Latitude: 47, Longitude: -122, Altitude: 30}}}))
	fl.inbound(packet.NewCameraControl(command.CameraControl{Action: command.CameraShootPhoto, GimbalPitch: -45}))
	fl.inbound(packet.NewEmergency(command.Emergency{Action: command.EmergencyLand}))
	fl.inbound(packet.NewVirtualStick(command.VirtualStick{Pitch: 0.5}))
	// invalid: rejected with negative ack, sink untouched
	fl.inbound(packet.NewCameraControl(command.CameraControl{Action: command.CameraShootPhoto, GimbalPitch: -120}))
	fl.inbound(packet.NewVirtualStick(command.VirtualStick{Yaw: 2}))

	assert.Len(t, sink.missions, 1)
	assert.Len(t, sink.cameras, 1)
	assert.Equal(t, []command.Emergency{{Action: command.EmergencyLand}}, sink.emergency)
	assert.Equal(t, []command.VirtualStick{{Pitch: 0.5}}, sink.stickList())
	assert.Equal(t, int64(6), s.Stat().Commands.Value())
	assert.Equal(t, int64(2), s.Stat().CommandsRejected.Value())

	require.Eventually(t, func() bool { return len(fl.packets()) == 2 }, eventually, tick)
	ps := fl.packets()
	assert.Equal(t, packet.TypeAckNegative, ps[0].Type)
	assert.Equal(t, packet.TypeCamera, ps[0].Ack.Echo)
	assert.Equal(t, packet.TypeVirtualStick, ps[1].Ack.Echo)
}

func TestSurfaceCommandWithoutSink(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	s := newSurface(t, vehicle.Options{Link: fl})
	fl.inbound(packet.NewEmergency(command.Emergency{Action: command.EmergencyHover}))
	require.Eventually(t, func() bool { return len(fl.packets()) == 1 }, eventually, tick)
	ps := fl.packets()
	assert.Equal(t, packet.TypeAckNegative, ps[0].Type)
	assert.Equal(t, int64(1), s.Stat().CommandsRejected.Value())
}

// Inbound handlers run on the link reader, a slow write must not stall them.
func TestSurfaceInboundNotBlockedBySend(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	gate := make(chan struct{})
	fl.gate = gate
	sink := &ackingSink{}
	s := newSurface(t, vehicle.Options{Link: fl, Sink: sink, SendTimeout: eventually, StickTimeout: -1})
	sink.producer = s

	begin := time.Now()
	fl.inbound(packet.NewEmergency(command.Emergency{Action: command.EmergencyHover}))
	fl.inbound(packet.NewCameraControl(command.CameraControl{Action: command.CameraShootPhoto, GimbalPitch: -120}))
	require.NoError(t, s.SendText(packet.TextStatus, "hovering"))
	fl.inbound(packet.NewEmergency(command.Emergency{Action: command.EmergencyLand}))
	assert.True(t, time.Since(begin) < time.Second, "inbound blocked for %s", time.Since(begin))
	assert.Len(t, fl.packets(), 0)

	close(gate)
	require.Eventually(t, func() bool { return len(fl.packets()) == 4 }, eventually, tick)
	ps := fl.packets()
	assert.Equal(t, packet.NewAck(packet.TypeEmergency, true), ps[0])
	assert.Equal(t, packet.NewAck(packet.TypeCamera, false), ps[1])
	assert.Equal(t, "hovering", ps[2].Text.Body)
	assert.Equal(t, packet.NewAck(packet.TypeEmergency, true), ps[3])
}

func TestSurfaceQueueLimit(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	gate := make(chan struct{})
	fl.gate = gate
	s := newSurface(t, vehicle.Options{Link: fl, SendTimeout: eventually})
	defer close(gate)

	// one packet is held by sender, the rest fill the queue
	var err error
	for i := 0; i <= vehicle.MaxQueued+1 && err == nil; i++ {
		err = s.SendText(packet.TextStatus, "x")
	}
	require.Error(t, err)
	assert.Equal(t, int64(1), s.Stat().QueueDropped.Value())

	err = s.SendText(packet.TextStatus, string(make([]byte, packet.MaxTextLen+1)))
	assert.Error(t, err)
}

func TestSurfaceStickWatchdog(t *testing.T) {
	t.Parallel()
	fl := newFakeLink()
	sink := &fakeSink{}
	s := newSurface(t, vehicle.Options{Link: fl, Sink: sink, StickTimeout: 30 * time.Millisecond})

	fl.inbound(packet.NewVirtualStick(command.VirtualStick{Throttle: 0.3}))
	require.Eventually(t, func() bool { return s.Stat().StickNeutralized.Value() == 1 }, eventually, tick)
	sticks := sink.stickList()
	require.Len(t, sticks, 2)
	assert.True(t, sticks[1].Neutral())

	// neutral input disarms
	fl.inbound(packet.NewVirtualStick(command.VirtualStick{Roll: -0.3}))
	fl.inbound(packet.NewVirtualStick(command.VirtualStick{}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), s.Stat().StickNeutralized.Value())
	assert.Len(t, sink.stickList(), 4)
}

func TestSurfaceVideoAndState(t *testing.T) {
	t.Parallel()
	pipe, err := video.New(video.Options{Log: log2.NewTest(t, log2.LDebug), Width: 16, Height: 16})
	require.NoError(t, err)
	t.Cleanup(pipe.Close)
	c1, c2 := &fakeConsumer{}, &fakeConsumer{}
	s := newSurface(t, vehicle.Options{Link: newFakeLink(), Pipeline: pipe, Consumers: []vehicle.Consumer{c1, c2}})

	s.OnCameraFrame(video.Pattern(video.FormatI420, 16, 16, 0, 128, 128))
	require.Eventually(t, func() bool { return c1.frameCount() == 1 && c2.frameCount() == 1 }, eventually, tick)

	s.OnLinkState(link.Connecting)
	s.OnLinkState(link.Connected)
	assert.Equal(t, []link.State{link.Connecting, link.Connected}, c1.states)
	assert.Equal(t, c1.states, c2.states)
}

func TestSurfaceOverTransport(t *testing.T) {
	t.Parallel()
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ll.Close()

	c := &fakeConsumer{}
	var s *vehicle.Surface
	tr, err := link.New(link.Options{
		Log:     log2.NewTest(t, log2.LDebug),
		URL:     "tcp://" + ll.Addr().String(),
		OnState: func(st link.State) { s.OnLinkState(st) },
	})
	require.NoError(t, err)
	defer tr.Close()
	s = newSurface(t, vehicle.Options{Link: tr, Consumers: []vehicle.Consumer{c}})

	_, err = tr.Connect(context.Background())
	require.NoError(t, err)
	remote, err := ll.Accept()
	require.NoError(t, err)
	defer remote.Close()

	s.OnCoreTelemetryTick(telemetry.Core{Flying: true, Altitude: 12.5})
	b, err := packet.Encode(packet.NewText(packet.TextOperator, "hi"))
	require.NoError(t, err)
	_, err = remote.Write(b)
	require.NoError(t, err)

	d := packet.NewDecoder(0, packet.PolicyDrop)
	buf := make([]byte, 256)
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(eventually)))
	var got *packet.Packet
	for got == nil {
		n, err := remote.Read(buf)
		require.NoError(t, err)
		_, _ = d.Write(buf[:n])
		if p, err := d.Next(); err == nil {
			got = p
		}
	}
	require.Equal(t, packet.TypeCore, got.Type)
	assert.Equal(t, 12.5, got.Core.Altitude)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.texts) == 1 && len(c.states) >= 2
	}, eventually, tick)
}
