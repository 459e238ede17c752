package station_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []station.Event
}

func (s *sinkRecorder) OnEvent(e station.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sinkRecorder) list() []station.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]station.Event(nil), s.events...)
}

func newHub(t testing.TB, opt station.HubOptions) *station.Hub {
	opt.Log = log2.NewTest(t, log2.LDebug)
	h, err := station.NewHub(opt)
	require.NoError(t, err)
	return h
}

func testSession() *station.Session {
	return &station.Session{ID: uuid.New(), Remote: "192.0.2.1:4000", Started: time.Now()}
}

func TestHubTextHistory(t *testing.T) {
	t.Parallel()
	h := newHub(t, station.HubOptions{TextHistory: 3})
	defer h.Close()
	s := testSession()
	h.OnSession(s)
	for i := 1; i <= 5; i++ {
		h.OnPacket(s, packet.NewText(packet.TextStatus, fmt.Sprintf("msg%d", i)))
	}
	h.OnPacket(s, packet.NewAck(packet.TypeWaypoint, true))

	st := h.Snapshot()
	require.Len(t, st.Texts, 3)
	bodies := []string{}
	for _, e := range st.Texts {
		bodies = append(bodies, e.Text.Body)
	}
	assert.Equal(t, []string{"msg3", "msg4", "msg5"}, bodies)
	require.Len(t, st.Acks, 1)
	assert.Equal(t, packet.TypeWaypoint, st.Acks[0].Ack.Echo)
	assert.True(t, st.Connected)
	assert.Equal(t, s.ID.String(), st.Session)
	assert.Nil(t, st.Core)
}

func TestHubUnexpected(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	h := newHub(t, station.HubOptions{Sinks: []station.EventSink{sink}})
	s := testSession()
	h.OnPacket(s, packet.NewEmergency(command.Emergency{Action: command.EmergencyHover}))
	h.OnPacket(s, packet.NewCore(telemetry.Core{Altitude: 1}))
	require.NoError(t, h.Close())

	assert.Equal(t, int64(1), h.Stat().Unexpected.Value())
	events := sink.list()
	require.Len(t, events, 1)
	assert.Equal(t, station.EventCore, events[0].Kind)
	assert.Equal(t, int64(1), h.Stat().Events.Value())
}

func TestHubSubscribe(t *testing.T) {
	t.Parallel()
	h := newHub(t, station.HubOptions{})
	defer h.Close()
	ch1, cancel1 := h.Subscribe(8)
	ch2, cancel2 := h.Subscribe(8)
	defer cancel2()

	s := testSession()
	h.OnSession(s)
	for _, ch := range []<-chan station.Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, station.EventSession, e.Kind)
			assert.Equal(t, s.Remote, e.Remote)
			assert.False(t, e.At.IsZero())
		case <-time.After(eventually):
			t.Fatal("no event")
		}
	}

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)

	h.OnSessionEnd(s, station.ErrOvertaken)
	select {
	case e := <-ch2:
		assert.Equal(t, station.EventSessionEnd, e.Kind)
		assert.Equal(t, station.ErrOvertaken.Error(), e.Error)
	case <-time.After(eventually):
		t.Fatal("no event")
	}
	assert.False(t, h.Snapshot().Connected)
}

func TestHubSlowSubscriber(t *testing.T) {
	t.Parallel()
	h := newHub(t, station.HubOptions{})
	_, cancel := h.Subscribe(1)
	defer cancel()
	s := testSession()
	for i := 0; i < 3; i++ {
		h.OnPacket(s, packet.NewCore(telemetry.Core{Altitude: float64(i)}))
	}
	require.NoError(t, h.Close())
	assert.Equal(t, int64(3), h.Stat().Events.Value())
	assert.Equal(t, int64(2), h.Stat().Dropped.Value())
	assert.Equal(t, 2.0, h.Core().Altitude)
}

func TestHubPersist(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	at := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	opt := station.HubOptions{PersistRoot: root, Now: func() time.Time { return at }}
	core := telemetry.Core{Flying: true, Latitude: 55.75, Longitude: 37.61, Altitude: 150, Yaw: 90}
	ext := telemetry.Extended{SatelliteCount: 12, BatteryLevel: 64, Serial: "DL-42"}

	h := newHub(t, opt)
	s := testSession()
	h.OnSession(s)
	h.OnPacket(s, packet.NewCore(core))
	h.OnPacket(s, packet.NewExtended(ext))
	h.OnSessionEnd(s, nil)
	require.NoError(t, h.Close())

	h2 := newHub(t, opt)
	defer h2.Close()
	st := h2.Snapshot()
	assert.False(t, st.Connected)
	assert.Equal(t, s.ID.String(), st.Session)
	assert.True(t, at.Equal(st.LastSeen), "last_seen=%s", st.LastSeen)
	require.NotNil(t, st.Core)
	assert.Equal(t, core, *st.Core)
	require.NotNil(t, st.Extended)
	assert.Equal(t, ext, *st.Extended)
	assert.Empty(t, st.Texts)
}

func TestHubPersistPartial(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	opt := station.HubOptions{PersistRoot: root}
	h := newHub(t, opt)
	h.OnPacket(testSession(), packet.NewExtended(telemetry.Extended{BatteryLevel: 5}))
	require.NoError(t, h.Close())

	h2 := newHub(t, opt)
	defer h2.Close()
	st := h2.Snapshot()
	assert.Nil(t, st.Core)
	require.NotNil(t, st.Extended)
	assert.Equal(t, uint8(5), st.Extended.BatteryLevel)
}

func TestHubPersistDisabled(t *testing.T) {
	t.Parallel()
	h := newHub(t, station.HubOptions{})
	h.OnPacket(testSession(), packet.NewCore(telemetry.Core{Altitude: 3}))
	require.NoError(t, h.Close())
	assert.Equal(t, 3.0, h.Core().Altitude)
}
