package recorder_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station"
	"github.com/dronelink/dronelink/station/recorder"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t testing.TB) *recorder.Recorder {
	r, err := recorder.Open(filepath.Join(t.TempDir(), "flight.db"), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := open(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }
	s1, s2 := uuid.NewString(), uuid.NewString()

	events := []station.Event{
		{Kind: station.EventSession, Session: s1, At: at(0), Remote: "192.0.2.1:1000"},
		{Kind: station.EventCore, Session: s1, At: at(1), Core: &telemetry.Core{Flying: true, Latitude: 55.5, Longitude: 37.5, Altitude: 10, VelocityN: 1.5}},
		{Kind: station.EventCore, Session: s1, At: at(2), Core: &telemetry.Core{Flying: true, Latitude: 55.6, Longitude: 37.6, Altitude: 20, Yaw: -90}},
		{Kind: station.EventExtended, Session: s1, At: at(2), Extended: &telemetry.Extended{BatteryLevel: 90, Serial: "DL-1"}},
		{Kind: station.EventText, Session: s1, At: at(3), Text: &packet.Text{Subtype: packet.TextWarning, Body: "wind"}},
		{Kind: station.EventAck, Session: s1, At: at(4), Ack: &packet.Ack{Echo: packet.TypeWaypoint, Positive: true}},
		{Kind: station.EventSessionEnd, Session: s1, At: at(5), Error: "vehicle overtake"},
		{Kind: station.EventSession, Session: s2, At: at(5), Remote: "192.0.2.2:1000"},
	}
	for _, e := range events {
		r.OnEvent(e)
	}
	assert.Equal(t, int64(len(events)), r.Stat().Inserts.Value())
	assert.Equal(t, int64(0), r.Stat().Errors.Value())

	sessions, err := r.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, s2, sessions[0].ID)
	assert.Nil(t, sessions[0].Ended)
	assert.Equal(t, 0, sessions[0].Points)
	assert.Equal(t, s1, sessions[1].ID)
	assert.Equal(t, "192.0.2.1:1000", sessions[1].Remote)
	assert.True(t, at(0).Equal(sessions[1].Started))
	require.NotNil(t, sessions[1].Ended)
	assert.True(t, at(5).Equal(*sessions[1].Ended))
	assert.Equal(t, "vehicle overtake", sessions[1].Error)
	assert.Equal(t, 2, sessions[1].Points)

	track, err := r.Track(ctx, s1, 0)
	require.NoError(t, err)
	require.Len(t, track, 2)
	assert.Equal(t, *events[1].Core, track[0].Core)
	assert.Equal(t, *events[2].Core, track[1].Core)
	assert.True(t, at(2).Equal(track[1].At))

	track, err = r.Track(ctx, s1, 1)
	require.NoError(t, err)
	assert.Len(t, track, 1)

	msgs, err := r.Messages(ctx, s1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, recorder.Message{At: msgs[0].At, Kind: "text", Subtype: uint8(packet.TextWarning), Body: "wind"}, msgs[0])
	assert.Equal(t, recorder.Message{At: msgs[1].At, Kind: "ack", Subtype: uint8(packet.TypeWaypoint), Body: "positive"}, msgs[1])

	track, err = r.Track(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, track)
}

func TestRecorderUnsupported(t *testing.T) {
	t.Parallel()
	r := open(t)
	err := r.Record(context.Background(), station.Event{Kind: "bogus"})
	assert.True(t, errors.IsNotSupported(err))
	r.OnEvent(station.Event{Kind: "bogus"})
	assert.Equal(t, int64(1), r.Stat().Errors.Value())
}

func TestRecorderHubSink(t *testing.T) {
	t.Parallel()
	r := open(t)
	hub, err := station.NewHub(station.HubOptions{Log: log2.NewTest(t, log2.LDebug), Sinks: []station.EventSink{r}})
	require.NoError(t, err)
	s := &station.Session{ID: uuid.New(), Remote: "pipe", Started: time.Now()}
	hub.OnSession(s)
	hub.OnPacket(s, packet.NewCore(telemetry.Core{Altitude: 42}))
	hub.OnSessionEnd(s, nil)
	require.NoError(t, hub.Close())

	sessions, err := r.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID.String(), sessions[0].ID)
	assert.NotNil(t, sessions[0].Ended)
	assert.Empty(t, sessions[0].Error)
	assert.Equal(t, 1, sessions[0].Points)
}

func TestOpenError(t *testing.T) {
	t.Parallel()
	_, err := recorder.Open("", nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = recorder.Open(filepath.Join(t.TempDir(), "missing", "dir", "x.db"), nil)
	assert.Error(t, err)
}
