package packet_test

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleCore = telemetry.Core{
	Flying:            true,
	Latitude:          47.62,
	Longitude:         -122.35,
	Altitude:          50,
	HeightAboveGround: 48,
	VelocityN:         1,
	VelocityE:         0.5,
	Yaw:               90,
}

var exampleExtended = telemetry.Extended{
	SatelliteCount:  12,
	SignalQuality:   -70,
	MaxHeight:       120,
	MaxDistance:     50,
	BatteryLevel:    87,
	BatteryLevelOne: 88,
	BatteryLevelTwo: 86,
	WindLevel:       -3,
	CameraMode:      2,
	FlightMode:      6,
	MissionID:       513,
	Serial:          "DL-SIM-0001",
}

// every packet type once, shared with decoder tests
func samples() []*packet.Packet {
	return []*packet.Packet{
		packet.NewCore(exampleCore),
		packet.NewExtended(exampleExtended),
		packet.NewText(packet.TextWarning, "hi"),
		packet.NewText(packet.TextStatus, ""),
		packet.NewAck(packet.TypeEmergency, true),
		packet.NewAck(packet.TypeText, false),
		packet.NewVirtualStick(command.VirtualStick{Pitch: 0.25, Roll: -0.5, Yaw: 1, Throttle: -1}),
		packet.NewWaypointMission(command.WaypointMission{MissionID: 7, Waypoints: []command.Waypoint{
			{Latitude: 47.6, Longitude: -122.3, Altitude: 30},
			{Latitude: 47.7, Longitude: -122.4, Altitude: 45.5},
		}}),
		packet.NewCameraControl(command.CameraControl{Action: command.CameraRecordStart, Mode: 1, GimbalPitch: -45}),
		packet.NewEmergency(command.Emergency{Action: command.EmergencyReturnHome}),
	}
}

func TestEncodeExample(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  *packet.Packet
		expect string
	}{
		{"core", packet.NewCore(exampleCore),
			"00014047cf5c28f5c28fc05e966666666666404900000000000040480000000000003f8000003f00000000000000405680000000000000000000000000000000000000000000"},
		{"extended", packet.NewExtended(exampleExtended),
			"01000cba783257585600fd02060201444c2d53494d2d30303031000000000000000000000000000000000000000000"},
		{"text", packet.NewText(packet.TextWarning, "hi"), "0201000268" + "69"},
		{"ack", packet.NewAck(packet.TypeEmergency, true), "030137"},
		{"nack", packet.NewAck(packet.TypeCore, false), "040000"},
		{"emergency", packet.NewEmergency(command.Emergency{Action: command.EmergencyLand}), "3701"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := packet.Encode(c.input)
			require.NoError(t, err)
			assert.Equal(t, c.expect, hex.EncodeToString(b))
			assert.Equal(t, c.input.Size(), len(b))
			n, err := packet.FrameLen(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
		})
	}
}

func TestCoreExampleRoundTrip(t *testing.T) {
	t.Parallel()
	b, err := packet.Encode(packet.NewCore(exampleCore))
	require.NoError(t, err)
	require.Len(t, b, packet.CoreLen)
	assert.Equal(t, byte(packet.TypeCore), b[0])

	p, n, err := packet.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, packet.CoreLen, n)
	assert.Equal(t, packet.TypeCore, p.Type)
	require.NotNil(t, p.Core)
	assert.Equal(t, exampleCore, *p.Core)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	for _, input := range samples() {
		input := input
		t.Run(input.Type.String(), func(t *testing.T) {
			b, err := packet.Encode(input)
			require.NoError(t, err)
			// trailing bytes of next packet must not be consumed
			stream := append(b, 0x37, 0x00)
			output, n, err := packet.Decode(stream)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, input, output)
		})
	}
}

func TestEncodeError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input *packet.Packet
		check func(t testing.TB, err error)
	}{
		{"text-too-long", packet.NewText(packet.TextStatus, strings.Repeat("x", 70000)), func(t testing.TB, err error) {
			assert.Equal(t, packet.ErrTextTooLong, errors.Cause(err))
			assert.Contains(t, err.Error(), "length=70000")
		}},
		{"text-max-ok", packet.NewText(packet.TextStatus, strings.Repeat("x", packet.MaxTextLen)), func(t testing.TB, err error) {
			assert.NoError(t, err)
		}},
		{"serial-too-long", packet.NewExtended(telemetry.Extended{Serial: strings.Repeat("S", 33)}), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"payload-missing", &packet.Packet{Type: packet.TypeCore}, func(t testing.TB, err error) {
			assert.Equal(t, packet.ErrPayloadMissing, errors.Cause(err))
		}},
		{"ack-inconsistent", &packet.Packet{Type: packet.TypeAckPositive, Ack: &packet.Ack{Positive: false}}, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"unknown-type", &packet.Packet{Type: 0x99}, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotSupported(err))
		}},
		{"too-many-waypoints", packet.NewWaypointMission(command.WaypointMission{Waypoints: make([]command.Waypoint, 100)}), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"nil", nil, func(t testing.TB, err error) {
			assert.Equal(t, packet.ErrPayloadMissing, errors.Cause(err))
		}},
		{"core-latitude", packet.NewCore(telemetry.Core{Latitude: 91}), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"core-nan", packet.NewCore(telemetry.Core{Altitude: math.NaN()}), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"text-subtype", packet.NewText(packet.TextSubtype(9), "x"), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"text-not-utf8", packet.NewText(packet.TextStatus, "\xff\xfe"), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"ack-echo-unknown", packet.NewAck(packet.Type(0xee), true), func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := packet.Encode(c.input)
			c.check(t, err)
			if err != nil {
				assert.Len(t, b, 0)
			}
		})
	}
}

func TestAppendEncodeNil(t *testing.T) {
	t.Parallel()
	dst := []byte{0xaa}
	b, err := packet.AppendEncode(dst, nil)
	assert.Equal(t, packet.ErrPayloadMissing, errors.Cause(err))
	assert.Equal(t, dst, b)
}

func TestEncodeFlushSubnormal(t *testing.T) {
	t.Parallel()
	c := exampleCore
	c.Roll = math.SmallestNonzeroFloat64
	c.VelocityD = math.SmallestNonzeroFloat32
	b, err := packet.Encode(packet.NewCore(c))
	require.NoError(t, err)
	p, _, err := packet.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Core.Roll)
	assert.Equal(t, float32(0), p.Core.VelocityD)
}

// Values no encoder produces must not decode, so a misaligned
// stream can not pass for telemetry.
func TestDecodeImplausibleCore(t *testing.T) {
	t.Parallel()
	valid, err := packet.Encode(packet.NewCore(exampleCore))
	require.NoError(t, err)
	put64 := func(off int, x float64) func([]byte) {
		return func(b []byte) { binary.BigEndian.PutUint64(b[off:], math.Float64bits(x)) }
	}
	put32 := func(off int, x float32) func([]byte) {
		return func(b []byte) { binary.BigEndian.PutUint32(b[off:], math.Float32bits(x)) }
	}
	cases := []struct {
		name  string
		patch func([]byte)
	}{
		{"latitude", put64(2, 90.5)},
		{"longitude", put64(10, -181)},
		{"altitude-huge", put64(18, 3.46e179)},
		{"altitude-nan", put64(18, math.NaN())},
		{"hag-inf", put64(26, math.Inf(1))},
		{"velocity", put32(34, 1e6)},
		{"velocity-subnormal", put32(42, math.SmallestNonzeroFloat32)},
		{"latitude-subnormal", put64(2, 6.4758e-319)},
		{"yaw", put64(46, 720)},
		{"roll", put64(62, -200)},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b := append([]byte(nil), valid...)
			c.patch(b)
			p, n, err := packet.Decode(b)
			assert.Nil(t, p)
			assert.Equal(t, 0, n)
			assert.True(t, packet.IsMalformed(err), "err=%v", err)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input string
	}{
		{"unknown-type", "ff0000"},
		{"ack-outcome-mismatch", "030037"},
		{"nack-outcome-mismatch", "040137"},
		{"ack-outcome-not-bool", "030237"},
		{"core-flying-not-bool", "0002" + strings.Repeat("00", 68)},
		{"too-many-waypoints", "35000164"},
		{"ack-echo-unknown", "0301ee"},
		{"text-subtype-unknown", "02090001" + "41"},
		{"text-not-utf8", "02000002" + "c328"},
		{"extended-serial-padding", "01000cba783257585600fd020602" + "01" + "444c2d53494d2d30303031" + "00000000ff" + strings.Repeat("00", 16)},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := hex.DecodeString(c.input)
			require.NoError(t, err)
			p, n, err := packet.Decode(b)
			assert.Nil(t, p)
			assert.Equal(t, 0, n)
			require.Error(t, err)
			assert.True(t, packet.IsMalformed(err), "err=%v", err)
		})
	}
}

func TestDecodeNeedMoreData(t *testing.T) {
	t.Parallel()
	for _, input := range samples() {
		b, err := packet.Encode(input)
		require.NoError(t, err)
		for i := 0; i < len(b); i++ {
			_, n, err := packet.Decode(b[:i])
			assert.Equal(t, packet.ErrNeedMoreData, err, "type=%s prefix=%d", input.Type, i)
			assert.Equal(t, 0, n)
		}
	}
}
