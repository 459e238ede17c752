package packet

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/juju/errors"
)

// ErrNeedMoreData means the buffer holds a valid prefix of a packet.
var ErrNeedMoreData = fmt.Errorf("need more data")

// MalformedError reports bytes that can not start a valid packet.
type MalformedError struct {
	Type   Type
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed packet type=0x%02x: %s", uint8(e.Type), e.Reason)
}

func IsMalformed(err error) bool {
	_, ok := errors.Cause(err).(*MalformedError)
	return ok
}

func malformed(t Type, format string, args ...interface{}) error {
	return &MalformedError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// FrameLen returns total length of the packet at b[0] using per type length table.
// Only bytes of that packet are inspected.
func FrameLen(b []byte) (int, error) { return frameLen(b, DefaultReadLimit) }

func frameLen(b []byte, limit int) (int, error) {
	if len(b) == 0 {
		return 0, ErrNeedMoreData
	}
	t := Type(b[0])
	n := 0
	switch t {
	case TypeCore:
		n = CoreLen
	case TypeExtended:
		n = ExtendedLen
	case TypeAckPositive, TypeAckNegative:
		n = AckLen
	case TypeVirtualStick:
		n = VirtualStickLen
	case TypeCamera:
		n = CameraLen
	case TypeEmergency:
		n = EmergencyLen
	case TypeText:
		if len(b) < 2 {
			return 0, ErrNeedMoreData
		}
		if !TextSubtype(b[1]).Known() {
			return 0, malformed(t, "text subtype=%d", b[1])
		}
		if len(b) < TextHeaderLen {
			return 0, ErrNeedMoreData
		}
		n = TextHeaderLen + int(be.Uint16(b[2:4]))
	case TypeWaypoint:
		if len(b) < WaypointHeadLen {
			return 0, ErrNeedMoreData
		}
		count := int(b[3])
		if count > command.MaxWaypoints {
			return 0, malformed(t, "waypoints=%d max=%d", count, command.MaxWaypoints)
		}
		n = WaypointHeadLen + WaypointItemLen*count
	default:
		return 0, malformed(t, "unknown type")
	}
	if n > limit {
		return 0, malformed(t, "length=%d exceeds limit=%d", n, limit)
	}
	return n, nil
}

// Decode parses one packet from the start of b.
// Returns consumed length, or ErrNeedMoreData, or *MalformedError.
func Decode(b []byte) (*Packet, int, error) { return decode(b, DefaultReadLimit) }

func decode(b []byte, limit int) (*Packet, int, error) {
	n, err := frameLen(b, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < n {
		return nil, 0, ErrNeedMoreData
	}
	frame := b[:n]
	t := Type(frame[0])
	payload := frame[1:]
	p := &Packet{Type: t}
	switch t {
	case TypeCore:
		p.Core, err = parseCore(payload)
	case TypeExtended:
		p.Extended, err = parseExtended(payload)
	case TypeText:
		body := payload[TextHeaderLen-1:]
		if !utf8.Valid(body) {
			err = malformed(t, "text body is not utf-8")
			break
		}
		p.Text = &Text{
			Subtype: TextSubtype(payload[0]),
			Body:    string(body),
		}
	case TypeAckPositive, TypeAckNegative:
		var positive bool
		if positive, err = parseBool(t, payload[0], "ack outcome"); err == nil && positive != (t == TypeAckPositive) {
			err = malformed(t, "ack outcome=%d inconsistent with type", payload[0])
		} else if err == nil && !Type(payload[1]).Known() {
			err = malformed(t, "ack echo=0x%02x unknown type", payload[1])
		}
		p.Ack = &Ack{Positive: positive, Echo: Type(payload[1])}
	case TypeVirtualStick:
		s := &command.VirtualStick{
			Pitch:    float32At(payload, 0),
			Roll:     float32At(payload, 4),
			Yaw:      float32At(payload, 8),
			Throttle: float32At(payload, 12),
		}
		if !wire32(s.Pitch, s.Roll, s.Yaw, s.Throttle) {
			err = malformed(t, "%s", s)
			break
		}
		p.Stick = s
	case TypeWaypoint:
		m := &command.WaypointMission{
			MissionID: be.Uint16(payload[0:2]),
			Waypoints: make([]command.Waypoint, payload[2]),
		}
		for i := range m.Waypoints {
			off := WaypointHeadLen - 1 + i*WaypointItemLen
			w := command.Waypoint{
				Latitude:  float64At(payload, off),
				Longitude: float64At(payload, off+8),
				Altitude:  float32At(payload, off+16),
			}
			if !wire64(w.Latitude, w.Longitude) || !wire32(w.Altitude) {
				err = malformed(t, "waypoint[%d]=%v", i, w)
				break
			}
			m.Waypoints[i] = w
		}
		p.Mission = m
	case TypeCamera:
		p.Camera = &command.CameraControl{
			Action:      command.CameraAction(payload[0]),
			Mode:        payload[1],
			GimbalPitch: float32At(payload, 2),
		}
		if !wire32(p.Camera.GimbalPitch) {
			err = malformed(t, "gimbal pitch=%v", p.Camera.GimbalPitch)
		}
	case TypeEmergency:
		p.Emergency = &command.Emergency{Action: command.EmergencyAction(payload[0])}
	}
	if err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

func parseCore(b []byte) (*telemetry.Core, error) {
	flying, err := parseBool(TypeCore, b[0], "flying")
	if err != nil {
		return nil, err
	}
	c := &telemetry.Core{
		Flying:            flying,
		Latitude:          float64At(b, 1),
		Longitude:         float64At(b, 9),
		Altitude:          float64At(b, 17),
		HeightAboveGround: float64At(b, 25),
		VelocityN:         float32At(b, 33),
		VelocityE:         float32At(b, 37),
		VelocityD:         float32At(b, 41),
		Yaw:               float64At(b, 45),
		Pitch:             float64At(b, 53),
		Roll:              float64At(b, 61),
	}
	if reason := checkCore(c); reason != "" {
		return nil, malformed(TypeCore, "%s", reason)
	}
	if !wire64(c.Latitude, c.Longitude, c.Altitude, c.HeightAboveGround, c.Yaw, c.Pitch, c.Roll) ||
		!wire32(c.VelocityN, c.VelocityE, c.VelocityD) {
		return nil, malformed(TypeCore, "subnormal value")
	}
	return c, nil
}

func parseExtended(b []byte) (*telemetry.Extended, error) {
	warning, err := parseBool(TypeExtended, b[8], "battery warning")
	if err != nil {
		return nil, err
	}
	serial := b[14 : 14+telemetry.MaxSerialLen]
	if i := bytes.IndexByte(serial, 0); i >= 0 {
		if len(bytes.Trim(serial[i:], "\x00")) != 0 {
			return nil, malformed(TypeExtended, "serial padding is not zero")
		}
		serial = serial[:i]
	}
	if !utf8.Valid(serial) {
		return nil, malformed(TypeExtended, "serial is not utf-8")
	}
	return &telemetry.Extended{
		SatelliteCount:  be.Uint16(b[0:2]),
		SignalQuality:   int8(b[2]),
		MaxHeight:       b[3],
		MaxDistance:     b[4],
		BatteryLevel:    b[5],
		BatteryLevelOne: b[6],
		BatteryLevelTwo: b[7],
		BatteryWarning:  warning,
		WindLevel:       int8(b[9]),
		CameraMode:      b[10],
		FlightMode:      b[11],
		MissionID:       be.Uint16(b[12:14]),
		Serial:          string(serial),
	}, nil
}

const (
	smallestNormal32 = 0x1p-126
	smallestNormal64 = 0x1p-1022
)

func finite32(xs ...float32) bool {
	for _, x := range xs {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

func finite64(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// wire32 reports whether every x could come from the encoder:
// finite and either zero or normal. Encoder flushes subnormals to zero.
func wire32(xs ...float32) bool {
	for _, x := range xs {
		if !finite32(x) || (x != 0 && math.Abs(float64(x)) < smallestNormal32) {
			return false
		}
	}
	return true
}

func wire64(xs ...float64) bool {
	for _, x := range xs {
		if !finite64(x) || (x != 0 && math.Abs(x) < smallestNormal64) {
			return false
		}
	}
	return true
}

// checkCore returns the reason why c can not describe a real vehicle, or "".
func checkCore(c *telemetry.Core) string {
	for _, x := range [...]float64{c.Latitude, c.Longitude, c.Altitude, c.HeightAboveGround,
		float64(c.VelocityN), float64(c.VelocityE), float64(c.VelocityD), c.Yaw, c.Pitch, c.Roll} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprintf("non-finite value=%v", x)
		}
	}
	switch {
	case math.Abs(c.Latitude) > 90:
		return fmt.Sprintf("latitude=%v", c.Latitude)
	case math.Abs(c.Longitude) > 180:
		return fmt.Sprintf("longitude=%v", c.Longitude)
	case math.Abs(c.Altitude) > telemetry.MaxAltitude:
		return fmt.Sprintf("altitude=%v", c.Altitude)
	case math.Abs(c.HeightAboveGround) > telemetry.MaxAltitude:
		return fmt.Sprintf("height above ground=%v", c.HeightAboveGround)
	case math.Abs(float64(c.VelocityN)) > telemetry.MaxSpeed,
		math.Abs(float64(c.VelocityE)) > telemetry.MaxSpeed,
		math.Abs(float64(c.VelocityD)) > telemetry.MaxSpeed:
		return fmt.Sprintf("velocity=%v/%v/%v", c.VelocityN, c.VelocityE, c.VelocityD)
	case math.Abs(c.Yaw) > 360:
		return fmt.Sprintf("yaw=%v", c.Yaw)
	case math.Abs(c.Pitch) > 180, math.Abs(c.Roll) > 180:
		return fmt.Sprintf("pitch=%v roll=%v", c.Pitch, c.Roll)
	}
	return ""
}

func parseBool(t Type, x byte, field string) (bool, error) {
	switch x {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, malformed(t, "%s=%d not boolean", field, x)
}

func float32At(b []byte, off int) float32 { return math.Float32frombits(be.Uint32(b[off:])) }
func float64At(b []byte, off int) float64 { return math.Float64frombits(be.Uint64(b[off:])) }
