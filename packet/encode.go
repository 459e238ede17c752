package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/juju/errors"
)

var (
	ErrTextTooLong    = fmt.Errorf("text exceeds max length=%d", MaxTextLen)
	ErrPayloadMissing = fmt.Errorf("payload missing")
)

var be = binary.BigEndian

// Encode returns wire bytes of p. Result length is always p.Size().
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.Annotate(ErrPayloadMissing, "encode nil packet")
	}
	return AppendEncode(make([]byte, 0, p.Size()), p)
}

// AppendEncode appends wire bytes of p to dst.
// On error dst is returned unmodified.
func AppendEncode(dst []byte, p *Packet) ([]byte, error) {
	if p == nil {
		return dst, errors.Annotate(ErrPayloadMissing, "encode nil packet")
	}
	if err := check(p); err != nil {
		return dst, errors.Annotatef(err, "encode type=%s", p.Type)
	}
	b := append(dst, byte(p.Type))
	switch p.Type {
	case TypeCore:
		b = appendCore(b, p.Core)
	case TypeExtended:
		b = appendExtended(b, p.Extended)
	case TypeText:
		b = append(b, byte(p.Text.Subtype))
		b = be.AppendUint16(b, uint16(len(p.Text.Body)))
		b = append(b, p.Text.Body...)
	case TypeAckPositive, TypeAckNegative:
		b = append(b, boolByte(p.Ack.Positive), byte(p.Ack.Echo))
	case TypeVirtualStick:
		s := p.Stick
		b = appendFloat32(b, s.Pitch)
		b = appendFloat32(b, s.Roll)
		b = appendFloat32(b, s.Yaw)
		b = appendFloat32(b, s.Throttle)
	case TypeWaypoint:
		b = be.AppendUint16(b, p.Mission.MissionID)
		b = append(b, byte(len(p.Mission.Waypoints)))
		for _, w := range p.Mission.Waypoints {
			b = appendFloat64(b, w.Latitude)
			b = appendFloat64(b, w.Longitude)
			b = appendFloat32(b, w.Altitude)
		}
	case TypeCamera:
		b = append(b, byte(p.Camera.Action), p.Camera.Mode)
		b = appendFloat32(b, p.Camera.GimbalPitch)
	case TypeEmergency:
		b = append(b, byte(p.Emergency.Action))
	}
	return b, nil
}

func check(p *Packet) error {
	var ok bool
	switch p.Type {
	case TypeCore:
		ok = p.Core != nil
		if ok {
			if reason := checkCore(p.Core); reason != "" {
				return errors.NotValidf("core %s", reason)
			}
		}
	case TypeExtended:
		ok = p.Extended != nil
		if ok && len(p.Extended.Serial) > telemetry.MaxSerialLen {
			return errors.NotValidf("serial length=%d max=%d", len(p.Extended.Serial), telemetry.MaxSerialLen)
		}
		if ok && strings.IndexByte(p.Extended.Serial, 0) >= 0 {
			return errors.NotValidf("serial with NUL byte")
		}
		if ok && !utf8.ValidString(p.Extended.Serial) {
			return errors.NotValidf("serial encoding")
		}
	case TypeText:
		ok = p.Text != nil
		if ok && len(p.Text.Body) > MaxTextLen {
			return errors.Annotatef(ErrTextTooLong, "length=%d", len(p.Text.Body))
		}
		if ok && !p.Text.Subtype.Known() {
			return errors.NotValidf("text subtype=%d", p.Text.Subtype)
		}
		if ok && !utf8.ValidString(p.Text.Body) {
			return errors.NotValidf("text body encoding")
		}
	case TypeAckPositive, TypeAckNegative:
		ok = p.Ack != nil
		if ok && p.Ack.Positive != (p.Type == TypeAckPositive) {
			return errors.NotValidf("ack outcome=%t with type=%s", p.Ack.Positive, p.Type)
		}
		if ok && !p.Ack.Echo.Known() {
			return errors.NotValidf("ack echo=%s", p.Ack.Echo)
		}
	case TypeVirtualStick:
		ok = p.Stick != nil
		if ok && !finite32(p.Stick.Pitch, p.Stick.Roll, p.Stick.Yaw, p.Stick.Throttle) {
			return errors.NotValidf("%s non-finite axis", p.Stick)
		}
	case TypeWaypoint:
		ok = p.Mission != nil
		if ok && len(p.Mission.Waypoints) > command.MaxWaypoints {
			return errors.NotValidf("waypoints=%d max=%d", len(p.Mission.Waypoints), command.MaxWaypoints)
		}
		if ok {
			for i, w := range p.Mission.Waypoints {
				if !finite64(w.Latitude, w.Longitude) || !finite32(w.Altitude) {
					return errors.NotValidf("waypoint[%d] non-finite", i)
				}
			}
		}
	case TypeCamera:
		ok = p.Camera != nil
		if ok && !finite32(p.Camera.GimbalPitch) {
			return errors.NotValidf("gimbal pitch=%v", p.Camera.GimbalPitch)
		}
	case TypeEmergency:
		ok = p.Emergency != nil
	default:
		return errors.NotSupportedf("type=%s", p.Type)
	}
	if !ok {
		return ErrPayloadMissing
	}
	return nil
}

func appendCore(b []byte, c *telemetry.Core) []byte {
	b = append(b, boolByte(c.Flying))
	b = appendFloat64(b, c.Latitude)
	b = appendFloat64(b, c.Longitude)
	b = appendFloat64(b, c.Altitude)
	b = appendFloat64(b, c.HeightAboveGround)
	b = appendFloat32(b, c.VelocityN)
	b = appendFloat32(b, c.VelocityE)
	b = appendFloat32(b, c.VelocityD)
	b = appendFloat64(b, c.Yaw)
	b = appendFloat64(b, c.Pitch)
	b = appendFloat64(b, c.Roll)
	return b
}

func appendExtended(b []byte, e *telemetry.Extended) []byte {
	b = be.AppendUint16(b, e.SatelliteCount)
	b = append(b,
		byte(e.SignalQuality),
		e.MaxHeight,
		e.MaxDistance,
		e.BatteryLevel,
		e.BatteryLevelOne,
		e.BatteryLevelTwo,
		boolByte(e.BatteryWarning),
		byte(e.WindLevel),
		e.CameraMode,
		e.FlightMode,
	)
	b = be.AppendUint16(b, e.MissionID)
	var serial [telemetry.MaxSerialLen]byte
	copy(serial[:], e.Serial)
	return append(b, serial[:]...)
}

// Subnormals are sent as zero, decoder treats them as misalignment.
func appendFloat32(b []byte, f float32) []byte {
	if math.Abs(float64(f)) < smallestNormal32 {
		f = 0
	}
	return be.AppendUint32(b, math.Float32bits(f))
}

func appendFloat64(b []byte, f float64) []byte {
	if math.Abs(f) < smallestNormal64 {
		f = 0
	}
	return be.AppendUint64(b, math.Float64bits(f))
}

func boolByte(x bool) byte {
	if x {
		return 1
	}
	return 0
}
