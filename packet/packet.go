// Package packet implements the self-framing binary wire format.
// Every packet is one type byte followed by a type specific payload,
// all numbers big endian, no padding.
package packet

import (
	"fmt"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/telemetry"
)

type Text struct {
	Subtype TextSubtype `json:"subtype"`
	Body    string      `json:"body"`
}

type Ack struct {
	Positive bool `json:"positive"`
	Echo     Type `json:"echo"` // type of acknowledged packet
}

// Packet is a tagged union, exactly one payload field matches Type.
type Packet struct {
	Type      Type
	Core      *telemetry.Core
	Extended  *telemetry.Extended
	Text      *Text
	Ack       *Ack
	Stick     *command.VirtualStick
	Mission   *command.WaypointMission
	Camera    *command.CameraControl
	Emergency *command.Emergency
}

func NewCore(c telemetry.Core) *Packet { return &Packet{Type: TypeCore, Core: &c} }
func NewExtended(e telemetry.Extended) *Packet {
	return &Packet{Type: TypeExtended, Extended: &e}
}
func NewText(subtype TextSubtype, body string) *Packet {
	return &Packet{Type: TypeText, Text: &Text{Subtype: subtype, Body: body}}
}
func NewAck(echo Type, positive bool) *Packet {
	t := TypeAckNegative
	if positive {
		t = TypeAckPositive
	}
	return &Packet{Type: t, Ack: &Ack{Positive: positive, Echo: echo}}
}
func NewVirtualStick(v command.VirtualStick) *Packet {
	return &Packet{Type: TypeVirtualStick, Stick: &v}
}
func NewWaypointMission(m command.WaypointMission) *Packet {
	return &Packet{Type: TypeWaypoint, Mission: &m}
}
func NewCameraControl(c command.CameraControl) *Packet {
	return &Packet{Type: TypeCamera, Camera: &c}
}
func NewEmergency(e command.Emergency) *Packet {
	return &Packet{Type: TypeEmergency, Emergency: &e}
}

// Size returns encoded length without encoding.
func (p *Packet) Size() int {
	switch p.Type {
	case TypeCore:
		return CoreLen
	case TypeExtended:
		return ExtendedLen
	case TypeText:
		if p.Text == nil {
			return TextHeaderLen
		}
		return TextHeaderLen + len(p.Text.Body)
	case TypeAckPositive, TypeAckNegative:
		return AckLen
	case TypeVirtualStick:
		return VirtualStickLen
	case TypeWaypoint:
		if p.Mission == nil {
			return WaypointHeadLen
		}
		return WaypointHeadLen + WaypointItemLen*len(p.Mission.Waypoints)
	case TypeCamera:
		return CameraLen
	case TypeEmergency:
		return EmergencyLen
	}
	return 0
}

func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	var payload fmt.Stringer
	switch {
	case p.Core != nil:
		payload = p.Core
	case p.Extended != nil:
		payload = p.Extended
	case p.Stick != nil:
		payload = p.Stick
	case p.Mission != nil:
		payload = p.Mission
	case p.Camera != nil:
		payload = p.Camera
	case p.Emergency != nil:
		payload = p.Emergency
	case p.Text != nil:
		return fmt.Sprintf("%s(%s len=%d %q)", p.Type, p.Text.Subtype, len(p.Text.Body), abbrev(p.Text.Body, 40))
	case p.Ack != nil:
		return fmt.Sprintf("%s(echo=%s)", p.Type, p.Ack.Echo)
	default:
		return p.Type.String() + "(empty)"
	}
	return payload.String()
}

func abbrev(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
