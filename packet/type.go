package packet

import "fmt"

// Type is the first byte of every packet, it selects payload layout and length.
type Type uint8

const (
	TypeCore         Type = 0x00
	TypeExtended     Type = 0x01
	TypeText         Type = 0x02
	TypeAckPositive  Type = 0x03
	TypeAckNegative  Type = 0x04
	TypeVirtualStick Type = 0x34
	TypeWaypoint     Type = 0x35
	TypeCamera       Type = 0x36
	TypeEmergency    Type = 0x37
)

const (
	CoreLen         = 70
	ExtendedLen     = 47
	TextHeaderLen   = 4
	AckLen          = 3
	VirtualStickLen = 17
	WaypointHeadLen = 4
	WaypointItemLen = 20
	CameraLen       = 7
	EmergencyLen    = 2

	MaxTextLen       = 65535
	DefaultReadLimit = TextHeaderLen + MaxTextLen
)

func (t Type) String() string {
	switch t {
	case TypeCore:
		return "core"
	case TypeExtended:
		return "extended"
	case TypeText:
		return "text"
	case TypeAckPositive:
		return "ack+"
	case TypeAckNegative:
		return "ack-"
	case TypeVirtualStick:
		return "stick"
	case TypeWaypoint:
		return "mission"
	case TypeCamera:
		return "camera"
	case TypeEmergency:
		return "emergency"
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

func (t Type) Known() bool {
	switch t {
	case TypeCore, TypeExtended, TypeText, TypeAckPositive, TypeAckNegative,
		TypeVirtualStick, TypeWaypoint, TypeCamera, TypeEmergency:
		return true
	}
	return false
}

// Telemetry packets are a live-rate stream, stale ones are worthless.
func (t Type) Telemetry() bool { return t == TypeCore || t == TypeExtended }

// Critical packets must not be silently lost on write failure.
func (t Type) Critical() bool { return t.Known() && !t.Telemetry() }

func (t Type) Command() bool {
	switch t {
	case TypeVirtualStick, TypeWaypoint, TypeCamera, TypeEmergency:
		return true
	}
	return false
}

type TextSubtype uint8

const (
	TextStatus TextSubtype = iota
	TextWarning
	TextError
	TextOperator
)

func (s TextSubtype) Known() bool { return s <= TextOperator }

func (s TextSubtype) String() string {
	switch s {
	case TextStatus:
		return "status"
	case TextWarning:
		return "warning"
	case TextError:
		return "error"
	case TextOperator:
		return "operator"
	}
	return fmt.Sprintf("subtype(%d)", uint8(s))
}
