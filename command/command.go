// Package command describes intents sent by the remote endpoint to the vehicle.
package command

import (
	"fmt"
	"math"

	"github.com/juju/errors"
)

const MaxWaypoints = 99

// VirtualStick is one sample of remote sticks, each axis in [-1, 1].
type VirtualStick struct {
	Pitch    float32
	Roll     float32
	Yaw      float32
	Throttle float32
}

func (v VirtualStick) Neutral() bool { return v == VirtualStick{} }

func (v VirtualStick) Validate() error {
	for _, x := range [...]float32{v.Pitch, v.Roll, v.Yaw, v.Throttle} {
		if math.IsNaN(float64(x)) || x < -1 || x > 1 {
			return errors.NotValidf("virtual stick axis=%v", x)
		}
	}
	return nil
}

func (v VirtualStick) String() string {
	return fmt.Sprintf("stick(pitch=%.2f roll=%.2f yaw=%.2f throttle=%.2f)", v.Pitch, v.Roll, v.Yaw, v.Throttle)
}

type Waypoint struct {
	Latitude  float64
	Longitude float64
	Altitude  float32
}

type WaypointMission struct {
	MissionID uint16
	Waypoints []Waypoint
}

func (m WaypointMission) Validate() error {
	if len(m.Waypoints) == 0 {
		return errors.NotValidf("mission=%d without waypoints", m.MissionID)
	}
	if len(m.Waypoints) > MaxWaypoints {
		return errors.NotValidf("mission=%d waypoints=%d max=%d", m.MissionID, len(m.Waypoints), MaxWaypoints)
	}
	for i, w := range m.Waypoints {
		if w.Latitude < -90 || w.Latitude > 90 || w.Longitude < -180 || w.Longitude > 180 {
			return errors.NotValidf("mission=%d waypoint[%d]=%v", m.MissionID, i, w)
		}
	}
	return nil
}

func (m WaypointMission) String() string {
	return fmt.Sprintf("mission(id=%d waypoints=%d)", m.MissionID, len(m.Waypoints))
}

type CameraAction uint8

const (
	CameraShootPhoto CameraAction = iota
	CameraRecordStart
	CameraRecordStop
	CameraSetMode
	cameraActionCount
)

func (a CameraAction) String() string {
	switch a {
	case CameraShootPhoto:
		return "photo"
	case CameraRecordStart:
		return "record-start"
	case CameraRecordStop:
		return "record-stop"
	case CameraSetMode:
		return "mode"
	}
	return fmt.Sprintf("camera-action(%d)", uint8(a))
}

type CameraControl struct {
	Action      CameraAction
	Mode        uint8
	GimbalPitch float32 // degrees, negative is down
}

func (c CameraControl) Validate() error {
	if c.Action >= cameraActionCount {
		return errors.NotValidf("camera action=%d", c.Action)
	}
	if math.IsNaN(float64(c.GimbalPitch)) || c.GimbalPitch < -90 || c.GimbalPitch > 30 {
		return errors.NotValidf("gimbal pitch=%v", c.GimbalPitch)
	}
	return nil
}

func (c CameraControl) String() string {
	return fmt.Sprintf("camera(action=%s mode=%d gimbal=%.1f)", c.Action, c.Mode, c.GimbalPitch)
}

type EmergencyAction uint8

const (
	EmergencyHover EmergencyAction = iota
	EmergencyLand
	EmergencyReturnHome
	emergencyActionCount
)

func (a EmergencyAction) String() string {
	switch a {
	case EmergencyHover:
		return "hover"
	case EmergencyLand:
		return "land"
	case EmergencyReturnHome:
		return "return-home"
	}
	return fmt.Sprintf("emergency-action(%d)", uint8(a))
}

type Emergency struct {
	Action EmergencyAction
}

func (e Emergency) Validate() error {
	if e.Action >= emergencyActionCount {
		return errors.NotValidf("emergency action=%d", e.Action)
	}
	return nil
}

func (e Emergency) String() string { return "emergency(" + e.Action.String() + ")" }
