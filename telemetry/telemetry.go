// Package telemetry holds vehicle state snapshots in two fidelity tiers.
// Values are passed by copy from producer to codec to transport.
package telemetry

import "fmt"

// MaxSerialLen is the wire width of Extended.Serial.
const MaxSerialLen = 32

// Physical bounds of Core values, absolute.
const (
	MaxAltitude = 50000 // meters
	MaxSpeed    = 200   // m/s per axis
)

// Core is high-rate flight dynamics, produced on every state update tick.
type Core struct {
	Flying            bool    `json:"flying"`
	Latitude          float64 `json:"latitude"`            // degrees
	Longitude         float64 `json:"longitude"`           // degrees
	Altitude          float64 `json:"altitude"`            // meters
	HeightAboveGround float64 `json:"height_above_ground"` // meters
	VelocityN         float32 `json:"velocity_n"`          // m/s
	VelocityE         float32 `json:"velocity_e"`          // m/s
	VelocityD         float32 `json:"velocity_d"`          // m/s
	Yaw               float64 `json:"yaw"`                 // degrees
	Pitch             float64 `json:"pitch"`               // degrees
	Roll              float64 `json:"roll"`                // degrees
}

func (c Core) String() string {
	return fmt.Sprintf("core(flying=%t pos=%.6f,%.6f alt=%.1f hag=%.1f vel=%.1f/%.1f/%.1f ypr=%.1f/%.1f/%.1f)",
		c.Flying, c.Latitude, c.Longitude, c.Altitude, c.HeightAboveGround,
		c.VelocityN, c.VelocityE, c.VelocityD, c.Yaw, c.Pitch, c.Roll)
}

// Extended is low-rate health and configuration state.
type Extended struct {
	SatelliteCount  uint16 `json:"satellite_count"`
	SignalQuality   int8   `json:"signal_quality"` // vendor scaled
	MaxHeight       uint8  `json:"max_height"`
	MaxDistance     uint8  `json:"max_distance"`
	BatteryLevel    uint8  `json:"battery_level"` // aggregate, percent
	BatteryLevelOne uint8  `json:"battery_level_one"`
	BatteryLevelTwo uint8  `json:"battery_level_two"`
	BatteryWarning  bool   `json:"battery_warning"`
	WindLevel       int8   `json:"wind_level"`
	CameraMode      uint8  `json:"camera_mode"`
	FlightMode      uint8  `json:"flight_mode"`
	MissionID       uint16 `json:"mission_id"`
	Serial          string `json:"serial"`
}

func (e Extended) String() string {
	return fmt.Sprintf("extended(serial=%s sat=%d signal=%d battery=%d/%d/%d warn=%t wind=%d camera=%d mode=%d mission=%d limits=%d/%d)",
		e.Serial, e.SatelliteCount, e.SignalQuality,
		e.BatteryLevel, e.BatteryLevelOne, e.BatteryLevelTwo, e.BatteryWarning,
		e.WindLevel, e.CameraMode, e.FlightMode, e.MissionID, e.MaxHeight, e.MaxDistance)
}

// Producer is the narrow shape of anything that can be sampled for state.
type Producer interface {
	Core() Core
	Extended() Extended
}
