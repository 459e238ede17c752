// Package sim is a simulated flight SDK: it flies a point vehicle, produces
// telemetry and camera frames and executes remote commands.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/dronelink/dronelink/vehicle"
	"github.com/dronelink/dronelink/video"
	"github.com/juju/errors"
)

const (
	metersPerDegree = 111320.0
	maxHorizSpeed   = 10.0 // m/s at full stick
	maxVertSpeed    = 3.0
	maxYawRate      = 90.0 // deg/s
	missionSpeed    = 5.0
	landSpeed       = 1.5
	arriveRadius    = 1.0
	batteryDrain    = 0.05 // percent per second in flight
	physicsStep     = 50 * time.Millisecond
)

const (
	ModeManual uint8 = iota
	ModeMission
	ModeHover
	ModeLanding
	ModeReturnHome
)

type Options struct {
	Log              *log2.Log
	Serial           string
	HomeLatitude     float64
	HomeLongitude    float64
	HomeAltitude     float64
	CoreInterval     time.Duration
	ExtendedInterval time.Duration
	CameraFPS        float64 // 0 disables camera
	CameraWidth      int
	CameraHeight     int
}

// Engine implements vehicle.CommandSink and telemetry.Producer.
type Engine struct {
	mu       sync.Mutex
	producer vehicle.Producer
	log      *log2.Log
	opt      Options
	phase    int

	flying    bool
	lat, lon  float64
	alt       float64 // above sea level
	hag       float64 // height above ground
	vn, ve    float64 // m/s
	vd        float64 // m/s, positive down
	yaw       float64
	pitch     float64
	roll      float64
	stick     command.VirtualStick
	mode      uint8
	mission   command.WaypointMission
	wp        int
	battery   float64
	camMode   uint8
	recording bool
}

var _ vehicle.CommandSink = (*Engine)(nil)
var _ telemetry.Producer = (*Engine)(nil)

func New(opt Options) (*Engine, error) {
	if opt.CoreInterval <= 0 {
		opt.CoreInterval = 100 * time.Millisecond
	}
	if opt.ExtendedInterval <= 0 {
		opt.ExtendedInterval = time.Second
	}
	if opt.CameraFPS < 0 {
		return nil, errors.NotValidf("config error sim camera_fps=%v", opt.CameraFPS)
	}
	if opt.CameraFPS > 0 && (opt.CameraWidth <= 0 || opt.CameraHeight <= 0) {
		return nil, errors.NotValidf("config error sim camera size=%dx%d", opt.CameraWidth, opt.CameraHeight)
	}
	if len(opt.Serial) > telemetry.MaxSerialLen {
		return nil, errors.NotValidf("config error sim serial=%q", opt.Serial)
	}
	e := &Engine{
		log:     opt.Log,
		opt:     opt,
		lat:     opt.HomeLatitude,
		lon:     opt.HomeLongitude,
		alt:     opt.HomeAltitude,
		battery: 100,
		mode:    ModeHover,
	}
	return e, nil
}

// Run drives physics and emits telemetry and frames to p until ctx is done.
func (e *Engine) Run(ctx context.Context, p vehicle.Producer) error {
	e.mu.Lock()
	e.producer = p
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.producer = nil
		e.mu.Unlock()
	}()

	physics := time.NewTicker(physicsStep)
	defer physics.Stop()
	core := time.NewTicker(e.opt.CoreInterval)
	defer core.Stop()
	ext := time.NewTicker(e.opt.ExtendedInterval)
	defer ext.Stop()
	var cameraC <-chan time.Time
	if e.opt.CameraFPS > 0 {
		camera := time.NewTicker(time.Duration(float64(time.Second) / e.opt.CameraFPS))
		defer camera.Stop()
		cameraC = camera.C
	}

	for {
		select {
		case <-physics.C:
			e.Step(physicsStep)
		case <-core.C:
			p.OnCoreTelemetryTick(e.Core())
		case <-ext.C:
			p.OnExtendedTelemetryTick(e.Extended())
		case <-cameraC:
			p.OnCameraFrame(e.Frame())
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) Core() telemetry.Core {
	e.mu.Lock()
	defer e.mu.Unlock()
	return telemetry.Core{
		Flying:            e.flying,
		Latitude:          e.lat,
		Longitude:         e.lon,
		Altitude:          e.alt,
		HeightAboveGround: e.hag,
		VelocityN:         float32(e.vn),
		VelocityE:         float32(e.ve),
		VelocityD:         float32(e.vd),
		Yaw:               e.yaw,
		Pitch:             e.pitch,
		Roll:              e.roll,
	}
}

func (e *Engine) Extended() telemetry.Extended {
	e.mu.Lock()
	defer e.mu.Unlock()
	level := uint8(math.Round(e.battery))
	return telemetry.Extended{
		SatelliteCount:  14,
		SignalQuality:   -60,
		MaxHeight:       120,
		MaxDistance:     200,
		BatteryLevel:    level,
		BatteryLevelOne: level,
		BatteryLevelTwo: level,
		BatteryWarning:  e.battery < 20,
		WindLevel:       1,
		CameraMode:      e.camMode,
		FlightMode:      e.mode,
		MissionID:       e.mission.MissionID,
		Serial:          e.opt.Serial,
	}
}

// Frame returns synthetic camera frame, moving while flying, tinted while recording.
func (e *Engine) Frame() *video.DecodedFrame {
	e.mu.Lock()
	if e.flying {
		e.phase++
	}
	phase, cr := e.phase, byte(128)
	if e.recording {
		cr = 200
	}
	e.mu.Unlock()
	return video.Pattern(video.FormatI420, e.opt.CameraWidth, e.opt.CameraHeight, phase, 128, cr)
}

func (e *Engine) OnVirtualStick(v command.VirtualStick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stick = v
	if v.Neutral() {
		if e.mode == ModeManual {
			e.mode = ModeHover
		}
		return
	}
	e.mode = ModeManual
	if !e.flying && v.Throttle > 0 {
		e.flying = true
		e.log.Infof("sim: takeoff")
	}
}

func (e *Engine) OnWaypointMission(m command.WaypointMission) {
	e.mu.Lock()
	ok := e.flying
	if ok {
		e.mission = m
		e.wp = 0
		e.mode = ModeMission
		e.log.Infof("sim: start %s", m)
	}
	e.mu.Unlock()
	e.ack(packet.TypeWaypoint, ok)
}

func (e *Engine) OnCameraControl(c command.CameraControl) {
	e.mu.Lock()
	switch c.Action {
	case command.CameraRecordStart:
		e.recording = true
	case command.CameraRecordStop:
		e.recording = false
	case command.CameraSetMode:
		e.camMode = c.Mode
	}
	e.mu.Unlock()
	e.ack(packet.TypeCamera, true)
}

func (e *Engine) OnEmergency(em command.Emergency) {
	e.mu.Lock()
	e.stick = command.VirtualStick{}
	switch em.Action {
	case command.EmergencyHover:
		e.mode = ModeHover
	case command.EmergencyLand:
		e.mode = ModeLanding
	case command.EmergencyReturnHome:
		e.mode = ModeReturnHome
	}
	e.log.Infof("sim: %s", em)
	e.mu.Unlock()
	e.ack(packet.TypeEmergency, true)
}

func (e *Engine) ack(t packet.Type, positive bool) {
	e.mu.Lock()
	p := e.producer
	e.mu.Unlock()
	if p != nil {
		p.OnCommandAckNeeded(t, positive)
	}
}

// Step advances simulation by dt.
func (e *Engine) Step(dt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.flying {
		e.vn, e.ve, e.vd = 0, 0, 0
		e.pitch, e.roll = 0, 0
		return
	}
	sec := dt.Seconds()
	e.battery = math.Max(0, e.battery-batteryDrain*sec)

	switch e.mode {
	case ModeManual:
		yawRad := e.yaw * math.Pi / 180
		fwd, right := float64(e.stick.Pitch)*maxHorizSpeed, float64(e.stick.Roll)*maxHorizSpeed
		e.vn = fwd*math.Cos(yawRad) - right*math.Sin(yawRad)
		e.ve = fwd*math.Sin(yawRad) + right*math.Cos(yawRad)
		e.vd = -float64(e.stick.Throttle) * maxVertSpeed
		e.yaw = normYaw(e.yaw + float64(e.stick.Yaw)*maxYawRate*sec)
		e.pitch = -float64(e.stick.Pitch) * 20
		e.roll = float64(e.stick.Roll) * 20
	case ModeMission:
		wps := e.mission.Waypoints
		if e.wp >= len(wps) {
			e.mode = ModeHover
			e.log.Infof("sim: %s complete", e.mission)
			break
		}
		w := wps[e.wp]
		if e.flyTo(w.Latitude, w.Longitude, e.opt.HomeAltitude+float64(w.Altitude), sec) {
			e.wp++
		}
	case ModeReturnHome:
		if e.flyTo(e.opt.HomeLatitude, e.opt.HomeLongitude, e.alt, sec) {
			e.mode = ModeLanding
		}
	case ModeLanding:
		e.vn, e.ve, e.vd = 0, 0, landSpeed
	default:
		e.vn, e.ve, e.vd = 0, 0, 0
		e.pitch, e.roll = 0, 0
	}

	e.lat += e.vn * sec / metersPerDegree
	e.lon += e.ve * sec / (metersPerDegree * math.Cos(e.lat*math.Pi/180))
	e.alt -= e.vd * sec
	e.hag -= e.vd * sec
	if e.hag <= 0 {
		e.alt += -e.hag
		e.hag = 0
		if e.vd > 0 {
			e.flying = false
			e.vn, e.ve, e.vd = 0, 0, 0
			e.pitch, e.roll = 0, 0
			e.mode = ModeHover
			e.log.Infof("sim: landed")
		}
	}
}

// flyTo sets velocity towards target, returns true when arrived.
func (e *Engine) flyTo(lat, lon, alt, sec float64) bool {
	dn := (lat - e.lat) * metersPerDegree
	de := (lon - e.lon) * metersPerDegree * math.Cos(e.lat*math.Pi/180)
	du := alt - e.alt
	dist := math.Sqrt(dn*dn + de*de + du*du)
	if dist < arriveRadius {
		e.vn, e.ve, e.vd = 0, 0, 0
		return true
	}
	speed := math.Min(missionSpeed, dist/sec)
	e.vn, e.ve, e.vd = dn/dist*speed, de/dist*speed, -du/dist*speed
	if dn != 0 || de != 0 {
		e.yaw = math.Atan2(de, dn) * 180 / math.Pi
	}
	e.pitch, e.roll = -10, 0
	return false
}

func normYaw(y float64) float64 {
	for y > 180 {
		y -= 360
	}
	for y <= -180 {
		y += 360
	}
	return y
}
