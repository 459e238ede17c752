package station

import (
	"context"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/juju/errors"
)

var consoleSuggests = []prompt.Suggest{
	{Text: "text", Description: "text <message> send operator message"},
	{Text: "stick", Description: "stick <pitch> <roll> <yaw> <throttle> each in -1..1"},
	{Text: "hover", Description: "emergency hover"},
	{Text: "land", Description: "emergency land"},
	{Text: "home", Description: "emergency return home"},
	{Text: "photo", Description: "photo [gimbal_pitch]"},
	{Text: "record", Description: "record start|stop"},
	{Text: "mode", Description: "mode <camera_mode>"},
	{Text: "mission", Description: "mission <id> <lat,lon,alt>..."},
	{Text: "state", Description: "print last telemetry"},
	{Text: "help", Description: "list commands"},
}

// ParseCommand converts console syntax into outbound packet.
func ParseCommand(line string) (*packet.Packet, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.NotValidf("empty command")
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]
	var p *packet.Packet
	var err error
	switch verb {
	case "text", "msg":
		body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if body == "" {
			return nil, errors.NotValidf("text without message")
		}
		p = packet.NewText(packet.TextOperator, body)

	case "stick":
		var v [4]float32
		if len(args) != 4 {
			return nil, errors.NotValidf("stick requires 4 axes, got %d", len(args))
		}
		for i, a := range args {
			if v[i], err = parseFloat32(a); err != nil {
				return nil, errors.Annotatef(err, "stick axis %d", i+1)
			}
		}
		stick := command.VirtualStick{Pitch: v[0], Roll: v[1], Yaw: v[2], Throttle: v[3]}
		if err = stick.Validate(); err != nil {
			return nil, err
		}
		p = packet.NewVirtualStick(stick)

	case "hover", "land", "home":
		action := map[string]command.EmergencyAction{
			"hover": command.EmergencyHover,
			"land":  command.EmergencyLand,
			"home":  command.EmergencyReturnHome,
		}[verb]
		if len(args) != 0 {
			return nil, errors.NotValidf("%s takes no arguments", verb)
		}
		p = packet.NewEmergency(command.Emergency{Action: action})

	case "photo", "record", "mode":
		c, err := parseCamera(verb, args)
		if err != nil {
			return nil, err
		}
		p = packet.NewCameraControl(c)

	case "mission":
		m, err := parseMission(args)
		if err != nil {
			return nil, err
		}
		p = packet.NewWaypointMission(m)

	default:
		return nil, errors.NotSupportedf("command %q", verb)
	}
	return p, nil
}

func parseCamera(verb string, args []string) (command.CameraControl, error) {
	c := command.CameraControl{}
	switch verb {
	case "photo":
		c.Action = command.CameraShootPhoto
		if len(args) > 1 {
			return c, errors.NotValidf("photo [gimbal_pitch]")
		}
		if len(args) == 1 {
			g, err := parseFloat32(args[0])
			if err != nil {
				return c, errors.Annotate(err, "gimbal pitch")
			}
			c.GimbalPitch = g
		}
	case "record":
		if len(args) != 1 {
			return c, errors.NotValidf("record start|stop")
		}
		switch args[0] {
		case "start":
			c.Action = command.CameraRecordStart
		case "stop":
			c.Action = command.CameraRecordStop
		default:
			return c, errors.NotValidf("record %q", args[0])
		}
	case "mode":
		if len(args) != 1 {
			return c, errors.NotValidf("mode <camera_mode>")
		}
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return c, errors.Annotate(err, "camera mode")
		}
		c.Action, c.Mode = command.CameraSetMode, uint8(n)
	}
	return c, c.Validate()
}

func parseMission(args []string) (command.WaypointMission, error) {
	m := command.WaypointMission{}
	if len(args) < 2 {
		return m, errors.NotValidf("mission <id> <lat,lon,alt>...")
	}
	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return m, errors.Annotate(err, "mission id")
	}
	m.MissionID = uint16(id)
	for i, a := range args[1:] {
		parts := strings.Split(a, ",")
		if len(parts) != 3 {
			return m, errors.NotValidf("waypoint %d=%q expected lat,lon,alt", i+1, a)
		}
		var w command.Waypoint
		if w.Latitude, err = strconv.ParseFloat(parts[0], 64); err == nil {
			if w.Longitude, err = strconv.ParseFloat(parts[1], 64); err == nil {
				w.Altitude, err = parseFloat32(parts[2])
			}
		}
		if err != nil {
			return m, errors.Annotatef(err, "waypoint %d", i+1)
		}
		m.Waypoints = append(m.Waypoints, w)
	}
	return m, m.Validate()
}

func parseFloat32(s string) (float32, error) {
	f, err := strconv.ParseFloat(s, 32)
	return float32(f), err
}

// Complete suggests console commands for go-prompt.
func Complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(consoleSuggests, d.GetWordBeforeCursor(), true)
}

// Console executes operator lines against server and hub.
type Console struct {
	Log    *log2.Log
	Server interface {
		Send(context.Context, *packet.Packet) error
	}
	Hub *Hub
	Out func(format string, args ...interface{})
}

func (c *Console) Exec(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	out := c.Out
	if out == nil {
		out = c.Log.Infof
	}
	switch strings.ToLower(strings.Fields(line)[0]) {
	case "help":
		for _, s := range consoleSuggests {
			out("%-8s %s", s.Text, s.Description)
		}
		return
	case "state":
		if c.Hub == nil {
			out("no hub")
			return
		}
		st := c.Hub.Snapshot()
		out("connected=%t session=%s last_seen=%s", st.Connected, st.Session, st.LastSeen.Format("15:04:05.000"))
		if st.Core != nil {
			out("%s", st.Core)
		}
		if st.Extended != nil {
			out("%s", st.Extended)
		}
		return
	}
	p, err := ParseCommand(line)
	if err != nil {
		out("error: %v", err)
		return
	}
	if err = c.Server.Send(ctx, p); err != nil {
		out("error: %v", err)
		return
	}
	out("sent %s", p)
}
