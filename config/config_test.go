package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dronelink/dronelink/config"
	"github.com/dronelink/dronelink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(testing.TB, *config.Config)
		expectErr string
	}
	cases := []Case{
		{"empty", map[string]string{"main.hcl": ""}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, config.DefaultURL, c.Link.URL)
			assert.Equal(t, "resync", c.Link.Malformed)
			assert.Equal(t, 640, c.Video.Width)
			assert.Equal(t, 640, c.Vehicle.CameraWidth)
			assert.Equal(t, []string{config.DefaultListen}, c.Station.Listen)
			assert.Equal(t, config.DefaultRetryBackoff, c.Link.RetryBackoff)
		}, ""},

		{"hcl", map[string]string{"main.hcl": `
log_level = "debug"
link {
	url = "tls://ground.example:7443"
	retry_interval_ms = 200
	retry_backoff = 2
	malformed = "drop"
	tls { server_name = "ground" }
}
video { width = 320 height = 240 target_fps = 10 display { enable = true device = "/dev/fb1" } }
vehicle { serial = "DL-7" stick_timeout_ms = -1 }
station {
	listen = ["tcp://:1", "unix:///run/dl.sock"]
	mqtt { broker = "tcp://mq:1883" prefix = "fleet" }
}`}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "debug", c.LogLevel)
			assert.Equal(t, "tls://ground.example:7443", c.Link.URL)
			assert.Equal(t, 200*time.Millisecond, config.Millis(c.Link.RetryIntervalMs))
			assert.Equal(t, 2.0, c.Link.RetryBackoff)
			assert.Equal(t, "drop", c.Link.Malformed)
			assert.Equal(t, "ground", c.Link.TLS.ServerName)
			assert.Equal(t, 320, c.Video.Width)
			assert.Equal(t, 10.0, c.Video.TargetFPS)
			assert.True(t, c.Video.Display.Enable)
			assert.Equal(t, "/dev/fb1", c.Video.Display.Device)
			assert.Equal(t, -1, c.Vehicle.StickTimeoutMs)
			assert.Equal(t, "DL-7", c.Vehicle.Serial)
			assert.Equal(t, []string{"tcp://:1", "unix:///run/dl.sock"}, c.Station.Listen)
			assert.Equal(t, "fleet", c.Station.Mqtt.Prefix)
		}, ""},

		{"yaml", map[string]string{"main.yaml": `
link:
  url: unix:///tmp/dl.sock
  read_limit: 1024
station:
  http_listen: ":8080"
  console: true
`}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "unix:///tmp/dl.sock", c.Link.URL)
			assert.Equal(t, 1024, c.Link.ReadLimit)
			assert.Equal(t, ":8080", c.Station.HTTPListen)
			assert.True(t, c.Station.Console)
		}, ""},

		{"include", map[string]string{
			"main.hcl":      `include "base.yml" {} include "local.hcl" { optional = true } include "missing.hcl" { optional = true }`,
			"base.yml":      "vehicle:\n  serial: BASE\n  camera_fps: 5\n",
			"local.hcl":     `vehicle { serial = "LOCAL" }`,
			"unrelated.hcl": `garbage {`,
		}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "LOCAL", c.Vehicle.Serial)
			assert.Equal(t, 5.0, c.Vehicle.CameraFPS)
		}, ""},

		{"include-required", map[string]string{"main.hcl": `include "nope.hcl" {}`}, nil,
			"config required name=nope.hcl path=nope.hcl not found"},

		{"include-loop", map[string]string{"main.hcl": `include "main.hcl" {}`}, nil,
			"config include loop: from=main.hcl include=main.hcl"},

		{"syntax", map[string]string{"main.hcl": `link {`}, nil, "config unmarshal source=main.hcl"},

		{"invalid", map[string]string{"main.hcl": `
log_level = "loud"
link { url = "http://x" malformed = "ignore" retry_backoff = 0.5 }
video { width = 33 scaler = "magic" }
station { listen = ["tcp://"] }
`}, nil, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			main := "main.hcl"
			if _, ok := c.sources["main.yaml"]; ok {
				main = "main.yaml"
			}
			cfg, err := config.Read(log, config.MapFiles(c.sources), main)
			if c.name == "invalid" {
				require.Error(t, err)
				msg := err.Error()
				for _, field := range []string{"log_level", "link.url", "link.malformed", "link.retry_backoff", "video size", "video.scaler", "station.listen"} {
					assert.Contains(t, msg, field+":")
				}
				return
			}
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dronelink.hcl"), []byte(`include "extra.yaml" {}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte("station:\n  record_path: flights.db\n"), 0o644))

	c, err := config.ReadFile(log, filepath.Join(dir, "dronelink.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "flights.db", c.Station.RecordPath)

	c, err = config.ReadFile(log, "")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultURL, c.Link.URL)

	_, err = config.ReadFile(log, filepath.Join(dir, "absent.hcl"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"), err.Error())
}

func TestTLS(t *testing.T) {
	t.Parallel()
	l := config.Link{URL: "tcp://x:1"}
	tc, err := l.ClientTLS()
	assert.NoError(t, err)
	assert.Nil(t, tc)

	l = config.Link{URL: "tls://x:1", TLS: config.TLS{ServerName: "x"}}
	tc, err = l.ClientTLS()
	require.NoError(t, err)
	assert.Equal(t, "x", tc.ServerName)

	l.TLS.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = l.ClientTLS()
	assert.Error(t, err)

	tc, err = (&config.TLS{}).ServerTLS()
	assert.NoError(t, err)
	assert.Nil(t, tc)
}
