// Package config reads dronelink configuration from HCL or YAML files.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dronelink/dronelink/helpers"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include" yaml:"include"`

	LogLevel string  `hcl:"log_level" yaml:"log_level"`
	Link     Link    `hcl:"link" yaml:"link"`
	Video    Video   `hcl:"video" yaml:"video"`
	Vehicle  Vehicle `hcl:"vehicle" yaml:"vehicle"`
	Station  Station `hcl:"station" yaml:"station"`
}

type Source struct {
	Name     string `hcl:"name,key" yaml:"name"`
	Optional bool   `hcl:"optional" yaml:"optional"`
}

type Link struct {
	URL                string  `hcl:"url" yaml:"url"`
	NetworkTimeoutMs   int     `hcl:"network_timeout_ms" yaml:"network_timeout_ms"`
	ReadTimeoutMs      int     `hcl:"read_timeout_ms" yaml:"read_timeout_ms"`
	RetryIntervalMs    int     `hcl:"retry_interval_ms" yaml:"retry_interval_ms"`
	RetryBackoff       float64 `hcl:"retry_backoff" yaml:"retry_backoff"`
	RetryMaxIntervalMs int     `hcl:"retry_max_interval_ms" yaml:"retry_max_interval_ms"`
	RetryMax           int     `hcl:"retry_max" yaml:"retry_max"`
	Malformed          string  `hcl:"malformed" yaml:"malformed"` // resync or drop
	ReadLimit          int     `hcl:"read_limit" yaml:"read_limit"`
	OutboxPath         string  `hcl:"outbox_path" yaml:"outbox_path"`
	TLS                TLS     `hcl:"tls" yaml:"tls"`
}

type TLS struct {
	CAFile             string `hcl:"ca_file" yaml:"ca_file"`
	CertFile           string `hcl:"cert_file" yaml:"cert_file"`
	KeyFile            string `hcl:"key_file" yaml:"key_file"`
	ServerName         string `hcl:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type Video struct {
	Width     int     `hcl:"width" yaml:"width"`
	Height    int     `hcl:"height" yaml:"height"`
	TargetFPS float64 `hcl:"target_fps" yaml:"target_fps"`
	Scaler    string  `hcl:"scaler" yaml:"scaler"`
	Overlay   bool    `hcl:"overlay" yaml:"overlay"`
	Display   struct {
		Enable bool   `hcl:"enable" yaml:"enable"`
		Device string `hcl:"device" yaml:"device"`
	} `hcl:"display" yaml:"display"`
}

type Vehicle struct {
	Serial             string  `hcl:"serial" yaml:"serial"`
	CoreIntervalMs     int     `hcl:"core_interval_ms" yaml:"core_interval_ms"`
	ExtendedIntervalMs int     `hcl:"extended_interval_ms" yaml:"extended_interval_ms"`
	CameraFPS          float64 `hcl:"camera_fps" yaml:"camera_fps"`
	CameraWidth        int     `hcl:"camera_width" yaml:"camera_width"`
	CameraHeight       int     `hcl:"camera_height" yaml:"camera_height"`
	StickTimeoutMs     int     `hcl:"stick_timeout_ms" yaml:"stick_timeout_ms"` // negative disables
	HomeLatitude       float64 `hcl:"home_latitude" yaml:"home_latitude"`
	HomeLongitude      float64 `hcl:"home_longitude" yaml:"home_longitude"`
	HomeAltitude       float64 `hcl:"home_altitude" yaml:"home_altitude"`
	MetricsListen      string  `hcl:"metrics_listen" yaml:"metrics_listen"`
}

type Station struct {
	Listen      []string `hcl:"listen" yaml:"listen"`
	HTTPListen  string   `hcl:"http_listen" yaml:"http_listen"`
	RecordPath  string   `hcl:"record_path" yaml:"record_path"`
	PersistRoot string   `hcl:"persist_root" yaml:"persist_root"`
	Console     bool     `hcl:"console" yaml:"console"`
	TextHistory int      `hcl:"text_history" yaml:"text_history"`
	Mqtt        struct {
		Broker   string `hcl:"broker" yaml:"broker"`
		Prefix   string `hcl:"prefix" yaml:"prefix"`
		ClientID string `hcl:"client_id" yaml:"client_id"`
		Username string `hcl:"username" yaml:"username"`
		Password string `hcl:"password" yaml:"password"`
		Debug    bool   `hcl:"debug" yaml:"debug"`
	} `hcl:"mqtt" yaml:"mqtt"`
}

const (
	DefaultURL          = "tcp://127.0.0.1:7480"
	DefaultListen       = "tcp://:7480"
	DefaultVideoWidth   = 640
	DefaultVideoHeight  = 480
	DefaultVideoFPS     = 15
	DefaultCoreMs       = 100
	DefaultExtendedMs   = 1000
	DefaultCameraFPS    = 30
	DefaultRetryBackoff = 1.5
)

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Link.URL == "" {
		c.Link.URL = DefaultURL
	}
	if c.Link.RetryBackoff == 0 {
		c.Link.RetryBackoff = DefaultRetryBackoff
	}
	if c.Link.Malformed == "" {
		c.Link.Malformed = packet.PolicyResync.String()
	}
	if c.Video.Width == 0 {
		c.Video.Width = DefaultVideoWidth
	}
	if c.Video.Height == 0 {
		c.Video.Height = DefaultVideoHeight
	}
	if c.Video.TargetFPS == 0 {
		c.Video.TargetFPS = DefaultVideoFPS
	}
	if c.Vehicle.CoreIntervalMs == 0 {
		c.Vehicle.CoreIntervalMs = DefaultCoreMs
	}
	if c.Vehicle.ExtendedIntervalMs == 0 {
		c.Vehicle.ExtendedIntervalMs = DefaultExtendedMs
	}
	if c.Vehicle.CameraFPS == 0 {
		c.Vehicle.CameraFPS = DefaultCameraFPS
	}
	if c.Vehicle.CameraWidth == 0 {
		c.Vehicle.CameraWidth = c.Video.Width
	}
	if c.Vehicle.CameraHeight == 0 {
		c.Vehicle.CameraHeight = c.Video.Height
	}
	if c.Vehicle.Serial == "" {
		c.Vehicle.Serial = "SIM-0001"
	}
	if len(c.Station.Listen) == 0 {
		c.Station.Listen = []string{DefaultListen}
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	add := func(err error, format string, args ...interface{}) {
		if err != nil {
			errs = append(errs, errors.Annotatef(err, format, args...))
		}
	}
	_, err := log2.ParseLevel(c.LogLevel)
	add(err, "log_level")
	_, _, err = link.ParseURL(c.Link.URL)
	add(err, "link.url")
	_, err = packet.ParsePolicy(c.Link.Malformed)
	add(err, "link.malformed")
	if c.Link.RetryBackoff < 1 {
		add(errors.NotValidf("%v, must be >= 1", c.Link.RetryBackoff), "link.retry_backoff")
	}
	if c.Link.ReadLimit < 0 || c.Link.ReadLimit > packet.DefaultReadLimit {
		add(errors.NotValidf("%d, max %d", c.Link.ReadLimit, packet.DefaultReadLimit), "link.read_limit")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 || c.Video.Width%2 != 0 || c.Video.Height%2 != 0 {
		add(errors.NotValidf("%dx%d, must be positive even", c.Video.Width, c.Video.Height), "video size")
	}
	if c.Video.TargetFPS < 0 || c.Vehicle.CameraFPS < 0 {
		add(errors.NotValidf("negative fps"), "video")
	}
	switch strings.ToLower(c.Video.Scaler) {
	case "", "nearest", "bilinear", "catmull":
	default:
		add(errors.NotValidf("%q", c.Video.Scaler), "video.scaler")
	}
	if c.Video.Display.Enable && c.Video.Display.Device == "" {
		add(errors.NotValidf("empty"), "video.display.device")
	}
	if len(c.Vehicle.Serial) > 32 {
		add(errors.NotValidf("%q longer than 32", c.Vehicle.Serial), "vehicle.serial")
	}
	for _, l := range c.Station.Listen {
		_, _, err = link.ParseURL(l)
		add(err, "station.listen")
	}
	return helpers.FoldErrors(errs)
}

func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// ClientTLS returns nil when url scheme is not tls.
func (l *Link) ClientTLS() (*tls.Config, error) {
	if !strings.HasPrefix(l.URL, "tls://") {
		return nil, nil
	}
	tc := &tls.Config{ServerName: l.TLS.ServerName, InsecureSkipVerify: l.TLS.InsecureSkipVerify}
	if err := l.TLS.load(tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// ServerTLS returns nil when certificate is not configured.
func (t *TLS) ServerTLS() (*tls.Config, error) {
	if t.CertFile == "" {
		return nil, nil
	}
	tc := &tls.Config{}
	if err := t.load(tc); err != nil {
		return nil, err
	}
	if tc.RootCAs != nil {
		tc.ClientCAs, tc.RootCAs = tc.RootCAs, nil
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func (t *TLS) load(tc *tls.Config) error {
	if t.CAFile != "" {
		b, err := os.ReadFile(t.CAFile)
		if err != nil {
			return errors.Annotate(err, "tls ca_file")
		}
		tc.RootCAs = x509.NewCertPool()
		if !tc.RootCAs.AppendCertsFromPEM(b) {
			return errors.NotValidf("tls ca_file=%s without certificates", t.CAFile)
		}
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return errors.Annotate(err, "tls cert_file")
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return nil
}

func (c *Config) read(log *log2.Log, fs Files, source Source, errs *[]error) {
	norm := fs.Resolve(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.Read(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	switch strings.ToLower(filepath.Ext(source.Name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bs, c)
	default:
		err = hcl.Unmarshal(bs, c)
	}
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Resolve(include.Name)]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read merges names in order, later sources override earlier ones,
// then applies Defaults and Validate.
func Read(log *log2.Log, fs Files, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error config.Read() without names")
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.Defaults()
	return c, c.Validate()
}

// ReadFile reads path from disk, empty path gives defaults.
func ReadFile(log *log2.Log, path string) (*Config, error) {
	if path == "" {
		c := &Config{}
		c.Defaults()
		return c, c.Validate()
	}
	fs, name := OpenDir(path)
	return Read(log, fs, name)
}
