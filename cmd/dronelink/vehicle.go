package main

import (
	"context"
	"fmt"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/dronelink/dronelink/cmd/dronelink/subcmd"
	"github.com/dronelink/dronelink/config"
	"github.com/dronelink/dronelink/display"
	"github.com/dronelink/dronelink/link"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/metrics"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/sim"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/dronelink/dronelink/vehicle"
	"github.com/dronelink/dronelink/video"
	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func vehicleCmd(flags *subcmd.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicle",
		Short: "Run simulated vehicle connected to station",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := subcmd.Setup(*flags)
			if err != nil {
				return err
			}
			ctx, cancel := subcmd.SignalContext(cmd.Context())
			defer cancel()
			return runVehicle(ctx, env)
		},
	}
}

// vehicleRig is everything vehicle command runs, in start order.
type vehicleRig struct {
	log       *log2.Log
	engine    *sim.Engine
	transport *link.Transport
	pipeline  *video.Pipeline
	display   *display.Display
	surface   *vehicle.Surface
	registry  *prometheus.Registry
}

func newVehicleRig(log *log2.Log, cfg *config.Config) (*vehicleRig, error) {
	rig := &vehicleRig{log: log, registry: prometheus.NewRegistry()}
	var err error
	rig.engine, err = sim.New(sim.Options{
		Log:              log.With("sim:"),
		Serial:           cfg.Vehicle.Serial,
		HomeLatitude:     cfg.Vehicle.HomeLatitude,
		HomeLongitude:    cfg.Vehicle.HomeLongitude,
		HomeAltitude:     cfg.Vehicle.HomeAltitude,
		CoreInterval:     config.Millis(cfg.Vehicle.CoreIntervalMs),
		ExtendedInterval: config.Millis(cfg.Vehicle.ExtendedIntervalMs),
		CameraFPS:        cfg.Vehicle.CameraFPS,
		CameraWidth:      cfg.Vehicle.CameraWidth,
		CameraHeight:     cfg.Vehicle.CameraHeight,
	})
	if err != nil {
		return nil, errors.Annotate(err, "sim")
	}

	tc, err := cfg.Link.ClientTLS()
	if err != nil {
		return nil, err
	}
	policy, err := packet.ParsePolicy(cfg.Link.Malformed)
	if err != nil {
		return nil, err
	}
	rig.transport, err = link.New(link.Options{
		Log:              log.With("link:"),
		TLS:              tc,
		URL:              cfg.Link.URL,
		NetworkTimeout:   config.Millis(cfg.Link.NetworkTimeoutMs),
		RetryInterval:    config.Millis(cfg.Link.RetryIntervalMs),
		RetryBackoff:     float32(cfg.Link.RetryBackoff),
		RetryMaxInterval: config.Millis(cfg.Link.RetryMaxIntervalMs),
		RetryMax:         cfg.Link.RetryMax,
		ReadLimit:        cfg.Link.ReadLimit,
		Malformed:        policy,
		OutboxPath:       cfg.Link.OutboxPath,
		// surface is assigned before Connect
		OnState: func(s link.State) {
			if rig.surface != nil {
				rig.surface.OnLinkState(s)
			}
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "link")
	}

	vopt := video.Options{
		Log:       log.With("video:"),
		Width:     cfg.Video.Width,
		Height:    cfg.Video.Height,
		TargetFPS: cfg.Video.TargetFPS,
		Scaler:    cfg.Video.Scaler,
	}
	if cfg.Video.Overlay {
		vopt.Overlay = func() []string { return overlayLines(rig.engine.Core(), rig.engine.Extended()) }
	}
	rig.pipeline, err = video.New(vopt)
	if err != nil {
		rig.close()
		return nil, errors.Annotate(err, "video")
	}

	var consumers []vehicle.Consumer
	if cfg.Video.Display.Enable {
		rig.display, err = display.NewFb(cfg.Video.Display.Device, log.With("display:"))
		if err != nil {
			rig.close()
			return nil, err
		}
		rig.display.SetIdleQR(cfg.Link.URL)
		consumers = append(consumers, rig.display)
	}

	rig.surface, err = vehicle.New(vehicle.Options{
		Log:          log.With("vehicle:"),
		Link:         rig.transport,
		Pipeline:     rig.pipeline,
		Sink:         rig.engine,
		Consumers:    consumers,
		StickTimeout: config.Millis(cfg.Vehicle.StickTimeoutMs),
	})
	if err != nil {
		rig.close()
		return nil, errors.Annotate(err, "vehicle")
	}
	if err = rig.register(); err != nil {
		rig.close()
		return nil, err
	}
	return rig, nil
}

func (rig *vehicleRig) register() error {
	reg := rig.registry
	reg.MustRegister(collectors.NewGoCollector())
	errs := []error{
		metrics.RegisterStat(reg, "link", rig.transport.Stat()),
		metrics.RegisterStat(reg, "video", rig.pipeline.Stat()),
		metrics.RegisterStat(reg, "vehicle", rig.surface.Stat()),
	}
	if rig.display != nil {
		errs = append(errs, metrics.RegisterStat(reg, "display", rig.display.Stat()))
	}
	metrics.MustRegisterGauge(reg, "link", "connected", "1 when link is connected",
		metrics.BoolGauge(func() bool { return rig.transport.State() == link.Connected }))
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// run blocks until ctx is done.
func (rig *vehicleRig) run(ctx context.Context) error {
	state, err := rig.transport.Connect(ctx)
	if err != nil {
		// transport keeps retrying in background
		rig.log.Errorf("link connect state=%s err=%v", state, err)
	}
	rig.log.Infof("vehicle running link=%s state=%s", rig.transport.URL(), state)
	subcmd.SdNotify(daemon.SdNotifyReady)
	err = rig.engine.Run(ctx, rig.surface)
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

func (rig *vehicleRig) close() {
	if rig.surface != nil {
		rig.surface.Close()
	}
	if rig.transport != nil {
		if err := rig.transport.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "link close"))
		}
	}
	if rig.pipeline != nil {
		rig.pipeline.Close()
	}
	if rig.display != nil {
		if err := rig.display.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "display close"))
		}
	}
}

func runVehicle(ctx context.Context, env *subcmd.Env) error {
	rig, err := newVehicleRig(env.Log, env.Config)
	if err != nil {
		return err
	}
	defer rig.close()

	if addr := env.Config.Vehicle.MetricsListen; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Annotate(err, "vehicle.metrics_listen")
		}
		go serveHTTP(ctx, env.Log, l, vehicleHandler(rig.registry, rig.pipeline))
	}

	err = rig.run(ctx)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	env.Log.Infof("vehicle stopping link %s video %s", rig.transport.Stat(), rig.pipeline.Stat())
	return err
}

// vehicleHandler serves /metrics and /frame.png with the current video frame.
func vehicleHandler(g prometheus.Gatherer, pipe *video.Pipeline) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/frame.png", func(w http.ResponseWriter, req *http.Request) {
		if pipe == nil {
			http.Error(w, "video disabled", http.StatusNotFound)
			return
		}
		ref := pipe.Current()
		img := ref.Snapshot()
		if img == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Last-Modified", ref.At().UTC().Format(http.TimeFormat))
		w.Header().Set("X-Frame-Seq", strconv.FormatUint(ref.Seq(), 10))
		_ = png.Encode(w, img)
	})
	return r
}

func serveHTTP(ctx context.Context, log *log2.Log, l net.Listener, h http.Handler) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Infof("vehicle http listen %s", l.Addr())
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		log.Error(errors.Annotate(err, "vehicle http serve"))
	}
}

func overlayLines(c telemetry.Core, e telemetry.Extended) []string {
	return []string{
		fmt.Sprintf("%s MODE %d", e.Serial, e.FlightMode),
		fmt.Sprintf("ALT %.1f HAG %.1f", c.Altitude, c.HeightAboveGround),
		fmt.Sprintf("BAT %d%% SAT %d", e.BatteryLevel, e.SatelliteCount),
	}
}
