package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/dronelink/dronelink/cmd/dronelink/subcmd"
	"github.com/dronelink/dronelink/config"
	"github.com/dronelink/dronelink/helpers/cli"
	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/metrics"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station"
	"github.com/dronelink/dronelink/station/httpapi"
	"github.com/dronelink/dronelink/station/mirror"
	"github.com/dronelink/dronelink/station/recorder"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func stationCmd(flags *subcmd.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "station",
		Short: "Run ground station accepting vehicle connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := subcmd.Setup(*flags)
			if err != nil {
				return err
			}
			ctx, cancel := subcmd.SignalContext(cmd.Context())
			defer cancel()
			return runStation(ctx, cancel, env)
		},
	}
}

// senderFunc lets mirror reach server created after it.
type senderFunc func(context.Context, *packet.Packet) error

func (f senderFunc) Send(ctx context.Context, p *packet.Packet) error { return f(ctx, p) }

type stationRig struct {
	log      *log2.Log
	hub      *station.Hub
	server   *station.Server
	recorder *recorder.Recorder
	mirror   *mirror.Mirror
	api      *httpapi.API
	registry *prometheus.Registry
}

func newStationRig(log *log2.Log, cfg *config.Config) (*stationRig, error) {
	rig := &stationRig{log: log, registry: prometheus.NewRegistry()}
	var sinks []station.EventSink
	var err error
	if cfg.Station.RecordPath != "" {
		rig.recorder, err = recorder.Open(cfg.Station.RecordPath, log.With("recorder:"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rig.recorder)
	}
	if cfg.Station.Mqtt.Broker != "" {
		rig.mirror, err = mirror.New(mirror.Options{
			Log:            log.With("mirror:"),
			Broker:         cfg.Station.Mqtt.Broker,
			Prefix:         cfg.Station.Mqtt.Prefix,
			ClientID:       cfg.Station.Mqtt.ClientID,
			Username:       cfg.Station.Mqtt.Username,
			Password:       cfg.Station.Mqtt.Password,
			NetworkTimeout: config.Millis(cfg.Link.NetworkTimeoutMs),
			Debug:          cfg.Station.Mqtt.Debug,
			Commands: senderFunc(func(ctx context.Context, p *packet.Packet) error {
				return rig.server.Send(ctx, p)
			}),
		})
		if err != nil {
			rig.close()
			return nil, err
		}
		sinks = append(sinks, rig.mirror)
	}

	rig.hub, err = station.NewHub(station.HubOptions{
		Log:         log.With("hub:"),
		PersistRoot: cfg.Station.PersistRoot,
		TextHistory: cfg.Station.TextHistory,
		Sinks:       sinks,
	})
	if err != nil {
		rig.close()
		return nil, err
	}

	tc, err := cfg.Link.TLS.ServerTLS()
	if err != nil {
		rig.close()
		return nil, err
	}
	policy, err := packet.ParsePolicy(cfg.Link.Malformed)
	if err != nil {
		rig.close()
		return nil, err
	}
	rig.server, err = station.NewServer(station.ServerOptions{
		Log:            log.With("server:"),
		Handler:        rig.hub,
		TLS:            tc,
		NetworkTimeout: config.Millis(cfg.Link.NetworkTimeoutMs),
		ReadTimeout:    config.Millis(cfg.Link.ReadTimeoutMs),
		ReadLimit:      cfg.Link.ReadLimit,
		Malformed:      policy,
	})
	if err != nil {
		rig.close()
		return nil, err
	}

	aopt := httpapi.Options{
		Log:      log.With("http:"),
		Hub:      rig.hub,
		Commands: rig.server,
		Gatherer: rig.registry,
	}
	if rig.recorder != nil {
		aopt.Recorder = rig.recorder
	}
	if rig.api, err = httpapi.New(aopt); err != nil {
		rig.close()
		return nil, err
	}
	if err = rig.register(); err != nil {
		rig.close()
		return nil, err
	}
	return rig, nil
}

func (rig *stationRig) register() error {
	reg := rig.registry
	reg.MustRegister(collectors.NewGoCollector())
	errs := []error{
		metrics.RegisterStat(reg, "station", rig.server),
		metrics.RegisterStat(reg, "station_link", rig.server.Stat()),
		metrics.RegisterStat(reg, "hub", rig.hub.Stat()),
		metrics.RegisterStat(reg, "persist", rig.hub.PersistStat()),
	}
	if rig.recorder != nil {
		errs = append(errs, metrics.RegisterStat(reg, "recorder", rig.recorder.Stat()))
	}
	if rig.mirror != nil {
		errs = append(errs, metrics.RegisterStat(reg, "mirror", rig.mirror.Stat()))
	}
	metrics.MustRegisterGauge(reg, "station", "vehicle_connected", "1 when vehicle session is active",
		metrics.BoolGauge(func() bool { return rig.server.Active() != nil }))
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// start opens listeners. Mirror connects in background.
func (rig *stationRig) start(ctx context.Context, listen []string, httpListen string) error {
	if err := rig.server.Listen(listen); err != nil {
		return err
	}
	rig.log.Infof("station listen %v", rig.server.Addrs())
	if rig.mirror != nil {
		rig.mirror.Start()
	}
	if httpListen != "" {
		l, err := net.Listen("tcp", httpListen)
		if err != nil {
			return errors.Annotate(err, "station.http_listen")
		}
		go func() {
			if err := rig.api.Serve(ctx, l); err != nil {
				rig.log.Error(err)
			}
		}()
	}
	return nil
}

// close stops inputs first so sinks see session end.
func (rig *stationRig) close() {
	if rig.server != nil {
		if err := rig.server.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "server close"))
		}
	}
	if rig.hub != nil {
		if err := rig.hub.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "hub close"))
		}
	}
	if rig.mirror != nil {
		if err := rig.mirror.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "mirror close"))
		}
	}
	if rig.recorder != nil {
		if err := rig.recorder.Close(); err != nil {
			rig.log.Error(errors.Annotate(err, "recorder close"))
		}
	}
}

func runStation(ctx context.Context, cancel context.CancelFunc, env *subcmd.Env) error {
	cfg := env.Config
	rig, err := newStationRig(env.Log, cfg)
	if err != nil {
		return err
	}
	defer rig.close()
	if err = rig.start(ctx, cfg.Station.Listen, cfg.Station.HTTPListen); err != nil {
		return err
	}
	subcmd.SdNotify(daemon.SdNotifyReady)

	if cfg.Station.Console && !env.Service {
		console := &station.Console{
			Log:    env.Log,
			Server: rig.server,
			Hub:    rig.hub,
			Out: func(format string, args ...interface{}) {
				fmt.Fprintf(os.Stdout, format+"\n", args...)
			},
		}
		exec := func(line string) { console.Exec(ctx, line) }
		if err = cli.MainLoop(ctx, "station", exec, station.Complete); err != nil {
			env.Log.Error(err)
		}
		// operator left the console
		cancel()
	}
	<-ctx.Done()
	subcmd.SdNotify(daemon.SdNotifyStopping)
	env.Log.Infof("station stopping server %s hub events=%d", rig.server.Stat(), rig.hub.Stat().Events.Value())
	return nil
}
