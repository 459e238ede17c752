// Package subcmd holds setup shared by dronelink commands.
package subcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/dronelink/dronelink/config"
	"github.com/dronelink/dronelink/log2"
	"github.com/juju/errors"
)

// Flags are persistent root command flags.
type Flags struct {
	Config   string
	LogLevel string // overrides config log_level when not empty
}

type Env struct {
	Log     *log2.Log
	Config  *config.Config
	Service bool // running under systemd
}

// Setup picks log flags, reads config and applies log level.
func Setup(f Flags) (*Env, error) {
	env := &Env{Log: log2.NewStderr(log2.LInfo)}
	if SdNotify("STATUS=start") {
		// systemd journal adds timestamps
		env.Service = true
		env.Log.SetFlags(log2.LServiceFlags)
	} else {
		env.Log.SetFlags(log2.LInteractiveFlags)
	}

	cfg, err := config.ReadFile(env.Log, f.Config)
	if err != nil {
		return nil, errors.Annotate(err, "config")
	}
	env.Config = cfg
	level := cfg.LogLevel
	if f.LogLevel != "" {
		level = f.LogLevel
	}
	l, err := log2.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	env.Log.SetLevel(l)
	env.Log.Debugf("config=%+v", cfg)
	return env, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// SdNotify returns false when not running under systemd.
func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Error(errors.Annotate(err, "sdnotify"))
	}
	return ok
}
