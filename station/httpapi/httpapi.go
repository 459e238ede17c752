// Package httpapi serves station state, flight records, operator commands,
// live event stream and metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/station"
	"github.com/dronelink/dronelink/station/recorder"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	maxCommandBody        = 4096
	wsWriteTimeout        = 5 * time.Second
	wsPingInterval        = 30 * time.Second
	wsBuffer              = 256
)

type Sender interface {
	Send(context.Context, *packet.Packet) error
}

type Recorder interface {
	Sessions(ctx context.Context, limit int) ([]recorder.Session, error)
	Track(ctx context.Context, session string, limit int) ([]recorder.TrackPoint, error)
	Messages(ctx context.Context, session string, limit int) ([]recorder.Message, error)
}

type Options struct {
	Log            *log2.Log
	Hub            *station.Hub
	Commands       Sender
	Recorder       Recorder // nil disables /api/sessions
	Gatherer       prometheus.Gatherer
	CommandTimeout time.Duration
}

type API struct {
	log      *log2.Log
	opt      Options
	router   chi.Router
	upgrader websocket.Upgrader
}

func New(opt Options) (*API, error) {
	if opt.Hub == nil {
		return nil, errors.NotValidf("code error httpapi Hub=nil")
	}
	if opt.Gatherer == nil {
		opt.Gatherer = prometheus.DefaultGatherer
	}
	if opt.CommandTimeout <= 0 {
		opt.CommandTimeout = DefaultCommandTimeout
	}
	a := &API{
		log: opt.Log,
		opt: opt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequest)
	r.Get("/health", a.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", a.state)
		r.Post("/command", a.command)
		r.Get("/sessions", a.sessions)
		r.Get("/sessions/{id}/track", a.track)
		r.Get("/sessions/{id}/messages", a.messages)
	})
	r.Get("/ws", a.ws)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opt.Gatherer, promhttp.HandlerOpts{}))
	a.router = r
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

// Serve runs HTTP server on listener until ctx is done.
func (a *API) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	a.log.Infof("httpapi: listen %s", l.Addr())
	err := srv.Serve(l)
	if err == http.ErrServerClosed {
		<-done
		return nil
	}
	return errors.Annotate(err, "httpapi serve")
}

func (a *API) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		tbegin := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debugf("httpapi: %s %s status=%d duration=%v", r.Method, r.URL.Path, ww.Status(), time.Since(tbegin))
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"vehicle": a.opt.Hub.Snapshot().Connected,
	})
}

func (a *API) state(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.opt.Hub.Snapshot())
}

type commandRequest struct {
	Line string `json:"line"`
}

type commandResponse struct {
	Sent string `json:"sent"`
}

// command accepts console syntax as text/plain or {"line": "..."}.
func (a *API) command(w http.ResponseWriter, r *http.Request) {
	if a.opt.Commands == nil {
		a.writeError(w, http.StatusServiceUnavailable, errors.NotSupportedf("commands"))
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	line := string(b)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req commandRequest
		if err = json.Unmarshal(b, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, errors.Annotate(err, "command json"))
			return
		}
		line = req.Line
	}
	p, err := station.ParseCommand(line)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opt.CommandTimeout)
	defer cancel()
	if err = a.opt.Commands.Send(ctx, p); err != nil {
		status := http.StatusBadGateway
		if errors.Cause(err) == station.ErrNoVehicle {
			status = http.StatusServiceUnavailable
		}
		a.writeError(w, status, err)
		return
	}
	a.writeJSON(w, http.StatusOK, commandResponse{Sent: p.String()})
}

func (a *API) sessions(w http.ResponseWriter, r *http.Request) {
	if a.opt.Recorder == nil {
		a.writeError(w, http.StatusNotFound, errors.NotFoundf("recorder"))
		return
	}
	list, err := a.opt.Recorder.Sessions(r.Context(), queryLimit(r))
	a.writeResult(w, list, err)
}

func (a *API) track(w http.ResponseWriter, r *http.Request) {
	if a.opt.Recorder == nil {
		a.writeError(w, http.StatusNotFound, errors.NotFoundf("recorder"))
		return
	}
	track, err := a.opt.Recorder.Track(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	a.writeResult(w, track, err)
}

func (a *API) messages(w http.ResponseWriter, r *http.Request) {
	if a.opt.Recorder == nil {
		a.writeError(w, http.StatusNotFound, errors.NotFoundf("recorder"))
		return
	}
	msgs, err := a.opt.Recorder.Messages(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	a.writeResult(w, msgs, err)
}

// wsHello is first message on /ws, followed by station.Event stream.
type wsHello struct {
	Kind  string        `json:"kind"`
	State station.State `json:"state"`
}

func (a *API) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied
		a.log.Debugf("httpapi: ws upgrade err=%v", err)
		return
	}
	defer conn.Close()
	events, cancel := a.opt.Hub.Subscribe(wsBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.log.Debugf("httpapi: ws read err=%v", err)
				}
				return
			}
		}
	}()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err = write(wsHello{Kind: "state", State: a.opt.Hub.Snapshot()}); err != nil {
		return
	}
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "station stopping"), time.Now().Add(wsWriteTimeout))
				return
			}
			if err = write(e); err != nil {
				a.log.Debugf("httpapi: ws write err=%v", err)
				return
			}
		case <-ping.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) writeResult(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		a.log.Errorf("httpapi: %v", err)
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debugf("httpapi: write response err=%v", err)
	}
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
