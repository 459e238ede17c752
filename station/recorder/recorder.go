// Package recorder keeps station events in SQLite for flight review.
package recorder

import (
	"context"
	"database/sql"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/dronelink/dronelink/station"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultWriteTimeout = 2 * time.Second
	DefaultLimit        = 1000
)

type Session struct {
	ID      string     `json:"id"`
	Remote  string     `json:"remote"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Error   string     `json:"error,omitempty"`
	Points  int        `json:"points"`
}

type TrackPoint struct {
	At time.Time `json:"at"`
	telemetry.Core
}

type Message struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subtype uint8     `json:"subtype"`
	Body    string    `json:"body"`
}

type Stat struct {
	Inserts expvar.Int
	Errors  expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("inserts=%d errors=%d", s.Inserts.Value(), s.Errors.Value())
}

// Recorder is station.EventSink writing to single SQLite file.
type Recorder struct {
	db        *sql.DB
	log       *log2.Log
	stat      Stat
	closeOnce sync.Once
	closeErr  error
}

var _ station.EventSink = (*Recorder)(nil)

func Open(path string, log *log2.Log) (*Recorder, error) {
	if path == "" {
		return nil, errors.NotValidf("recorder path empty")
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
	if err != nil {
		return nil, errors.Annotate(err, "recorder open")
	}
	// sqlite allows one writer, serialize in database/sql pool
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "recorder schema path=%s", path)
	}
	log.Debugf("recorder: open path=%s", path)
	return &Recorder{db: db, log: log}, nil
}

func (r *Recorder) Stat() *Stat { return &r.stat }

// OnEvent stores e, errors are logged and counted.
func (r *Recorder) OnEvent(e station.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()
	if err := r.Record(ctx, e); err != nil {
		r.stat.Errors.Add(1)
		r.log.Errorf("recorder: %s err=%v", e, err)
		return
	}
	r.stat.Inserts.Add(1)
}

func (r *Recorder) Record(ctx context.Context, e station.Event) error {
	at := e.At.UnixNano()
	var err error
	switch e.Kind {
	case station.EventSession:
		_, err = r.db.ExecContext(ctx, insertSessionSQL, e.Session, e.Remote, at)

	case station.EventSessionEnd:
		var errText sql.NullString
		if e.Error != "" {
			errText = sql.NullString{String: e.Error, Valid: true}
		}
		_, err = r.db.ExecContext(ctx, endSessionSQL, at, errText, e.Session)

	case station.EventCore:
		c := e.Core
		_, err = r.db.ExecContext(ctx, insertCoreSQL, e.Session, at,
			c.Flying, c.Latitude, c.Longitude, c.Altitude, c.HeightAboveGround,
			c.VelocityN, c.VelocityE, c.VelocityD, c.Yaw, c.Pitch, c.Roll)

	case station.EventExtended:
		x := e.Extended
		_, err = r.db.ExecContext(ctx, insertExtendedSQL, e.Session, at,
			x.SatelliteCount, x.SignalQuality, x.BatteryLevel, x.BatteryWarning,
			x.FlightMode, x.CameraMode, x.MissionID, x.Serial)

	case station.EventText:
		_, err = r.db.ExecContext(ctx, insertMessageSQL, e.Session, at, string(e.Kind), uint8(e.Text.Subtype), e.Text.Body)

	case station.EventAck:
		body := "negative"
		if e.Ack.Positive {
			body = "positive"
		}
		_, err = r.db.ExecContext(ctx, insertMessageSQL, e.Session, at, string(e.Kind), uint8(e.Ack.Echo), body)

	default:
		return errors.NotSupportedf("event kind=%s", e.Kind)
	}
	return errors.Annotatef(err, "record %s", e.Kind)
}

// Sessions returns most recent sessions first.
func (r *Recorder) Sessions(ctx context.Context, limit int) (sessions []Session, err error) {
	rows, err := r.db.QueryContext(ctx, selectSessionsSQL, normLimit(limit))
	if err != nil {
		return nil, errors.Annotate(err, "query sessions")
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		var errText sql.NullString
		if err = rows.Scan(&s.ID, &s.Remote, &started, &ended, &errText, &s.Points); err != nil {
			return nil, errors.Annotate(err, "scan session")
		}
		s.Started = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.Ended = &t
		}
		s.Error = errText.String
		sessions = append(sessions, s)
	}
	return sessions, errors.Annotate(rows.Err(), "sessions")
}

// Track returns core telemetry of session in time order.
func (r *Recorder) Track(ctx context.Context, session string, limit int) (track []TrackPoint, err error) {
	rows, err := r.db.QueryContext(ctx, selectTrackSQL, session, normLimit(limit))
	if err != nil {
		return nil, errors.Annotate(err, "query track")
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var p TrackPoint
		var at int64
		if err = rows.Scan(&at, &p.Flying, &p.Latitude, &p.Longitude, &p.Altitude, &p.HeightAboveGround,
			&p.VelocityN, &p.VelocityE, &p.VelocityD, &p.Yaw, &p.Pitch, &p.Roll); err != nil {
			return nil, errors.Annotate(err, "scan track")
		}
		p.At = time.Unix(0, at)
		track = append(track, p)
	}
	return track, errors.Annotate(rows.Err(), "track")
}

// Messages returns text and ack log of session in time order.
func (r *Recorder) Messages(ctx context.Context, session string, limit int) (msgs []Message, err error) {
	rows, err := r.db.QueryContext(ctx, selectMessagesSQL, session, normLimit(limit))
	if err != nil {
		return nil, errors.Annotate(err, "query messages")
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var m Message
		var at int64
		if err = rows.Scan(&at, &m.Kind, &m.Subtype, &m.Body); err != nil {
			return nil, errors.Annotate(err, "scan message")
		}
		m.At = time.Unix(0, at)
		msgs = append(msgs, m)
	}
	return msgs, errors.Annotate(rows.Err(), "messages")
}

func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.log.Debugf("recorder: close stat %s", r.stat.String())
		r.closeErr = r.db.Close()
	})
	return r.closeErr
}

func normLimit(n int) int {
	if n <= 0 || n > DefaultLimit {
		return DefaultLimit
	}
	return n
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
