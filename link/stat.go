package link

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
	"io"

	"github.com/dronelink/dronelink/packet"
	"github.com/dustin/go-humanize"
)

type Stat struct {
	Connects      expvar.Int
	ConnectErrors expvar.Int
	Retries       expvar.Int
	Recv          Counters
	Send          Counters
	Dropped       expvar.Int // telemetry lost while disconnected or on write error
	Deferred      expvar.Int // critical packets queued for retry
	Retried       expvar.Int // deferred packets delivered
	RetryDropped  expvar.Int // deferred packets lost after retry
	Malformed     expvar.Int
	Unhandled     expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("connects=%d errors=%d retries=%d recv=%s send=%s dropped=%d deferred=%d retried=%d retry_dropped=%d malformed=%d unhandled=%d",
		s.Connects.Value(), s.ConnectErrors.Value(), s.Retries.Value(),
		s.Recv.String(), s.Send.String(),
		s.Dropped.Value(), s.Deferred.Value(), s.Retried.Value(), s.RetryDropped.Value(),
		s.Malformed.Value(), s.Unhandled.Value())
}

type Counters struct {
	Packets CountSizePair // packet count and encoded size
	Wire    CountSizePair // Wire.Size includes transport overhead estimate
}

func (c *Counters) Register(p *packet.Packet) {
	c.Packets.Count.Add(1)
	c.Packets.Size.Add(int64(p.Size()))
}

func (c *Counters) String() string {
	return fmt.Sprintf("(%d packets %s, wire %s)",
		c.Packets.Count.Value(), humanBytes(c.Packets.Size.Value()), humanBytes(c.Wire.Size.Value()))
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// wireReader counts read calls and bytes plus per call overhead into pair.
type wireReader struct {
	r        io.Reader
	pair     *CountSizePair
	overhead int64
}

func (w *wireReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.pair.Count.Add(1)
		w.pair.Size.Add(int64(n) + w.overhead)
	}
	return n, err
}

type wireWriter struct {
	w        io.Writer
	pair     *CountSizePair
	overhead int64
}

func (w *wireWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.pair.Count.Add(1)
		w.pair.Size.Add(int64(n) + w.overhead)
	}
	return n, err
}
