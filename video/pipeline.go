// Package video converts decoded camera frames into a retained RGBA buffer
// with frame rate gating and publishes it to sinks.
package video

import (
	"expvar"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dronelink/dronelink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"golang.org/x/image/draw"
)

// Sink receives published frames. Calls come from a per sink goroutine,
// a busy sink misses intermediate frames.
type Sink interface {
	OnPixelFramePublished(FrameRef)
}

type SinkFunc func(FrameRef)

func (f SinkFunc) OnPixelFramePublished(r FrameRef) { f(r) }

type Options struct {
	Log       *log2.Log
	Width     int
	Height    int
	TargetFPS float64 // 0 disables gating
	Scaler    string  // nearest, bilinear (default), catmull
	Overlay   func() []string
	Sinks     []Sink
	Now       func() time.Time
}

type Stat struct {
	Received         expvar.Int
	Skipped          expvar.Int // over target rate
	Busy             expvar.Int // back buffer still read
	Published        expvar.Int
	ConversionErrors expvar.Int
	SinkDrops        expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("received=%d skipped=%d busy=%d published=%d conversion_errors=%d sink_drops=%d",
		s.Received.Value(), s.Skipped.Value(), s.Busy.Value(), s.Published.Value(),
		s.ConversionErrors.Value(), s.SinkDrops.Value())
}

type Pipeline struct {
	mu       sync.Mutex // serializes OnFrame
	alive    *alive.Alive
	bufs     [2]PixelFrame
	front    atomic.Uint32
	interval time.Duration
	next     time.Time
	seq      uint64
	scaler   draw.Scaler
	scratch  []byte
	sinks    []*sinkWorker
	log      *log2.Log
	opt      Options
	stat     Stat
}

type sinkWorker struct {
	sink Sink
	ch   chan FrameRef
}

func ParseScaler(s string) (draw.Scaler, error) {
	switch strings.ToLower(s) {
	case "nearest":
		return draw.NearestNeighbor, nil
	case "", "bilinear":
		return draw.ApproxBiLinear, nil
	case "catmull":
		return draw.CatmullRom, nil
	}
	return nil, errors.NotValidf("video scaler=%q", s)
}

func New(opt Options) (*Pipeline, error) {
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, errors.NotValidf("config error video size=%dx%d", opt.Width, opt.Height)
	}
	if opt.TargetFPS < 0 {
		return nil, errors.NotValidf("config error video target_fps=%v", opt.TargetFPS)
	}
	scaler, err := ParseScaler(opt.Scaler)
	if err != nil {
		return nil, errors.Annotate(err, "config error")
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	p := &Pipeline{
		alive:  alive.NewAlive(),
		scaler: scaler,
		log:    opt.Log,
		opt:    opt,
	}
	if opt.TargetFPS > 0 {
		p.interval = time.Duration(float64(time.Second) / opt.TargetFPS)
	}
	rect := image.Rect(0, 0, opt.Width, opt.Height)
	for i := range p.bufs {
		p.bufs[i].img = image.NewRGBA(rect)
	}
	for _, s := range opt.Sinks {
		p.AddSink(s)
	}
	return p, nil
}

// AddSink starts delivery to s. Safe before first OnFrame only.
func (p *Pipeline) AddSink(s Sink) {
	if !p.alive.Add(1) {
		return
	}
	w := &sinkWorker{sink: s, ch: make(chan FrameRef, 1)}
	p.sinks = append(p.sinks, w)
	go p.sinkLoop(w)
}

func (p *Pipeline) Stat() *Stat { return &p.stat }

// Current returns last published frame, check Valid/View result for emptiness.
func (p *Pipeline) Current() FrameRef {
	return FrameRef{&p.bufs[p.front.Load()]}
}

// OnFrame accepts decoded frame at camera rate. Never blocks on sinks.
func (p *Pipeline) OnFrame(f *DecodedFrame) {
	p.stat.Received.Add(1)
	if !p.alive.IsRunning() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opt.Now()
	if !p.admit(now) {
		p.stat.Skipped.Add(1)
		return
	}
	backIndex := 1 - p.front.Load()
	back := &p.bufs[backIndex]
	if !back.mu.TryLock() {
		p.stat.Busy.Add(1)
		return
	}
	err := p.convert(back.img, f)
	if err == nil {
		p.seq++
		back.seq = p.seq
		back.at = now
	}
	back.mu.Unlock()
	if err != nil {
		p.stat.ConversionErrors.Add(1)
		p.log.Errorf("video: %v", err)
		return
	}

	p.front.Store(backIndex)
	p.stat.Published.Add(1)
	p.publish(FrameRef{back})
}

// admit implements drop-newest-excess gating on a fixed schedule.
// Schedule restarts when input lags more than one interval.
func (p *Pipeline) admit(now time.Time) bool {
	if p.interval == 0 {
		return true
	}
	if p.next.IsZero() || now.Sub(p.next) >= p.interval {
		p.next = now.Add(p.interval)
		return true
	}
	if now.Before(p.next) {
		return false
	}
	p.next = p.next.Add(p.interval)
	return true
}

func (p *Pipeline) convert(dst *image.RGBA, f *DecodedFrame) error {
	if dst == nil {
		return errors.New("pipeline closed")
	}
	src, err := f.ycbcr(&p.scratch)
	if err != nil {
		return err
	}
	if src.Rect.Eq(dst.Rect) {
		draw.Draw(dst, dst.Rect, src, image.Point{}, draw.Src)
	} else {
		p.scaler.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	}
	if p.opt.Overlay != nil {
		drawOverlay(dst, p.opt.Overlay())
	}
	return nil
}

func (p *Pipeline) publish(ref FrameRef) {
	for _, w := range p.sinks {
		select {
		case w.ch <- ref:
			continue
		default:
		}
		// replace stale pending frame with newer one
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- ref:
		default:
		}
		p.stat.SinkDrops.Add(1)
	}
}

func (p *Pipeline) sinkLoop(w *sinkWorker) {
	defer p.alive.Done()
	stopch := p.alive.StopChan()
	for {
		select {
		case ref := <-w.ch:
			w.sink.OnPixelFramePublished(ref)
		case <-stopch:
			return
		}
	}
}

// Close stops sink delivery and releases buffers.
func (p *Pipeline) Close() {
	p.alive.Stop()
	p.alive.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.bufs {
		b := &p.bufs[i]
		b.mu.Lock()
		b.img = nil
		b.mu.Unlock()
	}
	p.log.Debugf("video: closed stat %s", p.stat.String())
}
