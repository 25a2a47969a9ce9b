// Package pacer samples the camera on a fixed cadence and hands each frame
// on as a JPEG.
package pacer

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/room4-2/converse-live/audio"
)

const (
	DefaultInterval = time.Second
	DefaultWidth    = 640
	DefaultHeight   = 480
	DefaultQuality  = 70
)

// Camera is a source of video frames.
type Camera interface {
	Acquire(width, height int) (VideoSource, error)
}

// VideoSource is an open camera. Frame returns false until the device has
// produced its first displayable frame.
type VideoSource interface {
	Frame() (image.Image, bool)
	Close() error
}

// Sink receives one encoded JPEG per tick. It must not block.
type Sink func(jpeg []byte)

// Options tunes the pacer. Zero values select the defaults.
type Options struct {
	Interval time.Duration
	Width    int
	Height   int
	Quality  int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Pacer captures at most one frame per interval. Ticks that find no
// displayable frame are skipped and not retried early.
type Pacer struct {
	camera Camera
	sink   Sink
	opts   Options

	mu     sync.Mutex
	source VideoSource
	stop   chan struct{}
	done   chan struct{}

	sent    atomic.Int64
	skipped atomic.Int64
}

func NewPacer(camera Camera, sink Sink, opts Options) *Pacer {
	return &Pacer{
		camera: camera,
		sink:   sink,
		opts:   opts.withDefaults(),
	}
}

// Start acquires the camera and starts the interval. Calling Start on an
// active pacer does nothing. On failure the error is an
// *audio.AcquisitionError and nothing stays acquired.
func (p *Pacer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source != nil {
		return nil
	}
	if p.camera == nil {
		return &audio.AcquisitionError{Device: "camera", Err: audio.ErrDeviceNotFound}
	}

	source, err := p.camera.Acquire(p.opts.Width, p.opts.Height)
	if err != nil {
		var acq *audio.AcquisitionError
		if errors.As(err, &acq) {
			return err
		}
		return &audio.AcquisitionError{Device: "camera", Err: err}
	}

	p.source = source
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(source, p.stop, p.done)

	log.Printf("📷 Camera started (%dx%d every %v)", p.opts.Width, p.opts.Height, p.opts.Interval)
	return nil
}

func (p *Pacer) run(source VideoSource, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, ok := p.capture(source)
			if !ok {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			p.sent.Add(1)
			if p.sink != nil {
				p.sink(data)
			}
		}
	}
}

// capture grabs and encodes the current frame. A source with nothing to
// show yet, or a frame that fails to encode, counts as a skipped tick.
func (p *Pacer) capture(source VideoSource) ([]byte, bool) {
	img, ok := source.Frame()
	if !ok || img == nil {
		p.skipped.Add(1)
		return nil, false
	}
	data, err := Encode(img, p.opts.Quality)
	if err != nil {
		log.Printf("⚠️ Camera frame encode: %v", err)
		p.skipped.Add(1)
		return nil, false
	}
	return data, true
}

// Encode compresses img as a JPEG at the given quality.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stop cancels the interval and releases the camera. It is idempotent and no
// frame reaches the sink after it returns.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		return
	}
	close(p.stop)
	<-p.done
	if err := p.source.Close(); err != nil {
		log.Printf("⚠️ Camera close: %v", err)
	}

	p.source = nil
	p.stop = nil
	p.done = nil
	log.Println("📷 Camera stopped")
}

// Active reports whether the camera is held.
func (p *Pacer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source != nil
}

// Sent returns the number of frames handed to the sink.
func (p *Pacer) Sent() int64 { return p.sent.Load() }

// Skipped returns the number of ticks that produced no frame.
func (p *Pacer) Skipped() int64 { return p.skipped.Load() }
