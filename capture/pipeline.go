// Package capture turns microphone audio into fixed-size PCM16 frames ready
// for the wire.
package capture

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/room4-2/converse-live/audio"
)

// Microphone is a source of live audio.
type Microphone interface {
	// Acquire opens the device. It fails with audio.ErrPermissionDenied or
	// audio.ErrDeviceNotFound (possibly wrapped) when the device is unusable.
	Acquire(format audio.Format) (MicStream, error)
}

// MicStream is an open microphone. Blocks delivers float samples in [-1, 1],
// format.BlockSize at a time, and is closed when the device stops.
type MicStream interface {
	Blocks() <-chan []float32
	Close() error
}

// Sink receives converted frames. It is called from the pipeline's worker
// goroutine and must return without blocking.
type Sink func(frame audio.Frame)

// Pipeline converts microphone blocks to PCM16 frames and hands them to a
// sink in arrival order.
type Pipeline struct {
	mic    Microphone
	sink   Sink
	format audio.Format

	mu     sync.Mutex
	stream MicStream
	stop   chan struct{}
	done   chan struct{}

	frames atomic.Int64
}

// NewPipeline creates an inactive pipeline for the fixed input format.
func NewPipeline(mic Microphone, sink Sink) *Pipeline {
	return &Pipeline{
		mic:    mic,
		sink:   sink,
		format: audio.InputFormat,
	}
}

// Start acquires the microphone and starts converting. Calling Start on an
// active pipeline does nothing. On failure the pipeline stays inactive and
// the error is an *audio.AcquisitionError.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return nil
	}
	if p.mic == nil {
		return &audio.AcquisitionError{Device: "microphone", Err: audio.ErrDeviceNotFound}
	}

	stream, err := p.mic.Acquire(p.format)
	if err != nil {
		var acq *audio.AcquisitionError
		if errors.As(err, &acq) {
			return err
		}
		return &audio.AcquisitionError{Device: "microphone", Err: err}
	}

	p.stream = stream
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(stream.Blocks(), p.stop, p.done)

	log.Printf("🎤 Microphone started (%d Hz, %d-sample blocks)", p.format.SampleRate, p.format.BlockSize)
	return nil
}

func (p *Pipeline) run(blocks <-chan []float32, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			frame := audio.Frame{Data: audio.FloatToPCM16(block), SampleRate: p.format.SampleRate}
			p.frames.Add(1)
			if p.sink != nil {
				p.sink(frame)
			}
		}
	}
}

// Stop releases the microphone. It is idempotent, and no frame reaches the
// sink after it returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return
	}
	close(p.stop)
	if err := p.stream.Close(); err != nil {
		log.Printf("⚠️ Microphone close: %v", err)
	}
	<-p.done

	p.stream = nil
	p.stop = nil
	p.done = nil
	log.Println("🎤 Microphone stopped")
}

// Active reports whether the microphone is held.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Frames returns the number of frames emitted since creation.
func (p *Pipeline) Frames() int64 {
	return p.frames.Load()
}
