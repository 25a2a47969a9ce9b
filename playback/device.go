package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/room4-2/converse-live/audio"
)

const (
	defaultLead    = 60 * time.Millisecond
	pumpInterval   = 10 * time.Millisecond
	bytesPerSample = 4
)

// CommandOutput plays through an external program reading raw 32-bit float
// little-endian mono samples on stdin, sox by default.
type CommandOutput struct {
	Command string
	// Args come before the input format arguments, OutArgs after the "-"
	// that names stdin (for sox, the output device).
	Args    []string
	OutArgs []string
	// Lead is how far ahead of the wall clock samples are rendered.
	Lead time.Duration
}

// NewSoxOutput plays through the default output device.
func NewSoxOutput() *CommandOutput {
	return &CommandOutput{Command: "sox", Args: []string{"-q"}, OutArgs: []string{"-d"}}
}

// Open starts the player process and its render pump.
func (o *CommandOutput) Open(sampleRate int) (Device, error) {
	path, err := exec.LookPath(o.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	}

	args := append([]string{}, o.Args...)
	args = append(args,
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-e", "floating-point",
		"-b", "32",
		"-c", strconv.Itoa(audio.Channels),
		"-",
	)
	args = append(args, o.OutArgs...)

	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", o.Command, err)
	}

	lead := o.Lead
	if lead <= 0 {
		lead = defaultLead
	}
	d := newStreamDevice(sampleRate, lead, stdin)
	d.cmd = cmd
	go d.pump()
	return d, nil
}

// streamDevice renders scheduled units into a byte stream in real time. Its
// clock is the render horizon: the position of the next sample written.
type streamDevice struct {
	rate   int
	lead   time.Duration
	w      io.WriteCloser
	cmd    *exec.Cmd
	opened time.Time

	mu  sync.Mutex
	mix mixer

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamDevice(rate int, lead time.Duration, w io.WriteCloser) *streamDevice {
	return &streamDevice{
		rate:   rate,
		lead:   lead,
		w:      w,
		opened: time.Now(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (d *streamDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return audio.Duration(int(d.mix.rendered), d.rate)
}

func (d *streamDevice) Schedule(at time.Duration, samples []float32, ended func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mix.schedule(d.position(at), samples, ended)
}

func (d *streamDevice) position(t time.Duration) int64 {
	return audio.SampleCount(t, d.rate)
}

func (d *streamDevice) pump() {
	defer close(d.done)

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		elapsed := time.Since(d.opened)
		d.mu.Lock()
		block := d.mix.render(d.position(elapsed + d.lead))
		ended := d.mix.finished(d.position(elapsed))
		d.mu.Unlock()

		if len(block) > 0 {
			if _, err := d.w.Write(encodeFloat32(block)); err != nil {
				select {
				case <-d.stop:
				default:
					log.Printf("❌ Playback write: %v", err)
				}
				return
			}
		}
		for _, fn := range ended {
			fn()
		}
	}
}

func encodeFloat32(samples []float32) []byte {
	buf := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(v))
	}
	return buf
}

// Close kills the player so queued audio stops at once.
func (d *streamDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		if d.cmd != nil && d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		d.w.Close()
		<-d.done
		if d.cmd != nil {
			if werr := d.cmd.Wait(); werr != nil {
				var exitErr *exec.ExitError
				if !errors.As(werr, &exitErr) {
					err = werr
				}
			}
		}
	})
	return err
}
