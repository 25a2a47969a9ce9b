// Package playback schedules inbound speech audio for gapless, strictly
// sequential output and supports dropping everything queued on barge-in.
package playback

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/room4-2/converse-live/audio"
)

// Output opens playback devices.
type Output interface {
	Open(sampleRate int) (Device, error)
}

// Device is one output context with its own clock, starting at zero when it
// is opened. Implementations must not call ended from inside Schedule.
type Device interface {
	// Now returns the device clock.
	Now() time.Duration
	// Schedule queues samples to start at the given device time and calls
	// ended once they have finished playing.
	Schedule(at time.Duration, samples []float32, ended func())
	// Close stops output immediately, discarding anything not yet played.
	Close() error
}

// Scheduler places each chunk directly after the previous one on the device
// clock, so units play in arrival order and never overlap.
type Scheduler struct {
	output Output
	rate   int

	mu         sync.Mutex
	device     Device
	end        int64 // sample position where the last unit ends
	epoch      uint64
	active     int
	onActivity func(playing bool)
}

// NewScheduler creates a scheduler for the fixed output rate. No device is
// opened until the first chunk arrives.
func NewScheduler(output Output) *Scheduler {
	return &Scheduler{output: output, rate: audio.OutputSampleRate}
}

// OnActivity registers a callback fired when output starts (true) or goes
// idle (false). It runs with the scheduler locked and must not call back
// into it.
func (s *Scheduler) OnActivity(fn func(playing bool)) {
	s.mu.Lock()
	s.onActivity = fn
	s.mu.Unlock()
}

// PlayChunk decodes one PCM16 chunk and schedules it at max(now, cursor).
// It returns the scheduled start time on the device clock. Empty chunks are
// ignored.
func (s *Scheduler) PlayChunk(pcm []byte) (time.Duration, error) {
	samples := audio.PCM16ToFloat(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(samples) == 0 {
		return audio.Duration(int(s.end), s.rate), nil
	}

	if s.device == nil {
		if s.output == nil {
			return 0, fmt.Errorf("open playback device: no output configured")
		}
		dev, err := s.output.Open(s.rate)
		if err != nil {
			return 0, fmt.Errorf("open playback device: %w", err)
		}
		s.device = dev
	}

	// Positions are kept in whole samples so rounding never lets a unit
	// start inside its predecessor.
	pos := max(audio.SampleCount(s.device.Now(), s.rate), s.end)
	s.end = pos + int64(len(samples))
	start := audio.Duration(int(pos), s.rate)

	epoch := s.epoch
	s.active++
	if s.active == 1 && s.onActivity != nil {
		s.onActivity(true)
	}
	s.device.Schedule(start, samples, func() { s.unitEnded(epoch) })
	return start, nil
}

func (s *Scheduler) unitEnded(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.active == 0 {
		return
	}
	s.active--
	if s.active == 0 && s.onActivity != nil {
		s.onActivity(false)
	}
}

// Flush tears down the device, dropping every unit not yet played, and
// resets the cursor. The next PlayChunk opens a fresh device. Flush is safe
// to call at any time.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.epoch++
	s.end = 0
	dev := s.device
	s.device = nil
	if s.active > 0 {
		s.active = 0
		if s.onActivity != nil {
			s.onActivity(false)
		}
	}
	s.mu.Unlock()

	// The device may be delivering an ended callback that needs s.mu.
	if dev != nil {
		if err := dev.Close(); err != nil {
			log.Printf("⚠️ Playback device close: %v", err)
		}
	}
}

// Cursor returns the end time of the last scheduled unit on the current
// device clock, or zero after a flush.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Duration(int(s.end), s.rate)
}

// Playing reports whether any scheduled unit has not finished yet.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active > 0
}
