package capture_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-live/audio"
	"github.com/room4-2/converse-live/capture"
)

// fakeMic hands out streams whose blocks the test pushes by hand.
type fakeMic struct {
	mu       sync.Mutex
	err      error
	acquired int
	format   audio.Format
	streams  []*fakeStream
}

func (m *fakeMic) Acquire(format audio.Format) (capture.MicStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	m.format = format
	s := &fakeStream{blocks: make(chan []float32, 16)}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMic) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

type fakeStream struct {
	blocks chan []float32
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Blocks() <-chan []float32 { return s.blocks }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type frameSink struct {
	frames chan audio.Frame
}

func newFrameSink() *frameSink {
	return &frameSink{frames: make(chan audio.Frame, 16)}
}

func (s *frameSink) sink(f audio.Frame) {
	select {
	case s.frames <- f:
	default:
	}
}

func (s *frameSink) next(t *testing.T) audio.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame emitted")
		return audio.Frame{}
	}
}

func TestPipeline_ConvertsBlocksInOrder(t *testing.T) {
	mic := &fakeMic{}
	out := newFrameSink()
	p := capture.NewPipeline(mic, out.sink)

	require.NoError(t, p.Start())
	defer p.Stop()
	assert.True(t, p.Active())
	assert.Equal(t, audio.InputFormat, mic.format)

	stream := mic.last()
	stream.blocks <- []float32{-1, 1, 0}
	stream.blocks <- []float32{0.5}

	first := out.next(t)
	require.Len(t, first.Data, 6)
	assert.Equal(t, audio.InputSampleRate, first.SampleRate)
	assert.Equal(t, int16(-32768), int16(binary.LittleEndian.Uint16(first.Data[0:])))
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(first.Data[2:])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(first.Data[4:])))

	second := out.next(t)
	assert.Len(t, second.Data, 2)
	assert.Equal(t, int64(2), p.Frames())
}

func TestPipeline_FullBlockSize(t *testing.T) {
	mic := &fakeMic{}
	out := newFrameSink()
	p := capture.NewPipeline(mic, out.sink)
	require.NoError(t, p.Start())
	defer p.Stop()

	mic.last().blocks <- make([]float32, audio.BlockSize)
	assert.Len(t, out.next(t).Data, 2*audio.BlockSize)
}

func TestPipeline_AcquisitionFailureLeavesInactive(t *testing.T) {
	mic := &fakeMic{err: audio.ErrPermissionDenied}
	p := capture.NewPipeline(mic, nil)

	err := p.Start()
	require.Error(t, err)
	var acq *audio.AcquisitionError
	require.True(t, errors.As(err, &acq))
	assert.Equal(t, "microphone", acq.Device)
	assert.ErrorIs(t, err, audio.ErrPermissionDenied)
	assert.False(t, p.Active())

	p.Stop() // never acquired
}

func TestPipeline_NilMicrophone(t *testing.T) {
	p := capture.NewPipeline(nil, nil)
	err := p.Start()
	assert.ErrorIs(t, err, audio.ErrDeviceNotFound)
	assert.False(t, p.Active())
}

func TestPipeline_StartTwiceHoldsOneHandle(t *testing.T) {
	mic := &fakeMic{}
	p := capture.NewPipeline(mic, nil)
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	defer p.Stop()
	assert.Equal(t, 1, mic.acquired)
}

func TestPipeline_StopIsIdempotentAndFinal(t *testing.T) {
	mic := &fakeMic{}
	out := newFrameSink()
	p := capture.NewPipeline(mic, out.sink)
	require.NoError(t, p.Start())
	stream := mic.last()

	p.Stop()
	p.Stop()
	assert.False(t, p.Active())
	assert.Equal(t, 1, stream.closeCount())

	// Blocks arriving after Stop are never converted.
	stream.blocks <- []float32{0.1}
	select {
	case f := <-out.frames:
		t.Fatalf("frame emitted after stop: %v", f)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(0), p.Frames())
}

func TestPipeline_RestartAcquiresFreshHandle(t *testing.T) {
	mic := &fakeMic{}
	out := newFrameSink()
	p := capture.NewPipeline(mic, out.sink)

	require.NoError(t, p.Start())
	p.Stop()
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Equal(t, 2, mic.acquired)
	mic.last().blocks <- []float32{0}
	assert.Len(t, out.next(t).Data, 2)
}

func TestPipeline_StreamEndStopsWorker(t *testing.T) {
	mic := &fakeMic{}
	p := capture.NewPipeline(mic, nil)
	require.NoError(t, p.Start())

	close(mic.last().blocks)
	// Stop must still return promptly after the device went away.
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop hung after stream end")
	}
}
