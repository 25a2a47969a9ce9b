package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// InputSampleRate is the rate of microphone audio sent upstream.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech received from upstream.
	OutputSampleRate = 24000
	// Channels is fixed to mono in both directions.
	Channels = 1
	// BlockSize is the number of samples in one outbound network message.
	BlockSize = 4096
)

// Format describes the sample rate, channel count and block size requested
// from a capture device.
type Format struct {
	SampleRate int
	Channels   int
	BlockSize  int
}

// InputFormat is the format the capture pipeline requests from the microphone.
var InputFormat = Format{SampleRate: InputSampleRate, Channels: Channels, BlockSize: BlockSize}

// Frame is a buffer of 16-bit signed little-endian mono PCM tagged with its
// sample rate. Frames are not modified after creation.
type Frame struct {
	Data       []byte
	SampleRate int
}

// Samples returns the number of samples held by the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return Duration(f.Samples(), f.SampleRate)
}

// Duration converts a sample count at the given rate to wall time.
func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// SampleCount converts wall time to the nearest whole sample at the given
// rate. It inverts Duration exactly, which truncates to the nanosecond.
func SampleCount(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(sampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// FloatToPCM16 converts samples in [-1, 1] to 16-bit little-endian PCM.
// Values are clamped first, then scaled asymmetrically so that -1 maps to
// -32768 and 1 maps to 32767. NaN is treated as silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, x := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(x)))
	}
	return out
}

func floatToInt16(x float32) int16 {
	v := float64(x)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// PCM16ToFloat decodes little-endian 16-bit PCM to floating point samples
// using f = i16/32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
