package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/room4-2/converse-live/audio"
)

// blockQueue is how many blocks may wait for the pipeline before the reader
// starts dropping them.
const blockQueue = 8

// CommandMicrophone records from an external program that writes raw 32-bit
// float little-endian mono samples to stdout, sox by default.
type CommandMicrophone struct {
	// Command is the recorder binary. Args are passed before the format
	// arguments are appended, so Args normally selects the input device.
	Command string
	Args    []string
}

// NewSoxMicrophone records from the default input device through sox.
func NewSoxMicrophone() *CommandMicrophone {
	return &CommandMicrophone{Command: "sox", Args: []string{"-q", "-d"}}
}

// Acquire starts the recorder process.
func (m *CommandMicrophone) Acquire(format audio.Format) (MicStream, error) {
	path, err := exec.LookPath(m.Command)
	if err != nil {
		return nil, &audio.AcquisitionError{Device: "microphone", Err: fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)}
	}

	args := append([]string{}, m.Args...)
	args = append(args,
		"-t", "raw",
		"-r", strconv.Itoa(format.SampleRate),
		"-e", "floating-point",
		"-b", "32",
		"-c", strconv.Itoa(format.Channels),
		"-",
	)
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &audio.AcquisitionError{Device: "microphone", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &audio.AcquisitionError{Device: "microphone", Err: fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)}
	}

	s := &processStream{
		cmd:    cmd,
		blocks: make(chan []float32, blockQueue),
	}
	go s.read(stdout, format.BlockSize)
	return s, nil
}

type processStream struct {
	cmd       *exec.Cmd
	blocks    chan []float32
	closeOnce sync.Once
	dropped   int
}

func (s *processStream) Blocks() <-chan []float32 {
	return s.blocks
}

// read slices stdout into blocks. A full queue drops the block rather than
// stalling the recorder.
func (s *processStream) read(r io.Reader, blockSize int) {
	defer close(s.blocks)

	br := bufio.NewReaderSize(r, blockSize*4)
	buf := make([]byte, blockSize*4)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("⚠️ Microphone read: %v", err)
			}
			return
		}
		block := make([]float32, blockSize)
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		select {
		case s.blocks <- block:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				log.Printf("⚠️ Microphone: dropped %d blocks (consumer too slow)", s.dropped)
			}
		}
	}
}

func (s *processStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if werr := s.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = werr
			}
		}
	})
	return err
}
