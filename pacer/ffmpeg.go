package pacer

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/room4-2/converse-live/audio"
)

// FFmpegCamera reads frames through ffmpeg as raw RGB24.
type FFmpegCamera struct {
	Command string // defaults to "ffmpeg"
	Format  string // input format, defaults to "v4l2"
	Device  string // input device, defaults to "/dev/video0"
}

func (c *FFmpegCamera) Acquire(width, height int) (VideoSource, error) {
	command := c.Command
	if command == "" {
		command = "ffmpeg"
	}
	format := c.Format
	if format == "" {
		format = "v4l2"
	}
	device := c.Device
	if device == "" {
		device = "/dev/video0"
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, &audio.AcquisitionError{Device: "camera", Err: fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)}
	}
	if format == "v4l2" {
		if _, err := os.Stat(device); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil, &audio.AcquisitionError{Device: "camera", Err: fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)}
			}
			return nil, &audio.AcquisitionError{Device: "camera", Err: fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)}
		}
	}

	cmd := exec.Command(path,
		"-loglevel", "error",
		"-f", format,
		"-video_size", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-i", device,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &audio.AcquisitionError{Device: "camera", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &audio.AcquisitionError{Device: "camera", Err: err}
	}

	s := &rawVideoSource{cmd: cmd, width: width, height: height}
	go s.read(stdout)
	return s, nil
}

// rawVideoSource keeps the most recent complete frame.
type rawVideoSource struct {
	cmd           *exec.Cmd
	width, height int

	mu        sync.Mutex
	latest    image.Image
	closeOnce sync.Once
}

func (s *rawVideoSource) read(r io.Reader) {
	frameSize := s.width * s.height * 3
	br := bufio.NewReaderSize(r, frameSize)
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("⚠️ Camera read: %v", err)
			}
			return
		}
		img := RGB24ToImage(buf, s.width, s.height)
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
	}
}

func (s *rawVideoSource) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

func (s *rawVideoSource) Close() error {
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

// RGB24ToImage converts packed RGB24 pixels to an RGBA image.
func RGB24ToImage(pix []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
