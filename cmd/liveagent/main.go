// Command liveagent is a terminal client for the relay: it streams the
// microphone and camera, plays the assistant's speech and prints the
// transcript.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/room4-2/converse-live/capture"
	"github.com/room4-2/converse-live/config"
	"github.com/room4-2/converse-live/connection"
	"github.com/room4-2/converse-live/controller"
	"github.com/room4-2/converse-live/pacer"
	"github.com/room4-2/converse-live/playback"
)

const usage = `Commands:
  /mic            toggle the microphone
  /cam            toggle the camera
  /start [preset] start a new session
  /end            end the session
  /quit           exit
Anything else is sent as a text message.`

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverURL := flag.String("server", cfg.ServerURL, "relay WebSocket endpoint")
	preset := flag.String("preset", cfg.Preset, "assistant preset")
	handshake := flag.Duration("handshake-timeout", 10*time.Second, "limit on the WebSocket opening handshake")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := connection.NewManager(connection.Options{
		BaseURL:          *serverURL,
		HandshakeTimeout: *handshake,
	})
	defer link.Close()

	ctrl := controller.New(link, devices(cfg), controller.Options{})
	go printNotifications(ctrl.Notifications())

	log.Printf("🔌 Connecting to %s...", *serverURL)
	if err := ctrl.Start(ctx, *preset); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	fmt.Println(usage)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			log.Println("\n👋 Interrupted, closing...")
			ctrl.End()
			return
		case line, ok := <-lines:
			if !ok || !handleLine(ctx, ctrl, *preset, line) {
				ctrl.End()
				return
			}
		}
	}
}

// devices wires the core to sox and ffmpeg, honouring command overrides.
func devices(cfg *config.ClientConfig) controller.Devices {
	mic := capture.NewSoxMicrophone()
	if len(cfg.MicCommand) > 0 {
		mic = &capture.CommandMicrophone{Command: cfg.MicCommand[0], Args: cfg.MicCommand[1:]}
	}
	out := playback.NewSoxOutput()
	if len(cfg.SpeakerCommand) > 0 {
		out = &playback.CommandOutput{Command: cfg.SpeakerCommand[0], Args: cfg.SpeakerCommand[1:]}
	}
	return controller.Devices{
		Microphone: mic,
		Camera:     &pacer.FFmpegCamera{Device: cfg.CameraDevice},
		Output:     out,
		Frames:     pacer.Options{Interval: cfg.FrameInterval, Quality: cfg.JPEGQuality},
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one command and reports whether the client should keep
// going.
func handleLine(ctx context.Context, ctrl *controller.Controller, defaultPreset, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "/quit":
		return false
	case "/end":
		ctrl.End()
	case "/start":
		preset := defaultPreset
		if len(fields) > 1 {
			preset = fields[1]
		}
		if err := ctrl.Start(ctx, preset); err != nil {
			log.Printf("❌ Start: %v", err)
		}
	case "/mic":
		on, err := ctrl.ToggleMic()
		report("🎤 Microphone", on, err)
	case "/cam":
		on, err := ctrl.ToggleCamera()
		report("📷 Camera", on, err)
	case "/help":
		fmt.Println(usage)
	default:
		if err := ctrl.SendText(line); err != nil {
			if errors.Is(err, controller.ErrNotReady) {
				log.Println("⏳ Session is not ready yet")
			} else {
				log.Printf("❌ Send: %v", err)
			}
		}
	}
	return true
}

func report(what string, on bool, err error) {
	switch {
	case err != nil:
		log.Printf("❌ %s: %v", what, err)
	case on:
		log.Printf("%s on", what)
	default:
		log.Printf("%s off", what)
	}
}

func printNotifications(notes <-chan controller.Notification) {
	for n := range notes {
		switch n := n.(type) {
		case controller.StatusChanged:
			if n.Err != nil {
				log.Printf("📊 Status: %s (%v)", n.State, n.Err)
				continue
			}
			if n.Ready {
				log.Printf("✅ Ready: %s (session %s)", n.Agent, n.SessionID)
				continue
			}
			log.Printf("📊 Status: %s", n.State)
		case controller.TranscriptEntryAdded:
			fmt.Printf("%s: %s\n", n.Role, n.Text)
		case controller.AudioActivityChanged:
			if n.Playing {
				log.Println("🔊 Speaking...")
			}
		case controller.SessionEnded:
			log.Printf("--- Session %s ended ---", n.SessionID)
		}
	}
}
