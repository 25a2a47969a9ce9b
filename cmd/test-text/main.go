package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/room4-2/converse-live/config"
	"github.com/room4-2/converse-live/gemini"
	"github.com/room4-2/converse-live/presets"
)

func main() {
	preset := flag.String("preset", "translator", "preset to configure the session with")
	prompt := flag.String("text", "Hello! Say hi back in one sentence.", "text turn to send")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for the reply")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	connector, err := gemini.NewConnector(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("Failed to create connector: %v", err)
	}

	proxy, err := connector.Connect(ctx, presets.Get(*preset))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer proxy.Close()

	done := make(chan struct{})
	go func() {
		err := proxy.Receive(ctx, gemini.Handlers{
			OnAudio: func(data []byte) {
				log.Printf("🔊 Received audio: %d bytes", len(data))
			},
			OnTranscript: func(text string) {
				log.Printf("💬 Received text: %s", text)
			},
			OnTurnComplete: func() {
				log.Println("✅ Turn complete")
				close(done)
				proxy.Close()
			},
		})
		if err != nil {
			log.Printf("❌ Error: %v", err)
		}
	}()

	// Send a text message
	if err := proxy.SendText(*prompt); err != nil {
		log.Fatalf("Failed to send text: %v", err)
	}

	// Wait for response
	log.Println("Waiting for response...")
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("⏰ Timeout waiting for response")
	}
	log.Println("Done")
}
