package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relay server configuration
type Config struct {
	Port           int
	RedisURL       string // empty disables the Redis mirror
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration
	GeminiAPIKey   string
	GeminiModel    string
	AllowedOrigins []string
}

// ClientConfig holds the terminal client configuration. It never needs the
// API key: the relay owns the upstream connection.
type ClientConfig struct {
	ServerURL      string
	Preset         string
	MicCommand     []string
	SpeakerCommand []string
	CameraDevice   string
	FrameInterval  time.Duration
	JPEGQuality    int
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:           8080,
		RedisURL:       "localhost:6379",
		MaxSessions:    50,
		SessionTimeout: 60 * time.Minute,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	config.GeminiModel = os.Getenv("GEMINI_MODEL")

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}

	// Optional: REDIS_URL ("off" disables Redis)
	if redisURL, ok := os.LookupEnv("REDIS_URL"); ok {
		if redisURL == "off" {
			redisURL = ""
		}
		config.RedisURL = redisURL
	}
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	minutes, err := intEnv("SESSION_TIMEOUT", int(config.SessionTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(minutes) * time.Minute

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins, ",")
	}

	return config, nil
}

// LoadClientConfig loads the terminal client configuration.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	config := &ClientConfig{
		ServerURL:     "ws://localhost:8080/ws/session",
		Preset:        "general",
		CameraDevice:  "/dev/video0",
		FrameInterval: time.Second,
		JPEGQuality:   70,
	}

	if url := os.Getenv("LIVE_SERVER_URL"); url != "" {
		config.ServerURL = url
	}
	if preset := os.Getenv("LIVE_PRESET"); preset != "" {
		config.Preset = preset
	}

	// Optional: MIC_COMMAND / SPEAKER_COMMAND (space-separated command lines)
	config.MicCommand = splitList(os.Getenv("MIC_COMMAND"), " ")
	config.SpeakerCommand = splitList(os.Getenv("SPEAKER_COMMAND"), " ")

	if device := os.Getenv("CAMERA_DEVICE"); device != "" {
		config.CameraDevice = device
	}

	ms, err := intEnv("FRAME_INTERVAL_MS", int(config.FrameInterval/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if ms <= 0 {
		return nil, fmt.Errorf("invalid FRAME_INTERVAL_MS: must be positive")
	}
	config.FrameInterval = time.Duration(ms) * time.Millisecond

	if config.JPEGQuality, err = intEnv("JPEG_QUALITY", config.JPEGQuality); err != nil {
		return nil, err
	}
	if config.JPEGQuality < 1 || config.JPEGQuality > 100 {
		return nil, fmt.Errorf("invalid JPEG_QUALITY: must be between 1 and 100")
	}

	return config, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
