package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// broker options
	MaxSessions         int
	EgressQueueCapacity int
	PingInterval        time.Duration
	DrainGrace          time.Duration
	STTWindow           time.Duration
	EndpointSilence     time.Duration
	RecordingEnabled    bool
	RecordingDir        string
	CodecAllowlist      []string

	// collaborators
	WhisperURL         string
	WhisperAPIKey      string
	WhisperModel       string
	CerebrasKey        string
	CerebrasModelID    string
	TTSProvider        string
	DeepgramAPIKey     string
	DeepgramModel      string
	ElevenLabsKey      string
	ElevenLabsVoiceID  string
	SafeBrowsingKey    string
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := Config{
		HTTPAddress:         getEnv("HTTP_ADDRESS", ":8080"),
		MaxSessions:         getEnvInt("MAX_SESSIONS", 1024),
		EgressQueueCapacity: getEnvInt("EGRESS_QUEUE_CAPACITY", 256),
		PingInterval:        getEnvMillis("PING_INTERVAL_MS", 10000),
		DrainGrace:          getEnvMillis("DRAIN_GRACE_MS", 60000),
		STTWindow:           getEnvSeconds("STT_WINDOW_SECONDS", 3.0),
		EndpointSilence:     getEnvMillis("ENDPOINT_SILENCE_MS", 800),
		RecordingEnabled:    getEnvBool("RECORDING_ENABLED", false),
		RecordingDir:        getEnv("RECORDING_DIR", "recordings"),
		CodecAllowlist:      splitList(getEnv("CODEC_ALLOWLIST", "webm-opus,ogg-opus,wav-pcm,mp3")),

		WhisperURL:         os.Getenv("WHISPER_URL"),
		WhisperAPIKey:      os.Getenv("WHISPER_API_KEY"),
		WhisperModel:       getEnv("WHISPER_MODEL", "whisper-1"),
		CerebrasKey:        os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:    getEnv("CEREBRAS_MODEL_ID", "llama-3.3-70b"),
		TTSProvider:        getEnv("TTS_PROVIDER", "elevenlabs"),
		DeepgramAPIKey:     os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:      getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		SafeBrowsingKey:    os.Getenv("SAFEBROWSING_API_KEY"),
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", "call-evidence"),
	}

	if cfg.WhisperURL == "" {
		log.Println("Warning: WHISPER_URL not set - transcription will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - extraction and coaching will not work")
	}
	if cfg.TTSProvider == "elevenlabs" && cfg.ElevenLabsKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - coaching audio disabled")
	}
	if cfg.TTSProvider == "deepgram" && cfg.DeepgramAPIKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - coaching audio disabled")
	}
	if cfg.SafeBrowsingKey == "" {
		log.Println("Warning: SAFEBROWSING_API_KEY not set - url reputation disabled")
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("config: invalid %s=%q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("config: invalid %s=%q, using %v", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvSeconds(key string, defaultSeconds float64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
		log.Printf("config: invalid %s=%q, using %.1f", key, value, defaultSeconds)
	}
	return time.Duration(defaultSeconds * float64(time.Second))
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
