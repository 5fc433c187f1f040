package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/call-shield/internal/broker"
	"github.com/chadiek/call-shield/internal/coach"
	"github.com/chadiek/call-shield/internal/config"
	"github.com/chadiek/call-shield/internal/httpserver"
	"github.com/chadiek/call-shield/internal/intel"
	"github.com/chadiek/call-shield/internal/llm"
	"github.com/chadiek/call-shield/internal/store"
	"github.com/chadiek/call-shield/internal/stt"
	"github.com/chadiek/call-shield/internal/tts"
	"github.com/chadiek/call-shield/internal/urlscan"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	deps := buildDeps(cfg)
	registry := broker.NewRegistry(brokerConfig(cfg), deps)

	srv := httpserver.New(registry)

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- srv.Echo.Start(cfg.HTTPAddress)
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Echo.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = srv.Echo.Close()
	}
}

// buildDeps assembles the collaborators from the loaded configuration.
// Anything without credentials stays nil and the broker degrades that lane.
func buildDeps(cfg config.Config) broker.Deps {
	deps := broker.Deps{
		STT: stt.NewWhisperClient(cfg.WhisperURL, cfg.WhisperAPIKey, cfg.WhisperModel),
	}

	deps.Extractor = intel.NewExtractor(nil)
	if cfg.CerebrasKey != "" {
		model := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
		deps.Extractor = intel.NewExtractor(model)

		var voice coach.TTS
		var voiceID string
		switch cfg.TTSProvider {
		case "deepgram":
			if cfg.DeepgramAPIKey != "" {
				voice = tts.NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel)
			}
		default:
			if cfg.ElevenLabsKey != "" {
				voice = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
				voiceID = cfg.ElevenLabsVoiceID
			}
		}
		deps.Coacher = coach.NewAgent(model, voice, voiceID)
	}

	if cfg.SafeBrowsingKey != "" {
		deps.Scanner = urlscan.NewSafeBrowsingClient(cfg.SafeBrowsingKey)
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		st, err := store.New(store.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("storage disabled: %v", err)
		} else {
			deps.Store = st
		}
	}
	return deps
}

// brokerConfig maps the environment options onto the broker defaults.
func brokerConfig(cfg config.Config) broker.Config {
	bc := broker.DefaultConfig()
	bc.MaxSessions = cfg.MaxSessions
	bc.EgressQueueCapacity = cfg.EgressQueueCapacity
	bc.PingInterval = cfg.PingInterval
	bc.DrainGrace = cfg.DrainGrace
	bc.CodecAllowlist = cfg.CodecAllowlist
	bc.RecordingEnabled = cfg.RecordingEnabled
	bc.RecordingDir = cfg.RecordingDir
	bc.Transcriber.Window = cfg.STTWindow
	bc.Transcriber.EndpointSilence = cfg.EndpointSilence
	return bc
}
