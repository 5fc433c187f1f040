package transcriber

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/chadiek/call-shield/internal/audio"
)

// Result is what the speech-to-text collaborator returns for one window.
type Result struct {
	Text       string
	Language   string
	Confidence float64
}

// STT is the external transcription collaborator. Implementations receive
// canonical 16 kHz mono PCM16LE and may fail transiently.
type STT interface {
	Transcribe(ctx context.Context, pcm []byte, languageHint string) (Result, error)
}

// Entry is one finalised utterance from a leg.
type Entry struct {
	Text       string
	Language   string
	Confidence float64
	StartedAt  time.Time
	EndedAt    time.Time
}

// Config tunes the endpointing behaviour of one per-leg transcriber.
type Config struct {
	// Window is the voiced-audio duration that forces a transcription attempt.
	Window time.Duration
	// EndpointSilence is the trailing-silence duration that finalises an
	// utterance once MinVoiced has accumulated.
	EndpointSilence time.Duration
	// MinVoiced gates endpointing: silence only finalises after this much voice.
	MinVoiced time.Duration
	// DiscardWindow / DiscardVoiced: a buffer spanning DiscardWindow with less
	// than DiscardVoiced of voice is thrown away instead of transcribed.
	DiscardWindow  time.Duration
	DiscardVoiced  time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:          3 * time.Second,
		EndpointSilence: 800 * time.Millisecond,
		MinVoiced:       500 * time.Millisecond,
		DiscardWindow:   5 * time.Second,
		DiscardVoiced:   300 * time.Millisecond,
		RequestTimeout:  8 * time.Second,
	}
}

// Transcriber accumulates one leg's PCM and emits finalised utterances.
// Ingest never blocks the audio path: chunks land on a bounded queue and are
// dropped when the driver falls behind, matching the lossy-tolerant audio
// contract. Entries are delivered on an unbuffered channel so a slow consumer
// applies backpressure to transcription, never to audio.
type Transcriber struct {
	stt STT
	cfg Config

	in      chan []byte
	entries chan Entry

	// driver-owned state
	buf         []byte
	voiced      time.Duration
	trailing    time.Duration
	utterStart  time.Time
	lastEndedAt time.Time
	langHint    string
}

// New builds a per-leg transcriber. Start must be called before Ingest.
func New(stt STT, cfg Config) *Transcriber {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Transcriber{
		stt:     stt,
		cfg:     cfg,
		in:      make(chan []byte, 256),
		entries: make(chan Entry),
	}
}

// Entries delivers finalised utterances in utterance-time order.
func (t *Transcriber) Entries() <-chan Entry { return t.entries }

// Ingest queues normalised PCM for analysis. O(1); drops when the queue is full.
func (t *Transcriber) Ingest(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	select {
	case t.in <- pcm:
	default:
		log.Println("transcriber: ingest queue full, dropping chunk")
	}
}

// Start runs the driver until ctx is cancelled. The entries channel is closed
// on return.
func (t *Transcriber) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Transcriber) run(ctx context.Context) {
	defer close(t.entries)
	frameBytes := audio.FrameBytes(audio.TargetSampleRate)
	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-t.in:
			pending = append(pending, chunk...)
			for len(pending) >= frameBytes {
				frame := pending[:frameBytes]
				t.onFrame(ctx, frame)
				pending = pending[frameBytes:]
			}
		}
	}
}

// onFrame advances the endpointing state machine by one 10 ms frame.
func (t *Transcriber) onFrame(ctx context.Context, frame []byte) {
	frameDur := audio.FrameDurationMS * time.Millisecond
	t.buf = append(t.buf, frame...)
	if audio.IsVoiced(frame) {
		if t.voiced == 0 {
			t.utterStart = time.Now()
		}
		t.voiced += frameDur
		t.trailing = 0
	} else if t.voiced > 0 {
		t.trailing += frameDur
	}

	bufDur := time.Duration(len(t.buf)/audio.FrameBytes(audio.TargetSampleRate)) * frameDur

	// Mostly-silent buffers are noise, not speech; throw them away before they
	// reach the collaborator.
	if bufDur >= t.cfg.DiscardWindow && t.voiced < t.cfg.DiscardVoiced {
		t.reset()
		return
	}

	windowFull := t.voiced >= t.cfg.Window
	endpointed := t.trailing >= t.cfg.EndpointSilence && t.voiced >= t.cfg.MinVoiced
	if !windowFull && !endpointed {
		return
	}
	if t.voiced < t.cfg.DiscardVoiced {
		t.reset()
		return
	}
	t.finalize(ctx)
}

// finalize ships the buffered window to the collaborator and emits an entry.
// One retry on failure, then the window is discarded.
func (t *Transcriber) finalize(ctx context.Context) {
	window := t.buf
	startedAt := t.utterStart
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	t.reset()

	var res Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		res, err = t.stt.Transcribe(callCtx, window, t.langHint)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("transcriber: stt attempt %d failed: %v", attempt+1, err)
	}
	if err != nil {
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	if res.Language != "" {
		t.langHint = res.Language
	}
	endedAt := time.Now()
	if endedAt.Before(t.lastEndedAt) {
		endedAt = t.lastEndedAt
	}
	t.lastEndedAt = endedAt
	entry := Entry{
		Text:       text,
		Language:   res.Language,
		Confidence: res.Confidence,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
	}
	select {
	case t.entries <- entry:
	case <-ctx.Done():
	}
}

func (t *Transcriber) reset() {
	t.buf = nil
	t.voiced = 0
	t.trailing = 0
	t.utterStart = time.Time{}
}
