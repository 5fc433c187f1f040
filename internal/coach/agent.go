package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chadiek/call-shield/internal/intel"
	"github.com/chadiek/call-shield/internal/llm"
)

// Strategy labels the coaching agent may recommend.
const (
	StrategyDelay                 = "delay"
	StrategyEmpathy               = "empathy"
	StrategyInformationExtraction = "information_extraction"
	StrategyDeEscalation          = "de_escalation"
	StrategyTerminate             = "terminate"
)

var validStrategies = map[string]bool{
	StrategyDelay: true, StrategyEmpathy: true, StrategyInformationExtraction: true,
	StrategyDeEscalation: true, StrategyTerminate: true,
}

// LLM generates one completion for a system/user prompt pair.
type LLM interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// TTS synthesises speech and returns the audio blob with its codec tag.
type TTS interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, string, error)
}

// ContextEntry is one transcript line fed to the agent, most recent first.
type ContextEntry struct {
	Speaker string
	Text    string
}

// Suggestion is a finished coaching utterance for the operator.
type Suggestion struct {
	Text       string
	Strategy   string
	Intent     string
	Audio      []byte
	AudioCodec string
	CreatedAt  time.Time
}

// Agent turns the recent conversation window into a short spoken suggestion.
type Agent struct {
	llm        LLM
	tts        TTS
	voiceID    string
	ttsTimeout time.Duration
}

// NewAgent builds a coaching agent. A nil tts skips voice synthesis.
func NewAgent(model LLM, tts TTS, voiceID string) *Agent {
	return &Agent{llm: model, tts: tts, voiceID: voiceID, ttsTimeout: 4 * time.Second}
}

const coachingSystem = "You are coaching a fraud-investigation operator who is " +
	"live on a call with a suspected scammer. Reply with ONLY valid JSON: " +
	`{"text": <one short sentence the operator can say next>, ` +
	`"strategy": one of "delay"|"empathy"|"information_extraction"|"de_escalation"|"terminate", ` +
	`"intent": <short label for what the scammer is attempting>}. ` +
	"Keep the suggested sentence natural and under 25 words."

type coachingReply struct {
	Text     string `json:"text"`
	Strategy string `json:"strategy"`
	Intent   string `json:"intent"`
}

// Coach produces one suggestion from the context window and the current
// intelligence snapshot. The caller's context bounds the model call; voice
// synthesis gets its own shorter deadline and fails soft.
func (a *Agent) Coach(ctx context.Context, window []ContextEntry, snap intel.Snapshot) (Suggestion, error) {
	if a.llm == nil {
		return Suggestion{}, fmt.Errorf("coach: no model configured")
	}
	reply, err := a.llm.Generate(ctx, coachingSystem, buildPrompt(window, snap))
	if err != nil {
		return Suggestion{}, fmt.Errorf("coach: generate: %w", err)
	}
	var parsed coachingReply
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &parsed); err != nil {
		return Suggestion{}, fmt.Errorf("coach: bad reply schema: %w", err)
	}
	parsed.Text = strings.TrimSpace(parsed.Text)
	if parsed.Text == "" {
		return Suggestion{}, fmt.Errorf("coach: empty suggestion")
	}
	if !validStrategies[parsed.Strategy] {
		return Suggestion{}, fmt.Errorf("coach: unknown strategy %q", parsed.Strategy)
	}
	s := Suggestion{
		Text:      parsed.Text,
		Strategy:  parsed.Strategy,
		Intent:    parsed.Intent,
		CreatedAt: time.Now(),
	}
	if a.tts != nil {
		ttsCtx, cancel := context.WithTimeout(ctx, a.ttsTimeout)
		audio, codec, err := a.tts.Synthesize(ttsCtx, s.Text, a.voiceID)
		cancel()
		if err != nil {
			log.Printf("coach: tts failed, delivering text only: %v", err)
		} else {
			s.Audio = audio
			s.AudioCodec = codec
		}
	}
	return s, nil
}

// buildPrompt renders the window (most recent first) plus the snapshot the
// way the model expects it.
func buildPrompt(window []ContextEntry, snap intel.Snapshot) string {
	var b strings.Builder
	b.WriteString("Recent conversation, most recent first:\n")
	for _, e := range window {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(e.Speaker))
		b.WriteString("] ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nThreat score: %.2f\n", snap.ThreatScore)
	if len(snap.Tactics) > 0 {
		b.WriteString("Detected tactics: ")
		b.WriteString(strings.Join(snap.Tactics, ", "))
		b.WriteString("\n")
	}
	if len(snap.Entities) > 0 {
		b.WriteString("Known entities:\n")
		for _, e := range snap.Entities {
			fmt.Fprintf(&b, "- %s: %s\n", e.Kind, e.Value)
		}
	}
	return b.String()
}
