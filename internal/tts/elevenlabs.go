package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ElevenLabsClient synthesises speech over the ElevenLabs HTTP API and
// returns the complete MP3 blob.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{APIKey: apiKey, VoiceID: voiceID}
}

// Synthesize renders the text with the given voice (falling back to the
// configured default) and returns MP3 bytes tagged "mp3".
func (e *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, string, error) {
	if e.APIKey == "" {
		return nil, "", fmt.Errorf("elevenlabs: api key missing")
	}
	voice := voiceID
	if voice == "" {
		voice = e.VoiceID
	}
	if voice == "" {
		return nil, "", fmt.Errorf("elevenlabs: voice id missing")
	}
	if text == "" {
		return nil, "", fmt.Errorf("elevenlabs: empty text")
	}

	u := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + voice,
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "mp3_44100_128")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs read body: %w", err)
	}
	return out, "mp3", nil
}
