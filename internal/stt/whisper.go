package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/call-shield/internal/audio"
	"github.com/chadiek/call-shield/internal/transcriber"
)

// WhisperClient talks to a Whisper-compatible transcription endpoint
// (POST /v1/audio/transcriptions, multipart, verbose_json response).
type WhisperClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
}

type whisperSegment struct {
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

// languageNames covers the languages commonly heard on these calls.
var languageNames = map[string]string{
	"en": "English", "hi": "Hindi", "ta": "Tamil", "te": "Telugu",
	"bn": "Bengali", "mr": "Marathi", "gu": "Gujarati", "kn": "Kannada",
	"ml": "Malayalam", "pa": "Punjabi",
}

// NewWhisperClient builds a client against the given base URL.
func NewWhisperClient(baseURL, apiKey, model string) *WhisperClient {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
	}
}

// LanguageName resolves a language code to a display name, falling back to the
// code itself.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// Transcribe wraps the PCM window in a WAV container and posts it.
func (c *WhisperClient) Transcribe(ctx context.Context, pcm []byte, languageHint string) (transcriber.Result, error) {
	if c.BaseURL == "" {
		return transcriber.Result{}, fmt.Errorf("whisper base url missing")
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return transcriber.Result{}, err
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, audio.TargetSampleRate)); err != nil {
		return transcriber.Result{}, err
	}
	_ = mw.WriteField("model", c.Model)
	_ = mw.WriteField("response_format", "verbose_json")
	if languageHint != "" {
		_ = mw.WriteField("language", languageHint)
	}
	if err := mw.Close(); err != nil {
		return transcriber.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return transcriber.Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return transcriber.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return transcriber.Result{}, fmt.Errorf("whisper error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return transcriber.Result{}, err
	}
	lang := wr.Language
	if lang == "" {
		lang = "en"
	}
	return transcriber.Result{
		Text:       strings.TrimSpace(wr.Text),
		Language:   lang,
		Confidence: confidenceFromSegments(wr.Segments),
	}, nil
}

// confidenceFromSegments maps average log probability onto [0,1].
func confidenceFromSegments(segments []whisperSegment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segments {
		sum += s.AvgLogprob
	}
	avg := sum / float64(len(segments))
	score := avg + 1.0
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
