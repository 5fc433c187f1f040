package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func pcmSine(sr int, hz float64, durMs int, amp float64) []int16 {
	n := sr * durMs / 1000
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
	}
	return out
}

// wavFixture renders samples into a real WAV file via the go-audio encoder so
// the decode path is tested against an independent writer.
func wavFixture(t *testing.T, samples []int16, sampleRate, channels int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &gaudio.IntBuffer{
		Data:           data,
		Format:         &gaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	_ = f.Close()
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return out
}

func TestDownmixToMono_Averages(t *testing.T) {
	stereo := []int16{100, 200, -100, 100, 0, 0}
	mono := downmixToMono(stereo, 2)
	want := []int16{150, 0, 0}
	if len(mono) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(mono), len(want))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, mono[i], want[i])
		}
	}
}

func TestResampleMono_IdentityAndRate(t *testing.T) {
	in := pcmSine(8000, 200, 100, 8000)
	same, err := resampleMono(in, 8000, 8000)
	if err != nil {
		t.Fatalf("identity resample: %v", err)
	}
	if len(same) != len(in) {
		t.Fatalf("identity changed length: %d -> %d", len(in), len(same))
	}
	up, err := resampleMono(in, 8000, 16000)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}
	// The polyphase stage may withhold a short filter-delay tail.
	ratio := float64(len(up)) / float64(len(in))
	if ratio < 1.7 || ratio > 2.1 {
		t.Fatalf("expected ~2x samples, got ratio %.2f", ratio)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := samplesToBytes(pcmSine(TargetSampleRate, 440, 20, 8000))
	out := EncodeWAV(pcm, TargetSampleRate)
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" {
		t.Fatalf("bad riff header")
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != TargetSampleRate {
		t.Fatalf("sample rate: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(out[22:24]); got != 1 {
		t.Fatalf("channels: got %d", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); int(got) != len(pcm) {
		t.Fatalf("data length: got %d want %d", got, len(pcm))
	}
}

func TestNormalize_WavPassThrough(t *testing.T) {
	n, err := NewNormalizer([]string{CodecWavPCM})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	pcm := samplesToBytes(pcmSine(TargetSampleRate, 440, 50, 8000))
	out, err := n.Normalize(CodecWavPCM, EncodeWAV(pcm, TargetSampleRate))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(out) != len(pcm) {
		t.Fatalf("length changed: %d -> %d", len(pcm), len(out))
	}
}

func TestNormalize_StereoHighRateWav(t *testing.T) {
	n, err := NewNormalizer([]string{CodecWavPCM})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	// 100 ms of stereo 32 kHz; canonical output is mono 16 kHz.
	mono := pcmSine(32000, 440, 100, 8000)
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	out, err := n.Normalize(CodecWavPCM, wavFixture(t, stereo, 32000, 2))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	wantSamples := TargetSampleRate / 10
	gotSamples := len(out) / 2
	if gotSamples < wantSamples*8/10 || gotSamples > wantSamples*11/10 {
		t.Fatalf("expected ~%d samples, got %d", wantSamples, gotSamples)
	}
}

func TestNormalize_CodecErrors(t *testing.T) {
	n, err := NewNormalizer([]string{CodecWavPCM})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	if _, err := n.Normalize("flac", []byte{1}); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec for unknown codec, got %v", err)
	}
	// Known codec outside the session allowlist is refused the same way.
	if _, err := n.Normalize(CodecMP3, []byte{1}); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec for disallowed codec, got %v", err)
	}
	if _, err := n.Normalize(CodecWavPCM, nil); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("expected ErrBadChunk for empty payload, got %v", err)
	}
	if _, err := n.Normalize(CodecWavPCM, []byte("definitely not wav")); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("expected ErrBadChunk for garbage, got %v", err)
	}
}

func TestVoiceActivity(t *testing.T) {
	voiced := samplesToBytes(pcmSine(TargetSampleRate, 220, FrameDurationMS, 8000))
	if !IsVoiced(voiced) {
		t.Fatalf("expected sine frame to be voiced")
	}
	silence := make([]byte, FrameBytes(TargetSampleRate))
	if IsVoiced(silence) {
		t.Fatalf("expected silence to be unvoiced")
	}
	if RMS(nil) != 0 {
		t.Fatalf("expected zero rms for empty input")
	}
}
