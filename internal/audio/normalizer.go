package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Codec names accepted on the wire.
const (
	CodecWebmOpus = "webm-opus"
	CodecOggOpus  = "ogg-opus"
	CodecWavPCM   = "wav-pcm"
	CodecMP3      = "mp3"
)

// ErrUnsupportedCodec marks a chunk whose codec is outside the session allowlist.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// ErrBadChunk marks a chunk that declared a known codec but could not be decoded.
var ErrBadChunk = errors.New("undecodable audio chunk")

// maxOpusFrameSamples bounds one decoded opus frame: 120 ms at 16 kHz.
const maxOpusFrameSamples = 1920

// Normalizer converts codec-framed chunks into canonical 16 kHz mono PCM16LE.
// One normalizer serves one leg; the embedded opus decoder is stateful across
// chunks of the same stream. Not safe for concurrent use.
type Normalizer struct {
	allow   map[string]bool
	opusDec *opus.Decoder
	samples []int16
}

// NewNormalizer builds a normalizer restricted to the given codec allowlist.
func NewNormalizer(allowlist []string) (*Normalizer, error) {
	dec, err := opus.NewDecoder(TargetSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	allow := make(map[string]bool, len(allowlist))
	for _, c := range allowlist {
		allow[c] = true
	}
	return &Normalizer{
		allow:   allow,
		opusDec: dec,
		samples: make([]int16, maxOpusFrameSamples),
	}, nil
}

// Normalize decodes one chunk to 16 kHz mono PCM16LE bytes. Unknown codecs fail
// with ErrUnsupportedCodec; decode failures with ErrBadChunk. A webm-opus,
// ogg-opus or mp3 chunk that decodes to zero samples (container headers only)
// returns an empty slice and no error; a wav-pcm chunk with no samples fails
// with ErrBadChunk.
func (n *Normalizer) Normalize(codec string, payload []byte) ([]byte, error) {
	if !n.allow[codec] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadChunk)
	}
	switch codec {
	case CodecWebmOpus:
		return n.decodeWebmOpus(payload)
	case CodecOggOpus:
		return n.decodeOggOpus(payload)
	case CodecWavPCM:
		return decodeWAV(payload)
	case CodecMP3:
		return decodeMP3(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
}

// decodeOpusPacket appends one decoded opus packet to out.
func (n *Normalizer) decodeOpusPacket(pkt []byte, out []int16) []int16 {
	if len(pkt) == 0 {
		return out
	}
	count, err := n.opusDec.Decode(pkt, n.samples)
	if err != nil || count == 0 {
		// Header or damaged packet inside an otherwise valid container.
		return out
	}
	return append(out, n.samples[:count]...)
}

func (n *Normalizer) decodeWebmOpus(payload []byte) ([]byte, error) {
	var container struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	err := ebml.Unmarshal(bytes.NewReader(payload), &container)
	var out []int16
	for _, cluster := range container.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			for _, frame := range block.Data {
				out = n.decodeOpusPacket(frame, out)
			}
		}
	}
	if len(out) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: webm: %v", ErrBadChunk, err)
		}
		return nil, nil
	}
	// Truncated trailing clusters are expected on live chunk boundaries; keep
	// whatever decoded cleanly.
	return samplesToBytes(out), nil
}

func (n *Normalizer) decodeOggOpus(payload []byte) ([]byte, error) {
	ogg, _, err := oggreader.NewWith(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: ogg: %v", ErrBadChunk, err)
	}
	var out []int16
	for {
		pageData, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("%w: ogg page: %v", ErrBadChunk, err)
		}
		if bytes.HasPrefix(pageData, []byte("OpusHead")) || bytes.HasPrefix(pageData, []byte("OpusTags")) {
			continue
		}
		out = n.decodeOpusPacket(pageData, out)
	}
	return samplesToBytes(out), nil
}

func decodeWAV(payload []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: wav: %v", ErrBadChunk, err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%w: wav: no samples", ErrBadChunk)
	}
	shift := 0
	if dec.BitDepth > 16 {
		shift = int(dec.BitDepth) - 16
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v >> shift)
	}
	mono := downmixToMono(samples, buf.Format.NumChannels)
	mono, err = resampleMono(mono, buf.Format.SampleRate, TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: wav: %v", ErrBadChunk, err)
	}
	return samplesToBytes(mono), nil
}

func decodeMP3(payload []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %v", ErrBadChunk, err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %v", ErrBadChunk, err)
	}
	// go-mp3 always emits interleaved 16-bit stereo at the source rate.
	mono := downmixToMono(bytesToSamples(raw), 2)
	mono, err = resampleMono(mono, dec.SampleRate(), TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %v", ErrBadChunk, err)
	}
	return samplesToBytes(mono), nil
}
