package audio

import (
	"encoding/binary"
	"math"
)

// VoiceRMSThreshold is the RMS level at or above which a PCM frame counts as voiced.
// Tuned conservatively for 16-bit speech captured at normal mic gain.
const VoiceRMSThreshold = 250.0

// FrameDurationMS is the analysis frame size used by the voice estimator.
const FrameDurationMS = 10

// FrameBytes returns the byte length of one analysis frame at the given rate.
func FrameBytes(sampleRate int) int {
	return sampleRate / 1000 * FrameDurationMS * 2
}

// RMS computes the root-mean-square level of 16-bit little-endian mono PCM.
func RMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(count))
}

// IsVoiced reports whether the frame carries voice energy.
func IsVoiced(pcm []byte) bool {
	return RMS(pcm) >= VoiceRMSThreshold
}
