// Package pcm converts between float sample frames and the 16-bit
// little-endian mono PCM carried on the wire.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const BytesPerSample = 2

// Format describes a mono PCM16 stream.
type Format struct {
	SampleRate int
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * BytesPerSample
}

// DurationMs returns the playback length of n PCM bytes.
func (f Format) DurationMs(n int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (n * 1000) / f.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for ms milliseconds.
func (f Format) BytesForDurationMs(ms int) int {
	return (f.BytesPerSecond() * ms) / 1000
}

// Resample converts in from fromRate to toRate by linear interpolation
// between the floor and ceiling source index of each output sample. The output
// holds round(len(in) * toRate / fromRate) samples.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		return append([]float32(nil), in...)
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(pos - float64(lo))
		out[i] = in[lo]*(1-frac) + in[hi]*frac
	}
	return out
}

// Clamp limits s to [-1, 1]. NaN maps to 0.
func Clamp(s float32) float32 {
	switch {
	case s != s:
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// Quantize maps a sample in [-1, 1] to int16. Negative samples scale by
// 32768 and positive samples by 32767 so both ends of the int16 range are
// reachable.
func Quantize(s float32) int16 {
	s = Clamp(s)
	if s < 0 {
		return int16(float64(s) * 0x8000)
	}
	return int16(float64(s) * 0x7FFF)
}

// Dequantize is the inverse of Quantize.
func Dequantize(v int16) float32 {
	if v < 0 {
		return float32(float64(v) / 0x8000)
	}
	return float32(float64(v) / 0x7FFF)
}

// EncodePCM16 clamps, quantizes and packs samples little-endian.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(Quantize(s)))
	}
	return out
}

// DecodePCM16 unpacks little-endian PCM16. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = Dequantize(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	return out
}

// EncodeBase64Chunk resamples a frame captured at fromRate to toRate and
// returns the base64 PCM16 payload of an audio chunk.
func EncodeBase64Chunk(frame []float32, fromRate, toRate int) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(Resample(frame, fromRate, toRate)))
}

// DecodeBase64Chunk decodes a base64 PCM16 payload into float samples.
func DecodeBase64Chunk(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode pcm chunk: %w", err)
	}
	return DecodePCM16(raw), nil
}

// RMS returns the root-mean-square level of samples, in [0, 1] for clamped
// input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(Clamp(s))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(Clamp(s))); v > peak {
			peak = v
		}
	}
	return peak
}
