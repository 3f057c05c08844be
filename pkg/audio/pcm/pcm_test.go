package pcm

import (
	"math"
	"testing"
)

func TestQuantizeAsymmetricScaling(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "silence", in: 0, want: 0},
		{name: "positive full scale", in: 1, want: 32767},
		{name: "negative full scale", in: -1, want: -32768},
		{name: "over range clamps", in: 3.5, want: 32767},
		{name: "under range clamps", in: -2, want: -32768},
		{name: "half", in: 0.5, want: 16383},
		{name: "negative half", in: -0.5, want: -16384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Quantize(tt.in); got != tt.want {
				t.Errorf("Quantize(%v)=%d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestChunkRoundTripWithinQuantizationError(t *testing.T) {
	const n = 1600
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.03))
	}
	in[10] = 1
	in[11] = -1

	out, err := DecodeBase64Chunk(EncodeBase64Chunk(in, 16000, 16000))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d, want %d", len(out), len(in))
	}
	// float32 rounding on top of the quantization step
	const bound = 1.0/32767 + 1e-6
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > bound {
			t.Fatalf("sample %d: in=%v out=%v diff=%v", i, in[i], out[i], diff)
		}
	}
}

func TestResample(t *testing.T) {
	in := make([]float32, 4096)
	for i := range in {
		in[i] = float32(i)
	}

	out := Resample(in, 48000, 16000)
	if want := int(math.Round(4096.0 / 3)); len(out) != want {
		t.Fatalf("len=%d, want %d", len(out), want)
	}
	for i, v := range out[:len(out)-1] {
		if v != float32(i*3) {
			t.Fatalf("out[%d]=%v, want %v", i, v, float32(i*3))
		}
	}

	up := Resample([]float32{0, 1}, 16000, 32000)
	if len(up) != 4 {
		t.Fatalf("upsample len=%d", len(up))
	}
	if up[1] != 0.5 || up[2] != 1 || up[3] != 1 {
		t.Fatalf("upsample=%v", up)
	}

	if Resample(nil, 48000, 16000) != nil {
		t.Fatalf("empty input should yield nil")
	}
}

func TestDecodePCM16IgnoresOddByte(t *testing.T) {
	got := DecodePCM16([]byte{0xFF, 0x7F, 0x00, 0x80, 0x01})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Fatalf("decoded=%v", got)
	}
}

func TestDecodeBase64ChunkRejectsGarbage(t *testing.T) {
	if _, err := DecodeBase64Chunk("%%%"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		expected float64
	}{
		{name: "silence", samples: []float32{0, 0, 0, 0}, expected: 0},
		{name: "full scale", samples: []float32{1, -1, 1, -1}, expected: 1},
		{name: "half", samples: []float32{0.5, -0.5}, expected: 0.5},
		{name: "empty", samples: nil, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMS(tt.samples); math.Abs(got-tt.expected) > 0.001 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, got)
			}
		})
	}
}

func TestFormatDurations(t *testing.T) {
	f := Format{SampleRate: 16000}
	if f.BytesPerSecond() != 32000 {
		t.Fatalf("bytes/s=%d", f.BytesPerSecond())
	}
	if f.DurationMs(3200) != 100 {
		t.Fatalf("duration=%d", f.DurationMs(3200))
	}
	if f.BytesForDurationMs(250) != 8000 {
		t.Fatalf("bytes=%d", f.BytesForDurationMs(250))
	}
}
