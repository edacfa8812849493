package audio

import "math"

// fullScale is the positive int16 full-scale value used for encoding.
// Decoding divides by 32768 so that -32768 maps exactly to -1.0.
const fullScale = 32767

// EncodePCM16 converts native float32 samples in [-1, 1] to little-endian
// int16 wire format. Out-of-range samples are clamped, never rejected —
// the encoder is total so a hot capture loop can call it without error
// handling. Each sample maps via round(clamp(s, -1, 1) * 32767).
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * fullScale))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian int16 wire data back to float32
// samples via int16 / 32768. It is the inverse of [EncodePCM16] up to one
// quantization step per sample. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}
