package audio

import "math"

// Level computes a bounded loudness scalar for a frame of float32 samples:
// the RMS amplitude normalized against full scale, clamped to [0, 1].
// The zero frame (all silence, or empty) yields 0. The result is monotonic
// in input amplitude and is meant purely for UI metering — it never gates
// the transport or playback paths.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// LevelPCM16 computes the same loudness scalar directly from little-endian
// int16 wire data, so the receive path can meter inbound frames without a
// separate decode pass.
func LevelPCM16(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(data[i*2]) | int16(data[i*2+1])<<8)
		s := v / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		rms = 1
	}
	return rms
}
