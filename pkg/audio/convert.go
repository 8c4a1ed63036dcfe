package audio

import "math"

// FloatToPCM16 converts normalised float samples to little-endian int16 PCM.
// Each sample is clamped to [-1, 1] before scaling so that overdriven input
// saturates instead of wrapping around. Negative values scale by 32768 and
// positive values by 32767, which maps the full float range onto the full
// int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := floatToInt16(float64(s))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 PCM into normalised float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// SampleAt returns the i-th int16 sample of little-endian PCM data.
func SampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

// PutSample stores v as the i-th int16 sample of little-endian PCM data.
func PutSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(uint16(v) >> 8)
}

// ClampInt16 saturates v to the int16 range.
func ClampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func floatToInt16(s float64) int16 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}
