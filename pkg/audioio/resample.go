package audioio

import (
	"encoding/binary"
	"math"
)

// ResampleBytes converts a buffer of model audio at fromRate to the
// speaker's rate. The bridge calls it once per playback buffer when the
// sink did not open at the model's output rate. A trailing odd byte is
// dropped when converting.
func ResampleBytes(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), fromRate, toRate))
}

// Resample maps mono samples onto toRate by interpolating between the two
// nearest source samples. Output length is len(in)*toRate/fromRate.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	n := len(in) * toRate / fromRate
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		a, b := float64(in[j]), float64(in[j+1])
		out[i] = int16(a + (pos-float64(j))*(b-a))
	}
	return out
}

// BytesToSamples decodes little-endian PCM16 as carried by the model and
// the capture devices.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16 for the sink.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// CalculateRMS is the capture level reported in bridge status, normalized
// so a full-scale signal reads 1.0.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(samples))) / math.MaxInt16
}
