package audio

import (
	"encoding/binary"
	"fmt"
)

// Resample converts a frame to mono PCM at targetRate using linear
// interpolation. Stereo input is downmixed by averaging channels first.
// Frames already in the target format pass through untouched.
func Resample(f Frame, targetRate int) (Frame, error) {
	if len(f.Data)%2 != 0 {
		return Frame{}, fmt.Errorf("pcm data not sample aligned: %d bytes", len(f.Data))
	}
	if f.Channels <= 0 || f.Rate <= 0 {
		return Frame{}, fmt.Errorf("invalid frame format: rate=%d channels=%d", f.Rate, f.Channels)
	}
	if f.Channels == 1 && f.Rate == targetRate {
		return f, nil
	}

	sampleCount := len(f.Data) / 2
	if sampleCount%f.Channels != 0 {
		return Frame{}, fmt.Errorf("pcm data not frame aligned: %d samples across %d channels", sampleCount, f.Channels)
	}
	if sampleCount == 0 {
		return Frame{Source: f.Source, Time: f.Time, Rate: targetRate, Channels: 1}, nil
	}

	mono := make([]int16, sampleCount/f.Channels)
	for i := range mono {
		var sum int
		for ch := 0; ch < f.Channels; ch++ {
			idx := (i*f.Channels + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(f.Data[idx:])))
		}
		mono[i] = int16(sum / f.Channels)
	}

	out := mono
	if f.Rate != targetRate {
		outLen := len(mono) * targetRate / f.Rate
		if outLen == 0 {
			outLen = 1
		}
		out = make([]int16, outLen)
		ratio := float64(f.Rate) / float64(targetRate)
		for i := range out {
			pos := float64(i) * ratio
			left := int(pos)
			if left >= len(mono)-1 {
				out[i] = mono[len(mono)-1]
				continue
			}
			frac := pos - float64(left)
			a := float64(mono[left])
			b := float64(mono[left+1])
			out[i] = int16(a + (b-a)*frac)
		}
	}

	data := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return Frame{
		Source:   f.Source,
		Time:     f.Time,
		Data:     data,
		Rate:     targetRate,
		Channels: 1,
	}, nil
}
