package notify

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	sampleRate    = 22050
	bitsPerSample = 16
	peakAmplitude = 0.35
)

type waveform int

const (
	waveSine waveform = iota
	waveTriangle
	waveSquare
)

// tone is one note of a cue: a frequency held for a duration with a linear
// attack and an exponential release.
type tone struct {
	frequency float64
	duration  time.Duration
	attack    time.Duration
	decay     float64
	shape     waveform
}

// Cue is a rendered notification sound.
type Cue struct {
	Category Category
	WAV      []byte
	Duration time.Duration
}

var cueTones = map[Category][]tone{
	CategoryUpdate: {
		{frequency: 880, duration: 120 * time.Millisecond, attack: 5 * time.Millisecond, decay: 18, shape: waveSine},
	},
	CategoryJoin: {
		{frequency: 660, duration: 90 * time.Millisecond, attack: 8 * time.Millisecond, decay: 10, shape: waveSine},
		{frequency: 990, duration: 110 * time.Millisecond, attack: 8 * time.Millisecond, decay: 12, shape: waveSine},
	},
	CategoryAlert: {
		{frequency: 440, duration: 70 * time.Millisecond, attack: 2 * time.Millisecond, decay: 6, shape: waveSquare},
		{frequency: 0, duration: 40 * time.Millisecond},
		{frequency: 440, duration: 70 * time.Millisecond, attack: 2 * time.Millisecond, decay: 6, shape: waveSquare},
		{frequency: 0, duration: 40 * time.Millisecond},
		{frequency: 440, duration: 70 * time.Millisecond, attack: 2 * time.Millisecond, decay: 6, shape: waveSquare},
	},
	CategoryConflict: {
		{frequency: 520, duration: 150 * time.Millisecond, attack: 10 * time.Millisecond, decay: 5, shape: waveTriangle},
		{frequency: 330, duration: 220 * time.Millisecond, attack: 10 * time.Millisecond, decay: 4, shape: waveTriangle},
	},
	CategoryDefault: {
		{frequency: 600, duration: 80 * time.Millisecond, attack: 5 * time.Millisecond, decay: 20, shape: waveSine},
	},
}

var (
	bankOnce sync.Once
	bank     map[Category]Cue
)

// cueFor returns the rendered cue for a category. The bank is rendered once
// per process on first use.
func cueFor(category Category) Cue {
	bankOnce.Do(func() {
		bank = make(map[Category]Cue, len(cueTones))
		for cat, tones := range cueTones {
			bank[cat] = renderCue(cat, tones)
		}
	})
	if cue, ok := bank[category]; ok {
		return cue
	}
	return bank[CategoryDefault]
}

func renderCue(category Category, tones []tone) Cue {
	var samples []int16
	var total time.Duration
	for _, t := range tones {
		samples = append(samples, renderTone(t)...)
		total += t.duration
	}
	return Cue{
		Category: category,
		WAV:      encodeWAV(samples),
		Duration: total,
	}
}

func renderTone(t tone) []int16 {
	count := int(t.duration.Seconds() * sampleRate)
	samples := make([]int16, count)
	if t.frequency <= 0 {
		return samples
	}
	attackSamples := int(t.attack.Seconds() * sampleRate)
	for i := range samples {
		elapsed := float64(i) / sampleRate
		envelope := math.Exp(-t.decay * elapsed)
		if i < attackSamples {
			envelope *= float64(i) / float64(attackSamples)
		}
		phase := math.Mod(t.frequency*elapsed, 1)
		value := oscillate(t.shape, phase) * envelope * peakAmplitude
		samples[i] = int16(value * math.MaxInt16)
	}
	return samples
}

func oscillate(shape waveform, phase float64) float64 {
	switch shape {
	case waveSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case waveTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

// encodeWAV wraps mono 16-bit PCM in a RIFF/WAVE container.
func encodeWAV(samples []int16) []byte {
	dataSize := uint32(len(samples) * bitsPerSample / 8)
	var buffer bytes.Buffer
	buffer.Grow(int(44 + dataSize))

	buffer.WriteString("RIFF")
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(36)+dataSize)
	buffer.WriteString("WAVE")
	buffer.WriteString("fmt ")
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(sampleRate*bitsPerSample/8))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(bitsPerSample/8))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(bitsPerSample))
	buffer.WriteString("data")
	_ = binary.Write(&buffer, binary.LittleEndian, dataSize)
	_ = binary.Write(&buffer, binary.LittleEndian, samples)
	return buffer.Bytes()
}
