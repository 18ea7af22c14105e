// Package audio plays the impact siren through the default output device
// using malgo.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/wav"
)

// DefaultSampleRate is used for the generated tone.
const DefaultSampleRate = 44100

// Clip is a mono float32 sound normalized to [-1.0, 1.0].
type Clip struct {
	Samples    []float32
	SampleRate uint32
}

// Siren loops a clip on the default output device until stopped.
type Siren struct {
	ctx  *malgo.AllocatedContext
	clip Clip

	mu      sync.Mutex
	device  *malgo.Device
	pos     int
	playing bool
}

// NewSiren creates a siren for clip. Call Close() when done.
func NewSiren(clip Clip) (*Siren, error) {
	if len(clip.Samples) == 0 {
		return nil, fmt.Errorf("audio: empty siren clip")
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Siren{ctx: ctx, clip: clip}, nil
}

// Start begins looping the clip. Starting a playing siren is a no-op.
func (s *Siren) Start() error {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	s.pos = 0
	s.playing = true
	s.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatF32
	deviceCfg.Playback.Channels = 1
	deviceCfg.SampleRate = s.clip.SampleRate

	device, err := malgo.InitDevice(s.ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		s.setStopped()
		return fmt.Errorf("initializing playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		s.setStopped()
		return fmt.Errorf("starting playback device: %w", err)
	}

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
	return nil
}

// Stop silences the siren. It is safe to call when not playing.
func (s *Siren) Stop() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.playing = false
	s.mu.Unlock()

	// Uninit waits for the data callback, which takes s.mu.
	if device != nil {
		device.Uninit()
	}
}

// IsPlaying returns whether the siren is sounding.
func (s *Siren) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Close stops playback and releases the audio context.
func (s *Siren) Close() error {
	s.Stop()
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}

func (s *Siren) setStopped() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// onData is the malgo playback callback. It fills pOutput with the next
// frameCount samples of the looping clip.
func (s *Siren) onData(pOutput, _ []byte, frameCount uint32) {
	s.mu.Lock()
	out := loopSamples(s.clip.Samples, &s.pos, int(frameCount))
	s.mu.Unlock()
	float32ToBytes(pOutput, out)
}

// loopSamples returns n samples from clip starting at *pos, wrapping at the
// end, and advances *pos.
func loopSamples(clip []float32, pos *int, n int) []float32 {
	out := make([]float32, n)
	if len(clip) == 0 {
		return out
	}
	for i := range out {
		out[i] = clip[*pos]
		*pos = (*pos + 1) % len(clip)
	}
	return out
}

// ToneSamples generates a two-tone siren: each half of the period is a sine
// at one of the two frequencies.
func ToneSamples(sampleRate uint32, low, high float64, period float64, cycles int) Clip {
	perHalf := int(float64(sampleRate) * period / 2)
	samples := make([]float32, 0, perHalf*2*cycles)
	for c := 0; c < cycles; c++ {
		for _, freq := range []float64{low, high} {
			for i := 0; i < perHalf; i++ {
				v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
				samples = append(samples, float32(0.8*v))
			}
		}
	}
	return Clip{Samples: samples, SampleRate: sampleRate}
}

// DefaultTone is the built-in siren used when no WAV file is configured.
func DefaultTone() Clip {
	return ToneSamples(DefaultSampleRate, 650, 950, 1.0, 1)
}

// LoadWAV decodes a PCM WAV file into a mono clip. Multi-channel files are
// downmixed.
func LoadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: opening %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("audio: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decoding %s: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := float32(int(1) << (dec.BitDepth - 1))
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	if len(samples) == 0 {
		return Clip{}, fmt.Errorf("audio: %s has no samples", path)
	}
	return Clip{Samples: samples, SampleRate: uint32(buf.Format.SampleRate)}, nil
}

// float32ToBytes writes samples into dst as little-endian float32.
func float32ToBytes(dst []byte, samples []float32) {
	for i, v := range samples {
		offset := i * 4
		if offset+4 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint32(dst[offset:offset+4], math.Float32bits(v))
	}
}
