package playback

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/xsploit/webwaifu3/core"
)

// decodeChunk turns a synthesis payload into mono int16 samples plus their
// native sample rate. Container decoding is delegated to library decoders;
// malformed payloads surface as errors for the caller's DecodeError path.
func decodeChunk(res *core.ChunkResult) ([]int16, int, error) {
	switch res.Format {
	case core.WAV:
		return decodeWAV(res.Audio)
	case core.MP3:
		return decodeMP3(res.Audio)
	case core.PCM:
		if res.SampleRate <= 0 {
			return nil, 0, &core.DecodeError{Format: "pcm", Err: fmt.Errorf("chunk missing sample rate")}
		}
		return bytesToSamples(res.Audio), res.SampleRate, nil
	default:
		return nil, 0, &core.DecodeError{Format: "unknown", Err: fmt.Errorf("unsupported chunk format %d", res.Format)}
	}
}

func decodeWAV(data []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, &core.DecodeError{Format: "wav", Err: err}
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, &core.DecodeError{Format: "wav", Err: fmt.Errorf("empty payload")}
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	frames := len(buf.Data) / channels
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var acc int
		for c := 0; c < channels; c++ {
			acc += buf.Data[i*channels+c]
		}
		samples[i] = clampSample(acc / channels)
	}
	return samples, buf.Format.SampleRate, nil
}

func decodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, &core.DecodeError{Format: "mp3", Err: err}
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, &core.DecodeError{Format: "mp3", Err: err}
	}
	// go-mp3 always emits 16-bit stereo; downmix to mono.
	stereo := bytesToSamples(raw)
	samples := make([]int16, len(stereo)/2)
	for i := range samples {
		samples[i] = clampSample((int(stereo[2*i]) + int(stereo[2*i+1])) / 2)
	}
	return samples, dec.SampleRate(), nil
}

func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return samples
}

func clampSample(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
