// m4a_sample.go - GBA sample blob loading and 4-bit delta-PCM decoding.

package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// M4ASample is a decoded GBA PCM sample. Immutable after load; active
// voices reference it without copying.
type M4ASample struct {
	SampleRate   int    // Hz, header stores Hz*1024
	LoopStart    uint32 // sample index the loop restarts at
	NumSamples   int    // always len(PcmData) after decode
	IsLooped     bool
	IsCompressed bool
	PcmData      []int8
}

// ParseM4ASample decodes a sample blob: a 16-byte little-endian header
// (flags, rate*1024, loop start, length-1) followed by either raw signed
// 8-bit PCM or a 4-bit delta-PCM stream.
func ParseM4ASample(raw []byte) (*M4ASample, error) {
	if len(raw) < 16 {
		return nil, fmt.Errorf("sample blob too short: %d bytes", len(raw))
	}

	flags := binary.LittleEndian.Uint32(raw[0:4])
	smp := &M4ASample{
		IsCompressed: flags&1 != 0,
		IsLooped:     flags&0x40000000 != 0,
		SampleRate:   int(binary.LittleEndian.Uint32(raw[4:8]) / 1024),
		LoopStart:    binary.LittleEndian.Uint32(raw[8:12]),
		NumSamples:   int(binary.LittleEndian.Uint32(raw[12:16])) + 1,
	}
	if smp.SampleRate == 0 {
		smp.SampleRate = M4A_FALLBACK_SAMPLE_HZ
	}

	payload := raw[16:]
	if smp.IsCompressed {
		smp.PcmData = decodeDeltaPCM(payload)
	} else {
		n := len(payload)
		if n > smp.NumSamples {
			n = smp.NumSamples
		}
		smp.PcmData = make([]int8, n)
		for i := 0; i < n; i++ {
			smp.PcmData[i] = int8(payload[i])
		}
	}
	smp.NumSamples = len(smp.PcmData)
	return smp, nil
}

// LoadM4ASample reads and decodes a sample file from disk.
func LoadM4ASample(path string) (*M4ASample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	smp, err := ParseM4ASample(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return smp, nil
}

// decodeDeltaPCM expands a 4-bit delta stream: each payload byte yields two
// samples, low nibble first, accumulated with wrapping int8 arithmetic.
func decodeDeltaPCM(payload []byte) []int8 {
	out := make([]int8, 0, len(payload)*2)
	var acc int8
	for _, b := range payload {
		acc += deltaLookup[b&0x0F]
		out = append(out, acc)
		acc += deltaLookup[(b>>4)&0x0F]
		out = append(out, acc)
	}
	return out
}
