// m4a_sample_test.go - Tests for GBA sample decoding.

package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func makeSampleBlob(flags, rate1024, loopStart, lenMinusOne uint32, payload []byte) []byte {
	blob := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint32(blob[0:4], flags)
	binary.LittleEndian.PutUint32(blob[4:8], rate1024)
	binary.LittleEndian.PutUint32(blob[8:12], loopStart)
	binary.LittleEndian.PutUint32(blob[12:16], lenMinusOne)
	copy(blob[16:], payload)
	return blob
}

func TestParseSampleHeader(t *testing.T) {
	blob := makeSampleBlob(0x40000000, 22050*1024, 100, 3, []byte{1, 2, 0xFF, 0x80})
	smp, err := ParseM4ASample(blob)
	if err != nil {
		t.Fatalf("ParseM4ASample failed: %v", err)
	}

	if smp.SampleRate != 22050 {
		t.Fatalf("sample rate = %d, want 22050", smp.SampleRate)
	}
	if !smp.IsLooped {
		t.Fatalf("expected looped flag from bit 30")
	}
	if smp.IsCompressed {
		t.Fatalf("did not expect compressed flag")
	}
	if smp.LoopStart != 100 {
		t.Fatalf("loop start = %d, want 100", smp.LoopStart)
	}
	if smp.NumSamples != 4 {
		t.Fatalf("num samples = %d, want 4", smp.NumSamples)
	}
	want := []int8{1, 2, -1, -128}
	for i, w := range want {
		if smp.PcmData[i] != w {
			t.Fatalf("pcm[%d] = %d, want %d", i, smp.PcmData[i], w)
		}
	}
}

func TestParseSampleZeroRateDefaults(t *testing.T) {
	smp, err := ParseM4ASample(makeSampleBlob(0, 0, 0, 0, []byte{0}))
	if err != nil {
		t.Fatalf("ParseM4ASample failed: %v", err)
	}
	if smp.SampleRate != 8000 {
		t.Fatalf("sample rate = %d, want 8000 fallback", smp.SampleRate)
	}
}

func TestParseSampleTruncatesToHeaderLength(t *testing.T) {
	// Header claims 2 samples but the payload carries 6; only 2 are kept.
	smp, err := ParseM4ASample(makeSampleBlob(0, 8000*1024, 0, 1, []byte{1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatalf("ParseM4ASample failed: %v", err)
	}
	if smp.NumSamples != 2 || len(smp.PcmData) != 2 {
		t.Fatalf("num samples = %d (len %d), want 2", smp.NumSamples, len(smp.PcmData))
	}
}

func TestParseSampleTooShort(t *testing.T) {
	if _, err := ParseM4ASample(make([]byte, 15)); err == nil {
		t.Fatalf("expected error for blob shorter than header")
	}
}

func TestDeltaPCMDecode(t *testing.T) {
	// 0x10: low nibble 0 (+0), high nibble 1 (+1).
	// 0xFE: low nibble 0xE (-4), high nibble 0xF (-1).
	smp, err := ParseM4ASample(makeSampleBlob(1, 22050*1024, 0, 3, []byte{0x10, 0xFE}))
	if err != nil {
		t.Fatalf("ParseM4ASample failed: %v", err)
	}
	if !smp.IsCompressed {
		t.Fatalf("expected compressed flag")
	}

	want := []int8{0, 1, -3, -4}
	if smp.NumSamples != len(want) {
		t.Fatalf("num samples = %d, want %d", smp.NumSamples, len(want))
	}
	for i, w := range want {
		if smp.PcmData[i] != w {
			t.Fatalf("pcm[%d] = %d, want %d", i, smp.PcmData[i], w)
		}
	}

	if smp.PcmData[0] != deltaLookup[0x10&0x0F] {
		t.Fatalf("first sample must equal deltaLookup[byte0&0xF]")
	}
}

func TestDeltaPCMDecodeDeterministic(t *testing.T) {
	payload := []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0}
	a := decodeDeltaPCM(payload)
	b := decodeDeltaPCM(payload)
	if len(a) != len(payload)*2 {
		t.Fatalf("decoded length = %d, want %d", len(a), len(payload)*2)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("decode not deterministic at %d: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestDeltaPCMAccumulatorWraps(t *testing.T) {
	// Repeated +49 steps must wrap int8 without widening.
	payload := []byte{0x77, 0x77, 0x77}
	out := decodeDeltaPCM(payload)
	var acc int8
	for i := range out {
		acc += 49
		if out[i] != acc {
			t.Fatalf("sample %d = %d, want wrapped %d", i, out[i], acc)
		}
	}
}

func TestLoadSampleFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cry.bin")
	if err := os.WriteFile(path, makeSampleBlob(0, 13379*1024, 0, 2, []byte{10, 20, 30}), 0644); err != nil {
		t.Fatalf("write temp sample: %v", err)
	}

	smp, err := LoadM4ASample(path)
	if err != nil {
		t.Fatalf("LoadM4ASample failed: %v", err)
	}
	if smp.SampleRate != 13379 || smp.NumSamples != 3 {
		t.Fatalf("got rate %d samples %d", smp.SampleRate, smp.NumSamples)
	}

	if _, err := LoadM4ASample(filepath.Join(dir, "missing.bin")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
