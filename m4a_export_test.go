// m4a_export_test.go - Tests for offline WAV export.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestExportWAV(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	engine := NewM4AEngine(22050)
	player := NewM4APlayer(engine, parser)
	if err := player.LoadVoicegroup(0); err != nil {
		t.Fatalf("LoadVoicegroup: %v", err)
	}

	// A short square note; program 1 is the square_1 voice.
	player.events = []m4aSeqEvent{
		{at: 0, kind: seqProgram, ch: 0, d1: 1},
		{at: 0, kind: seqNoteOn, ch: 0, d1: 60, d2: 127},
		{at: 0.1, kind: seqNoteOff, ch: 0, d1: 60},
	}
	player.duration = 0.1

	path := filepath.Join(t.TempDir(), "out.wav")
	if err := player.ExportWAV(path); err != nil {
		t.Fatalf("ExportWAV failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open exported file: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		t.Fatalf("exported file is not a valid WAV")
	}
	if dec.SampleRate != 22050 {
		t.Fatalf("WAV sample rate = %d, want 22050", dec.SampleRate)
	}
	if dec.NumChans != 2 {
		t.Fatalf("WAV channels = %d, want 2", dec.NumChans)
	}
	if dec.BitDepth != 16 {
		t.Fatalf("WAV bit depth = %d, want 16", dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode exported audio: %v", err)
	}
	nonzero := false
	for _, s := range buf.Data {
		if s != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Fatalf("exported audio is all silence")
	}
}

func TestExportWAVRequiresSong(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	player := NewM4APlayer(NewM4AEngine(22050), parser)
	if err := player.ExportWAV(filepath.Join(t.TempDir(), "x.wav")); err == nil {
		t.Fatalf("expected error when no song is loaded")
	}
}
