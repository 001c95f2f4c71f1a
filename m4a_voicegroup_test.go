// m4a_voicegroup_test.go - Tests for voicegroup parsing and keysplit resolution.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeTestProject lays out a minimal pokeemerald-style sound/ tree.
func writeTestProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	mustWrite := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}

	sample := makeSampleBlob(0, 22050*1024, 0, 3, []byte{1, 2, 3, 4})
	if err := os.MkdirAll(filepath.Join(dir, "sound", "direct_sound_samples"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sound", "direct_sound_samples", "piano.bin"), sample, 0644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	wave := makeSampleBlob(0, 0, 0, 31, make([]byte, 32))
	if err := os.WriteFile(filepath.Join(dir, "sound", "direct_sound_samples", "wave0.bin"), wave, 0644); err != nil {
		t.Fatalf("write wave: %v", err)
	}

	mustWrite("sound/direct_sound_data.inc", `	.align 2
DirectSoundWaveData_piano:: @ sample comment
	.incbin "sound/direct_sound_samples/piano.bin"
`)

	mustWrite("sound/programmable_wave_data.inc", `ProgrammableWaveData_0::
	.incbin "sound/direct_sound_samples/wave0.bin"
`)

	mustWrite("sound/keysplit_tables.inc", `	.align 1
	.set KeySplitTable1, . - 36
	.byte 1 @ 36
	.byte 1 @ 37
	.byte 2 @ 38
	.set KeySplitTable2, . - 0
	.byte 5
`)

	mustWrite("sound/voicegroups/voicegroup000.inc", `	.align 2
voicegroup000:: @ main bank
	voice_directsound 60, 0, DirectSoundWaveData_piano, 255, 200, 180, 165
	voice_square_1 60, 0, 0, 2, 1, 2, 10, 3 @ lead
	voice_square_2 60, 64, 1, 0, 0, 15, 0
	voice_programmable_wave 60, 0, ProgrammableWaveData_0, 0, 0, 15, 0
	voice_noise 60, 0, 1, 0, 0, 15, 0
	voice_keysplit voicegroup001, KeySplitTable1
	voice_keysplit_all voicegroup001
	voice_directsound_no_resample 60, 0, DirectSoundWaveData_piano, 255, 0, 255, 0
	voice_tonedeaf_unknown 1, 2, 3
`)

	var drums string
	for i := 0; i < 40; i++ {
		drums += fmt.Sprintf("\tvoice_directsound %d, 0, DirectSoundWaveData_piano, 255, 0, 255, 0\n", 30+i)
	}
	mustWrite("sound/voicegroups/voicegroup001.inc", "voicegroup001::\n"+drums)

	return dir
}

func TestParseVoicegroupKinds(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	group, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}
	if len(group.Voices) != 9 {
		t.Fatalf("voice count = %d, want 9", len(group.Voices))
	}

	wantTypes := []int{
		VOICE_DIRECT_SOUND, VOICE_SQUARE_1, VOICE_SQUARE_2, VOICE_PROG_WAVE,
		VOICE_NOISE, VOICE_KEYSPLIT, VOICE_KEYSPLIT_ALL, VOICE_DIRECT_SOUND,
		VOICE_EMPTY,
	}
	for i, want := range wantTypes {
		if group.Voices[i].Type != want {
			t.Fatalf("voice %d type = %d, want %d", i, group.Voices[i].Type, want)
		}
	}

	ds := group.Voices[0]
	if ds.BaseMidiKey != 60 || ds.Attack != 255 || ds.Decay != 200 || ds.Sustain != 180 || ds.Release != 165 {
		t.Fatalf("directsound ADSR wrong: %+v", ds)
	}
	if ds.Sample == nil || ds.Sample.SampleRate != 22050 {
		t.Fatalf("directsound sample not resolved")
	}

	sq1 := group.Voices[1]
	if sq1.Sweep != 0 || sq1.DutyCycle != 2 || sq1.Attack != 1 {
		t.Fatalf("square_1 args misparsed: %+v", sq1)
	}

	sq2 := group.Voices[2]
	if sq2.Pan != 64 || sq2.DutyCycle != 1 {
		t.Fatalf("square_2 args misparsed: %+v", sq2)
	}

	pw := group.Voices[3]
	if pw.Sample == nil || len(pw.Sample.PcmData) != 32 {
		t.Fatalf("programmable wave sample not resolved from wave index")
	}

	nz := group.Voices[4]
	if nz.Period != 1 {
		t.Fatalf("noise period = %d, want 1", nz.Period)
	}

	ks := group.Voices[5]
	if ks.SubVoicegroupSymbol != "voicegroup001" || ks.KeysplitTableSymbol != "KeySplitTable1" {
		t.Fatalf("keysplit args misparsed: %+v", ks)
	}

	ksa := group.Voices[6]
	if ksa.SubVoicegroupSymbol != "voicegroup001" {
		t.Fatalf("keysplit_all arg misparsed: %+v", ksa)
	}
}

func TestVoicegroupCache(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	a, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}
	b, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}
	if a != b {
		t.Fatalf("expected cached voicegroup pointer")
	}

	if a.Voices[0].Sample != a.Voices[7].Sample {
		t.Fatalf("expected sample cache to share decoded sample by path")
	}
}

func TestMissingVoicegroupFile(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	if _, err := parser.LoadVoicegroup(999); err == nil {
		t.Fatalf("expected error for missing voicegroup file")
	}
}

func TestKeysplitTableConstruction(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	table, ok := parser.KeysplitTable("KeySplitTable1")
	if !ok {
		t.Fatalf("KeySplitTable1 not parsed")
	}
	if len(table) != 128 {
		t.Fatalf("table length = %d, want 128", len(table))
	}

	cases := map[int]uint8{35: 0, 36: 1, 37: 1, 38: 2, 39: 0, 0: 0, 127: 0}
	for note, want := range cases {
		if table[note] != want {
			t.Fatalf("table[%d] = %d, want %d", note, table[note], want)
		}
	}

	table2, ok := parser.KeysplitTable("KeySplitTable2")
	if !ok || table2[0] != 5 {
		t.Fatalf("KeySplitTable2 misparsed")
	}
}

func TestResolveKeysplit(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	group, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}

	// Table maps note 38 to sub-voice 2, whose base key is 32.
	leaf := parser.ResolveKeysplit(&group.Voices[5], 38)
	if leaf == nil {
		t.Fatalf("keysplit resolution returned nil")
	}
	if leaf.BaseMidiKey != 32 {
		t.Fatalf("leaf base key = %d, want 32", leaf.BaseMidiKey)
	}

	// Unmapped notes hit table entry 0 -> sub-voice 0.
	leaf = parser.ResolveKeysplit(&group.Voices[5], 100)
	if leaf == nil || leaf.BaseMidiKey != 30 {
		t.Fatalf("unmapped note should resolve to sub-voice 0")
	}
}

func TestResolveKeysplitAll(t *testing.T) {
	parser := NewVoicegroupParser(writeTestProject(t))
	group, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}

	leaf := parser.ResolveKeysplit(&group.Voices[6], 36)
	if leaf == nil {
		t.Fatalf("keysplit_all resolution returned nil")
	}
	if leaf.BaseMidiKey != 30+36 {
		t.Fatalf("leaf base key = %d, want %d", leaf.BaseMidiKey, 30+36)
	}

	// Sub-group has 40 voices; note 60 is out of range.
	if leaf := parser.ResolveKeysplit(&group.Voices[6], 60); leaf != nil {
		t.Fatalf("expected nil for out-of-range sub-voice index")
	}

	// Plain voices resolve to nothing through the keysplit path.
	if leaf := parser.ResolveKeysplit(&group.Voices[0], 60); leaf != nil {
		t.Fatalf("expected nil for non-keysplit voice")
	}
}

func TestUnresolvedSampleIsSilentNotFatal(t *testing.T) {
	dir := t.TempDir()
	vgDir := filepath.Join(dir, "sound", "voicegroups")
	if err := os.MkdirAll(vgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "voicegroup000::\n\tvoice_directsound 60, 0, NoSuchSymbol, 255, 0, 255, 0\n"
	if err := os.WriteFile(filepath.Join(vgDir, "voicegroup000.inc"), []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	parser := NewVoicegroupParser(dir)
	group, err := parser.LoadVoicegroup(0)
	if err != nil {
		t.Fatalf("LoadVoicegroup failed: %v", err)
	}
	if group.Voices[0].Type != VOICE_DIRECT_SOUND || group.Voices[0].Sample != nil {
		t.Fatalf("unresolved sample should parse as silent directsound voice")
	}
}

func TestAsmInt(t *testing.T) {
	cases := map[string]int{
		"60":      60,
		" -5 ":    -5,
		"+7":      7,
		"12abc":   12,
		"":        0,
		"nothing": 0,
	}
	for in, want := range cases {
		if got := asmInt(in); got != want {
			t.Fatalf("asmInt(%q) = %d, want %d", in, got, want)
		}
	}
}
