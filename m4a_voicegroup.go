// m4a_voicegroup.go - Voicegroup .inc parsing and keysplit resolution.

/*
A pokeemerald-style project keeps its instrument bank as assembler source:

  sound/voicegroups/voicegroupNNN.inc   one label, then voice_* directives
  sound/direct_sound_data.inc           Symbol:: / .incbin "path" pairs
  sound/programmable_wave_data.inc      same layout, wave patterns
  sound/keysplit_tables.inc             .set Name, . - offset / .byte rows

VoicegroupParser reads these lazily and memoizes voicegroups by name and
samples by path. The caches are grow-only, so a loaded bank can be shared
read-only with the audio thread.
*/

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var m4aLog = log.New(os.Stderr, "[m4a] ", 0)

// M4AVoice is one entry of a voicegroup. Which fields are meaningful
// depends on Type.
type M4AVoice struct {
	Type        int
	BaseMidiKey int // key at which a sample plays at natural pitch
	Pan         int // 0 = centre, otherwise 0..127
	Attack      int
	Decay       int
	Sustain     int
	Release     int

	DutyCycle int // square: 0..3
	Sweep     int // square 1: parsed but not applied, like the hardware-unused NR10 path
	Period    int // noise: 0 = 15-bit LFSR, nonzero = 7-bit

	SampleSymbol string
	Sample       *M4ASample // DirectSound / ProgWave, nil if unresolved

	SubVoicegroupSymbol string // Keysplit / KeysplitAll
	KeysplitTableSymbol string // Keysplit
}

// M4AVoicegroup is an ordered bank of voices indexed by MIDI program.
type M4AVoicegroup struct {
	Name   string
	Voices []M4AVoice
}

// VoicegroupParser parses a GBA project's sound data. Not safe for
// concurrent use; load everything before playback starts.
type VoicegroupParser struct {
	projectDir string

	directSoundPaths map[string]string
	progWavePaths    map[string]string
	keysplitTables   map[string][]uint8

	sampleCache     map[string]*M4ASample
	voicegroupCache map[string]*M4AVoicegroup
}

func NewVoicegroupParser(projectDir string) *VoicegroupParser {
	return &VoicegroupParser{
		projectDir:      projectDir,
		sampleCache:     make(map[string]*M4ASample),
		voicegroupCache: make(map[string]*M4AVoicegroup),
	}
}

// LoadVoicegroup loads voicegroupNNN.inc by number, parsing the project's
// index files first if this is the first load.
func (p *VoicegroupParser) LoadVoicegroup(num int) (*M4AVoicegroup, error) {
	p.ensureIndexes()
	return p.ParseVoicegroupFile(fmt.Sprintf("voicegroup%03d", num))
}

func (p *VoicegroupParser) ensureIndexes() {
	if p.directSoundPaths == nil {
		p.directSoundPaths = p.parseIncbinIndex(filepath.Join(p.projectDir, "sound", "direct_sound_data.inc"))
	}
	if p.progWavePaths == nil {
		p.progWavePaths = p.parseIncbinIndex(filepath.Join(p.projectDir, "sound", "programmable_wave_data.inc"))
	}
	if p.keysplitTables == nil {
		p.keysplitTables = p.parseKeysplitTables(filepath.Join(p.projectDir, "sound", "keysplit_tables.inc"))
	}
}

// ParseVoicegroupFile parses sound/voicegroups/<name>.inc. A missing or
// unreadable file yields an error; the caller decides whether that is fatal
// (top-level group) or just a silent voice (keysplit target).
func (p *VoicegroupParser) ParseVoicegroupFile(name string) (*M4AVoicegroup, error) {
	if vg, ok := p.voicegroupCache[name]; ok {
		return vg, nil
	}

	path := filepath.Join(p.projectDir, "sound", "voicegroups", name+".inc")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("voicegroup %s: %w", name, err)
	}

	vg := &M4AVoicegroup{Name: name}
	pastLabel := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(stripAsmComment(line))
		if trimmed == "" {
			continue
		}
		if !pastLabel {
			if strings.Contains(trimmed, "::") {
				pastLabel = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "voice_") {
			vg.Voices = append(vg.Voices, p.parseVoiceLine(trimmed))
		}
	}

	p.voicegroupCache[name] = vg
	return vg, nil
}

// parseVoiceLine decodes one voice_* directive. Unknown directives and
// short argument lists produce an empty voice, which the engine drops at
// note-on.
func (p *VoicegroupParser) parseVoiceLine(trimmed string) M4AVoice {
	var v M4AVoice

	directive := trimmed
	argStr := ""
	if sp := strings.IndexByte(trimmed, ' '); sp >= 0 {
		directive = trimmed[:sp]
		argStr = trimmed[sp+1:]
	}
	args := splitAsmArgs(argStr)

	switch {
	case strings.HasPrefix(directive, "voice_directsound"):
		// Covers _no_resample and _alt; the no-resample hint is not honored.
		if len(args) < 7 {
			return v
		}
		v.Type = VOICE_DIRECT_SOUND
		v.BaseMidiKey = asmInt(args[0])
		v.Pan = asmInt(args[1])
		v.SampleSymbol = args[2]
		v.Attack = asmInt(args[3])
		v.Decay = asmInt(args[4])
		v.Sustain = asmInt(args[5])
		v.Release = asmInt(args[6])
		v.Sample = p.resolveSample(v.SampleSymbol)

	case strings.HasPrefix(directive, "voice_square_1"):
		if len(args) < 8 {
			return v
		}
		v.Type = VOICE_SQUARE_1
		v.BaseMidiKey = asmInt(args[0])
		v.Pan = asmInt(args[1])
		v.Sweep = asmInt(args[2])
		v.DutyCycle = asmInt(args[3])
		v.Attack = asmInt(args[4])
		v.Decay = asmInt(args[5])
		v.Sustain = asmInt(args[6])
		v.Release = asmInt(args[7])

	case strings.HasPrefix(directive, "voice_square_2"):
		if len(args) < 7 {
			return v
		}
		v.Type = VOICE_SQUARE_2
		v.BaseMidiKey = asmInt(args[0])
		v.Pan = asmInt(args[1])
		v.DutyCycle = asmInt(args[2])
		v.Attack = asmInt(args[3])
		v.Decay = asmInt(args[4])
		v.Sustain = asmInt(args[5])
		v.Release = asmInt(args[6])

	case strings.HasPrefix(directive, "voice_programmable_wave"):
		if len(args) < 7 {
			return v
		}
		v.Type = VOICE_PROG_WAVE
		v.BaseMidiKey = asmInt(args[0])
		v.Pan = asmInt(args[1])
		v.SampleSymbol = args[2]
		v.Attack = asmInt(args[3])
		v.Decay = asmInt(args[4])
		v.Sustain = asmInt(args[5])
		v.Release = asmInt(args[6])
		v.Sample = p.resolveSample(v.SampleSymbol)

	case strings.HasPrefix(directive, "voice_noise"):
		if len(args) < 7 {
			return v
		}
		v.Type = VOICE_NOISE
		v.BaseMidiKey = asmInt(args[0])
		v.Pan = asmInt(args[1])
		v.Period = asmInt(args[2])
		v.Attack = asmInt(args[3])
		v.Decay = asmInt(args[4])
		v.Sustain = asmInt(args[5])
		v.Release = asmInt(args[6])

	case strings.HasPrefix(directive, "voice_keysplit_all"):
		if len(args) < 1 {
			return v
		}
		v.Type = VOICE_KEYSPLIT_ALL
		v.SubVoicegroupSymbol = args[0]

	case strings.HasPrefix(directive, "voice_keysplit"):
		if len(args) < 2 {
			return v
		}
		v.Type = VOICE_KEYSPLIT
		v.SubVoicegroupSymbol = args[0]
		v.KeysplitTableSymbol = args[1]
	}

	return v
}

// ResolveKeysplit chases a Keysplit or KeysplitAll voice to the leaf voice
// for the given note. Returns nil when the sub-group or index is missing;
// the note is then dropped. Resolution is single-level.
func (p *VoicegroupParser) ResolveKeysplit(voice *M4AVoice, note int) *M4AVoice {
	if note < 0 {
		note = 0
	}
	if note > 127 {
		note = 127
	}

	switch voice.Type {
	case VOICE_KEYSPLIT_ALL:
		sub, err := p.ParseVoicegroupFile(voice.SubVoicegroupSymbol)
		if err != nil {
			m4aLog.Printf("keysplit_all: %v", err)
			return nil
		}
		if note < len(sub.Voices) {
			return &sub.Voices[note]
		}
		return nil

	case VOICE_KEYSPLIT:
		table, ok := p.keysplitTables[voice.KeysplitTableSymbol]
		if !ok {
			m4aLog.Printf("keysplit: unknown table %q", voice.KeysplitTableSymbol)
			return nil
		}
		idx := int(table[note])
		sub, err := p.ParseVoicegroupFile(voice.SubVoicegroupSymbol)
		if err != nil {
			m4aLog.Printf("keysplit: %v", err)
			return nil
		}
		if idx < len(sub.Voices) {
			return &sub.Voices[idx]
		}
		return nil
	}

	return nil
}

// KeysplitTable returns a parsed 128-byte keysplit table by name.
func (p *VoicegroupParser) KeysplitTable(name string) ([]uint8, bool) {
	p.ensureIndexes()
	t, ok := p.keysplitTables[name]
	return t, ok
}

// resolveSample maps a sample symbol to a decoded sample, consulting the
// DirectSound index first and then the programmable-wave index. Failures
// log and return nil so the voice plays silently.
func (p *VoicegroupParser) resolveSample(symbol string) *M4ASample {
	path, ok := p.directSoundPaths[symbol]
	if !ok {
		path, ok = p.progWavePaths[symbol]
		if !ok {
			m4aLog.Printf("unresolved sample symbol %q", symbol)
			return nil
		}
	}

	if smp, ok := p.sampleCache[path]; ok {
		return smp
	}
	smp, err := LoadM4ASample(path)
	if err != nil {
		m4aLog.Printf("load sample: %v", err)
		p.sampleCache[path] = nil
		return nil
	}
	p.sampleCache[path] = smp
	return smp
}

// parseIncbinIndex reads a "Symbol::" / `.incbin "relpath"` pair file and
// returns symbol -> absolute path.
func (p *VoicegroupParser) parseIncbinIndex(path string) map[string]string {
	out := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		m4aLog.Printf("index: %v", err)
		return out
	}

	currentSymbol := ""
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(stripAsmComment(line))
		if idx := strings.Index(trimmed, "::"); idx >= 0 && !strings.Contains(trimmed, ".incbin") {
			currentSymbol = trimmed[:idx]
			continue
		}
		if currentSymbol != "" && strings.Contains(trimmed, ".incbin") {
			q1 := strings.IndexByte(trimmed, '"')
			q2 := strings.LastIndexByte(trimmed, '"')
			if q1 >= 0 && q2 > q1 {
				out[currentSymbol] = filepath.Join(p.projectDir, trimmed[q1+1:q2])
			}
			currentSymbol = ""
		}
	}
	return out
}

// parseKeysplitTables reads keysplit_tables.inc. Each table starts with
// ".set Name, . - offset" where offset is the first covered MIDI note, and
// ".byte n" rows fill table[offset+i]. Every table is 128 entries with 0
// for unmapped notes.
func (p *VoicegroupParser) parseKeysplitTables(path string) map[string][]uint8 {
	out := make(map[string][]uint8)
	data, err := os.ReadFile(path)
	if err != nil {
		m4aLog.Printf("keysplit tables: %v", err)
		return out
	}

	currentName := ""
	currentOffset := 0
	var currentBytes []uint8

	flush := func() {
		if currentName == "" {
			return
		}
		table := make([]uint8, 128)
		for i, b := range currentBytes {
			if idx := currentOffset + i; idx >= 0 && idx < 128 {
				table[idx] = b
			}
		}
		out[currentName] = table
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(stripAsmComment(line))
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, ".set ") {
			flush()
			currentName = ""
			currentOffset = 0
			currentBytes = currentBytes[:0]

			rest := strings.TrimSpace(trimmed[5:])
			comma := strings.IndexByte(rest, ',')
			if comma < 0 {
				continue
			}
			currentName = strings.TrimSpace(rest[:comma])
			offsetPart := strings.TrimSpace(rest[comma+1:])
			if dash := strings.IndexByte(offsetPart, '-'); dash >= 0 {
				currentOffset = asmInt(strings.TrimSpace(offsetPart[dash+1:]))
			}
			continue
		}

		if strings.HasPrefix(trimmed, ".byte") {
			currentBytes = append(currentBytes, uint8(asmInt(strings.TrimSpace(trimmed[5:]))))
		}
	}
	flush()

	return out
}

// stripAsmComment drops everything from the '@' comment character on.
func stripAsmComment(line string) string {
	if at := strings.IndexByte(line, '@'); at >= 0 {
		return line[:at]
	}
	return line
}

// splitAsmArgs splits a comma-separated argument list, trimming each piece.
func splitAsmArgs(argStr string) []string {
	if strings.TrimSpace(argStr) == "" {
		return nil
	}
	parts := strings.Split(argStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// asmInt parses the leading decimal integer of a token, C atoi style:
// optional sign, digits, anything after ignored. Unparseable tokens are 0.
func asmInt(s string) int {
	s = strings.TrimSpace(s)
	i := 0
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	n := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}
