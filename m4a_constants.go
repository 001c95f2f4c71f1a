// m4a_constants.go - Fixed lookup tables and constants for the M4A synth.

package main

const (
	// Voice pool size of the GBA M4A mixer. A 25th simultaneous note steals
	// a slot (see findFreeVoice).
	M4A_MAX_VOICES = 24

	// VBlank rate of the GBA. Envelopes and LFOs advance on this timebase.
	M4A_FRAME_HZ = 59.7275

	// Mixer rate the original driver is most commonly configured for.
	M4A_DEFAULT_SAMPLE_RATE = 13379

	// Sample rate fields in sample headers are stored as Hz*1024. A zero
	// field falls back to this rate.
	M4A_FALLBACK_SAMPLE_HZ = 8000
)

// Voice kinds produced by the voicegroup parser.
const (
	VOICE_EMPTY = iota
	VOICE_DIRECT_SOUND
	VOICE_SQUARE_1
	VOICE_SQUARE_2
	VOICE_PROG_WAVE
	VOICE_NOISE
	VOICE_KEYSPLIT
	VOICE_KEYSPLIT_ALL
)

// Envelope phases. Transitions run forward only; a re-trigger retires the
// old voice rather than rewinding it.
const (
	ENV_ATTACK = iota
	ENV_DECAY
	ENV_SUSTAIN
	ENV_RELEASE
	ENV_ECHO
	ENV_OFF
)

// MIDI controllers the M4A driver responds to. Everything else is ignored.
const (
	M4A_CC_MOD           = 1
	M4A_CC_DATA_ENTRY    = 6
	M4A_CC_VOLUME        = 7
	M4A_CC_PAN           = 10
	M4A_CC_LFO_SPEED     = 21
	M4A_CC_MOD_TYPE      = 22
	M4A_CC_TUNE          = 24
	M4A_CC_LFO_DELAY     = 26
	M4A_CC_XCMD          = 29
	M4A_CC_XCMD_TYPE     = 30
	M4A_CC_ALL_NOTES_OFF = 123
)

// Mod types selected by CC 22.
const (
	MOD_VIBRATO = 0
	MOD_TREMOLO = 1
	MOD_AUTOPAN = 2
)

// XCMD operand targets selected by CC 30.
const (
	XCMD_PSEUDO_ECHO_VOL = 8
	XCMD_PSEUDO_ECHO_LEN = 9
)

// cgbScaleTable maps (midiKey - 36) to a frequency divider recipe: the high
// nibble is a right-shift amount, the low nibble indexes cgbFreqTable.
// 132 entries, 11 octaves x 12 semitones (m4a_tables).
var cgbScaleTable = [132]uint8{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B,
	0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B,
	0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2A, 0x2B,
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3A, 0x3B,
	0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49, 0x4A, 0x4B,
	0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59, 0x5A, 0x5B,
	0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69, 0x6A, 0x6B,
	0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79, 0x7A, 0x7B,
	0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89, 0x8A, 0x8B,
	0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98, 0x99, 0x9A, 0x9B,
	0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0xA9, 0xAA, 0xAB,
}

// cgbFreqTable holds the negative base dividers for one octave.
var cgbFreqTable = [12]int16{
	-2004, -1891, -1785, -1685, -1591, -1501,
	-1417, -1337, -1262, -1192, -1125, -1062,
}

// cgbNoiseTable maps (midiKey - 21) to an NR43 register value.
var cgbNoiseTable = [60]uint8{
	0xD7, 0xD6, 0xD5, 0xD4, 0xC7, 0xC6, 0xC5, 0xC4,
	0xB7, 0xB6, 0xB5, 0xB4, 0xA7, 0xA6, 0xA5, 0xA4,
	0x97, 0x96, 0x95, 0x94, 0x87, 0x86, 0x85, 0x84,
	0x77, 0x76, 0x75, 0x74, 0x67, 0x66, 0x65, 0x64,
	0x57, 0x56, 0x55, 0x54, 0x47, 0x46, 0x45, 0x44,
	0x37, 0x36, 0x35, 0x34, 0x27, 0x26, 0x25, 0x24,
	0x17, 0x16, 0x15, 0x14, 0x07, 0x06, 0x05, 0x04,
	0x03, 0x02, 0x01, 0x00,
}

// deltaLookup is the 4-bit delta-PCM step table used by compressed samples.
var deltaLookup = [16]int8{
	0, 1, 4, 9, 16, 25, 36, 49, -64, -49, -36, -25, -16, -9, -4, -1,
}
