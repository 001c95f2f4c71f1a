// m4a_engine.go - M4A voice pool, envelopes, LFO and stereo mixing.

/*
M4AEngine reproduces the GBA MusicPlayer2000 mixer: a fixed pool of 24
voices driven by two timebases. Oscillators run per output sample; envelopes
and LFOs advance on the ~59.7275 Hz VBlank grid, tracked by a fractional
sample accumulator so any output rate stays locked to the GBA frame clock.

The event API (NoteOn/NoteOff/ControlChange/PitchBend) and RenderFrames
share one mutex. The audio callback holds it for the duration of a buffer,
so events always land on buffer boundaries and can never tear voice state.
RenderFrames allocates nothing and never fails.
*/

package main

import (
	"math"
	"sync"
)

type channelModState struct {
	mod       uint8 // CC1 modulation depth
	lfoSpeed  uint8 // CC21
	lfoSpeedC uint8 // LFO phase counter, wraps at 256
	modT      uint8 // CC22: 0=vibrato 1=tremolo 2=auto-pan
	tune      int8  // CC24, value-64
	lfoDelay  uint8 // CC26, in GBA frames
	lfoDelayC uint8 // countdown before the LFO starts
	modM      int8  // current LFO output

	xcmdType      uint8 // CC30 selector for the next CC29 operand
	pseudoEchoVol uint8
	pseudoEchoLen uint8
}

type activeVoice struct {
	active   bool
	note     int
	velocity int
	channel  int
	voice    *M4AVoice
	isRhythm bool

	// Monotone note-on stamp; ties in voice stealing resolve oldest-first.
	triggerOrder uint64

	phase           int
	envelopeVolume  int // 0..255 DirectSound, 0..15 CGB
	isCgbVoice      bool
	envelopeCounter int
	envelopeGoal    int
	sustainGoal     int
	pseudoEchoVol   uint8
	pseudoEchoLen   uint8

	samplePos  float64
	sampleStep float64

	squarePhase    float64
	squarePhaseInc float64

	lfsr          uint16
	noiseTimer    float64
	noiseInterval float64
	noiseOutput   int8
	noiseWidth7   bool

	pitchBend float32
	panL      float32
	panR      float32
}

// M4AEngine is the synthesizer. All exported methods are safe to call from
// any goroutine.
type M4AEngine struct {
	mutex sync.Mutex

	voices [M4A_MAX_VOICES]activeVoice

	channelVolume         [16]float32
	channelPan            [16]float32
	channelPitchBend      [16]float32
	channelPitchBendRange [16]int
	channelMod            [16]channelModState

	sampleRate       int
	nextTriggerOrder uint64
	frameCounter     float64

	prevModM [16]int8
}

// NewM4AEngine creates an engine rendering at the given rate. A rate of 0
// selects the driver's usual 13379 Hz mixer rate.
func NewM4AEngine(sampleRate int) *M4AEngine {
	if sampleRate <= 0 {
		sampleRate = M4A_DEFAULT_SAMPLE_RATE
	}
	e := &M4AEngine{sampleRate: sampleRate}
	e.Reset()
	return e
}

// SetSampleRate changes the rate used for per-sample stepping. Steps of
// already-sounding voices are not recomputed; they correct themselves at
// their next pitch update.
func (e *M4AEngine) SetSampleRate(rate int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if rate > 0 {
		e.sampleRate = rate
	}
}

func (e *M4AEngine) SampleRate() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.sampleRate
}

// Reset silences everything and restores channel defaults. Idempotent and
// safe between audio callbacks.
func (e *M4AEngine) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i := range e.voices {
		e.voices[i].active = false
		e.voices[i].phase = ENV_OFF
		e.voices[i].triggerOrder = 0
	}
	e.nextTriggerOrder = 0
	e.frameCounter = 0
	for ch := 0; ch < 16; ch++ {
		e.channelVolume[ch] = 1.0
		e.channelPan[ch] = 0.5
		e.channelPitchBend[ch] = 0
		e.channelPitchBendRange[ch] = 2
		e.channelMod[ch] = channelModState{}
	}
}

// findFreeVoice picks the slot for a new note:
//  1. any inactive slot
//  2. the quietest Echo voice
//  3. the quietest Release voice
//  4. the quietest non-Attack voice
//  5. the oldest voice (all still in Attack)
//
// Attack voices are protected so bursts of simultaneous notes, drums
// especially, cannot steal each other before producing any audio; the final
// oldest-first rule keeps the outcome independent of callback timing.
func (e *M4AEngine) findFreeVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}

	best := -1
	bestVol := 1 << 30
	for i := range e.voices {
		if e.voices[i].phase == ENV_ECHO && e.voices[i].envelopeVolume < bestVol {
			bestVol = e.voices[i].envelopeVolume
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	bestVol = 1 << 30
	for i := range e.voices {
		if e.voices[i].phase == ENV_RELEASE && e.voices[i].envelopeVolume < bestVol {
			bestVol = e.voices[i].envelopeVolume
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	bestVol = 1 << 30
	for i := range e.voices {
		if e.voices[i].phase == ENV_ATTACK {
			continue
		}
		if e.voices[i].envelopeVolume < bestVol {
			bestVol = e.voices[i].envelopeVolume
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	oldest := 0
	for i := 1; i < len(e.voices); i++ {
		if e.voices[i].triggerOrder < e.voices[oldest].triggerOrder {
			oldest = i
		}
	}
	return oldest
}

// NoteOn starts a voice. Empty voices and out-of-range channels are
// dropped. A note already sounding on the same channel is retired first
// (GBA re-trigger behavior). For rhythm notes the pitch comes from the
// voice's base key, not the MIDI note.
func (e *M4AEngine) NoteOn(note, velocity, channel int, voice *M4AVoice, isRhythm bool) {
	if voice == nil || voice.Type == VOICE_EMPTY {
		return
	}
	if channel < 0 || channel > 15 {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i := range e.voices {
		if e.voices[i].active && e.voices[i].note == note && e.voices[i].channel == channel {
			e.voices[i].active = false
			e.voices[i].phase = ENV_OFF
		}
	}

	v := &e.voices[e.findFreeVoice()]

	v.active = true
	v.note = note
	v.velocity = velocity
	v.channel = channel
	v.voice = voice
	v.pitchBend = e.channelPitchBend[channel]
	v.isRhythm = isRhythm
	v.pseudoEchoVol = e.channelMod[channel].pseudoEchoVol
	v.pseudoEchoLen = e.channelMod[channel].pseudoEchoLen
	v.triggerOrder = e.nextTriggerOrder
	e.nextTriggerOrder++

	v.isCgbVoice = voice.Type == VOICE_SQUARE_1 || voice.Type == VOICE_SQUARE_2 ||
		voice.Type == VOICE_NOISE || voice.Type == VOICE_PROG_WAVE

	if v.isCgbVoice {
		v.envelopeGoal = 15
		v.sustainGoal = (v.envelopeGoal*voice.Sustain + 15) >> 4
		if voice.Attack == 0 {
			v.envelopeVolume = v.envelopeGoal
			v.phase = ENV_DECAY
			v.envelopeCounter = voice.Decay
		} else {
			v.envelopeVolume = 0
			v.phase = ENV_ATTACK
			v.envelopeCounter = voice.Attack
		}
	} else {
		v.envelopeVolume = 0
		v.phase = ENV_ATTACK
	}

	pan := float64(0.5)
	if voice.Pan != 0 {
		pan = float64(voice.Pan) / 127.0
	}
	pan = (pan + float64(e.channelPan[channel])) * 0.5
	v.panL = float32(math.Cos(pan * math.Pi * 0.5))
	v.panR = float32(math.Sin(pan * math.Pi * 0.5))

	pitchKey := note
	if isRhythm {
		pitchKey = voice.BaseMidiKey
	}

	switch voice.Type {
	case VOICE_DIRECT_SOUND:
		v.samplePos = 0
		if voice.Sample != nil && voice.Sample.SampleRate > 0 {
			target := midiNoteToFreq(pitchKey)
			base := midiNoteToFreq(voice.BaseMidiKey)
			v.sampleStep = (target / base) * (float64(voice.Sample.SampleRate) / float64(e.sampleRate))
		} else {
			v.sampleStep = 1.0
		}

	case VOICE_PROG_WAVE:
		reg := cgbMidiKeyToReg(pitchKey, 0)
		v.samplePos = 0
		v.sampleStep = cgbWaveRegToHz(reg) * float64(voiceWaveLen(voice)) / float64(e.sampleRate)

	case VOICE_SQUARE_1, VOICE_SQUARE_2:
		reg := cgbMidiKeyToReg(pitchKey, 0)
		v.squarePhase = 0
		v.squarePhaseInc = cgbSquareRegToHz(reg) / float64(e.sampleRate)

	case VOICE_NOISE:
		v.lfsr = 0x7FFF
		v.noiseTimer = 0
		v.noiseInterval = float64(e.sampleRate) / noiseKeyToHz(pitchKey)
		v.noiseOutput = 0
		v.noiseWidth7 = voice.Period != 0
	}

	// One immediate envelope step, matching the GBA's VBlank ordering: event
	// processing and SoundMainRAM run in the same frame. Without it a
	// noteOff arriving before the first render would find a DirectSound
	// envelope still at 0 and the multiplicative release would kill the
	// note silently.
	if v.phase == ENV_ATTACK {
		e.stepEnvelope(v)
	}
}

// NoteOff moves matching voices into Release. Voices already releasing,
// echoing or off are left alone.
func (e *M4AEngine) NoteOff(note, channel int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.note == note && v.channel == channel &&
			v.phase != ENV_RELEASE && v.phase != ENV_ECHO && v.phase != ENV_OFF {
			v.phase = ENV_RELEASE
			if v.isCgbVoice {
				v.envelopeCounter = v.voice.Release
			}
		}
	}
}

// AllNotesOff hard-kills every voice on the channel.
func (e *M4AEngine) AllNotesOff(channel int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.allNotesOffLocked(channel)
}

func (e *M4AEngine) allNotesOffLocked(channel int) {
	for i := range e.voices {
		if e.voices[i].active && e.voices[i].channel == channel {
			e.voices[i].active = false
			e.voices[i].phase = ENV_OFF
		}
	}
}

// ControlChange dispatches the controllers the M4A driver understands; all
// others are ignored.
func (e *M4AEngine) ControlChange(controller, value, channel int) {
	if channel < 0 || channel > 15 {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	m := &e.channelMod[channel]

	switch controller {
	case M4A_CC_MOD:
		m.mod = uint8(value)
		if value == 0 {
			m.modM = 0
			m.lfoSpeedC = 0
			m.lfoDelayC = m.lfoDelay
		}
	case M4A_CC_DATA_ENTRY:
		e.channelPitchBendRange[channel] = value
	case M4A_CC_VOLUME:
		e.channelVolume[channel] = float32(value) / 127.0
	case M4A_CC_PAN:
		e.channelPan[channel] = float32(value) / 127.0
	case M4A_CC_LFO_SPEED:
		m.lfoSpeed = uint8(value)
		if value == 0 {
			m.modM = 0
			m.lfoSpeedC = 0
			m.lfoDelayC = m.lfoDelay
		}
	case M4A_CC_MOD_TYPE:
		m.modT = uint8(value)
	case M4A_CC_TUNE:
		m.tune = int8(value - 64)
	case M4A_CC_LFO_DELAY:
		m.lfoDelay = uint8(value)
		m.lfoDelayC = uint8(value)
	case M4A_CC_XCMD:
		switch m.xcmdType {
		case XCMD_PSEUDO_ECHO_VOL:
			m.pseudoEchoVol = uint8(value)
		case XCMD_PSEUDO_ECHO_LEN:
			m.pseudoEchoLen = uint8(value)
		}
	case M4A_CC_XCMD_TYPE:
		m.xcmdType = uint8(value)
	case M4A_CC_ALL_NOTES_OFF:
		e.allNotesOffLocked(channel)
	}
}

// PitchBend applies a 14-bit signed bend value, scaled by the channel's
// bend range, to the channel and every voice sounding on it.
func (e *M4AEngine) PitchBend(value, channel int) {
	if channel < 0 || channel > 15 {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	semitones := float32(value) / 8192.0 * float32(e.channelPitchBendRange[channel])
	e.channelPitchBend[channel] = semitones

	for i := range e.voices {
		if e.voices[i].active && e.voices[i].channel == channel {
			e.voices[i].pitchBend = semitones
			e.updateVoicePitch(&e.voices[i])
		}
	}
}

// updateLFO advances one channel's triangle LFO by one GBA frame.
func (e *M4AEngine) updateLFO(ch int) {
	m := &e.channelMod[ch]
	if m.lfoSpeed == 0 || m.mod == 0 {
		m.modM = 0
		return
	}
	if m.lfoDelayC > 0 {
		m.lfoDelayC--
		return
	}
	m.lfoSpeedC += m.lfoSpeed
	var wave int
	if m.lfoSpeedC < 64 {
		wave = int(int8(m.lfoSpeedC)) // rising 0..63
	} else {
		wave = 128 - int(m.lfoSpeedC) // falling 64..-127
	}
	m.modM = int8((int(m.mod) * wave) >> 6)
}

// updateVoicePitch recomputes a voice's oscillator step from its note plus
// bend, tune and vibrato, all in 1/256-semitone units. Rhythm voices keep
// their locked pitch.
func (e *M4AEngine) updateVoicePitch(v *activeVoice) {
	if !v.active || v.voice == nil || v.isRhythm {
		return
	}

	m := &e.channelMod[v.channel]
	tuneX := int(m.tune) * 4
	bendX := int(v.pitchBend * 256.0)
	vibratoX := 0
	if m.modT == MOD_VIBRATO {
		vibratoX = 16 * int(m.modM)
	}
	totalSemi := float64(bendX+tuneX+vibratoX) / 256.0

	switch v.voice.Type {
	case VOICE_DIRECT_SOUND:
		if v.voice.Sample != nil && v.voice.Sample.SampleRate > 0 {
			target := midiNoteToFreq(v.note) * math.Pow(2, totalSemi/12.0)
			base := midiNoteToFreq(v.voice.BaseMidiKey)
			v.sampleStep = (target / base) * (float64(v.voice.Sample.SampleRate) / float64(e.sampleRate))
		}

	case VOICE_SQUARE_1, VOICE_SQUARE_2:
		intSemi, fine := splitSemitones(totalSemi)
		reg := cgbMidiKeyToReg(v.note+intSemi, fine)
		v.squarePhaseInc = cgbSquareRegToHz(reg) / float64(e.sampleRate)

	case VOICE_PROG_WAVE:
		intSemi, fine := splitSemitones(totalSemi)
		reg := cgbMidiKeyToReg(v.note+intSemi, fine)
		v.sampleStep = cgbWaveRegToHz(reg) * float64(voiceWaveLen(v.voice)) / float64(e.sampleRate)

	case VOICE_NOISE:
		intSemi, _ := splitSemitones(totalSemi)
		v.noiseInterval = float64(e.sampleRate) / noiseKeyToHz(v.note+intSemi)
	}
}

// splitSemitones separates a fractional semitone offset into an integer
// part and a 0..255 fine adjustment for the CGB register interpolation.
func splitSemitones(totalSemi float64) (int, int) {
	intSemi := int(math.Floor(totalSemi))
	fine := int((totalSemi - float64(intSemi)) * 256.0)
	if fine < 0 {
		intSemi--
		fine += 256
	}
	if fine > 255 {
		fine = 255
	}
	return intSemi, fine
}

// stepEnvelope advances one voice's envelope by one GBA frame.
//
// CGB voices count frames: each expiry of envelopeCounter moves the 0..15
// level one step toward the phase target. DirectSound voices are the
// driver's SoundMainRAM arithmetic: additive attack, multiplicative decay
// and release over 0..255. Both feed Release into the pseudo-echo tail
// captured from the channel at note-on.
func (e *M4AEngine) stepEnvelope(v *activeVoice) {
	if v.phase == ENV_OFF {
		return
	}

	if v.isCgbVoice {
		switch v.phase {
		case ENV_ATTACK:
			if v.voice.Attack == 0 {
				v.envelopeVolume = v.envelopeGoal
				v.phase = ENV_DECAY
				v.envelopeCounter = v.voice.Decay
			} else {
				v.envelopeCounter--
				if v.envelopeCounter <= 0 {
					v.envelopeVolume++
					if v.envelopeVolume >= v.envelopeGoal {
						v.envelopeVolume = v.envelopeGoal
						v.phase = ENV_DECAY
						v.envelopeCounter = v.voice.Decay
					} else {
						v.envelopeCounter = v.voice.Attack
					}
				}
			}

		case ENV_DECAY:
			if v.voice.Decay == 0 {
				v.cgbReachSustain()
			} else {
				v.envelopeCounter--
				if v.envelopeCounter <= 0 {
					v.envelopeVolume--
					if v.envelopeVolume <= v.sustainGoal {
						v.cgbReachSustain()
					} else {
						v.envelopeCounter = v.voice.Decay
					}
				}
			}

		case ENV_SUSTAIN:
			v.envelopeVolume = v.sustainGoal

		case ENV_RELEASE:
			if v.voice.Release == 0 {
				v.envelopeVolume = 0
				v.cgbEnterEcho()
			} else {
				v.envelopeCounter--
				if v.envelopeCounter <= 0 {
					v.envelopeVolume--
					if v.envelopeVolume <= 0 {
						v.envelopeVolume = 0
						v.cgbEnterEcho()
					} else {
						v.envelopeCounter = v.voice.Release
					}
				}
			}

		case ENV_ECHO:
			if v.pseudoEchoLen > 0 {
				v.pseudoEchoLen--
			}
			if v.pseudoEchoLen == 0 {
				v.phase = ENV_OFF
				v.active = false
			}
		}
		return
	}

	switch v.phase {
	case ENV_ATTACK:
		v.envelopeVolume += v.voice.Attack
		if v.envelopeVolume >= 255 {
			v.envelopeVolume = 255
			v.phase = ENV_DECAY
		}

	case ENV_DECAY:
		v.envelopeVolume = (v.envelopeVolume * v.voice.Decay) >> 8
		if v.envelopeVolume <= v.voice.Sustain {
			v.envelopeVolume = v.voice.Sustain
			if v.voice.Sustain == 0 {
				v.phase = ENV_OFF
				v.active = false
			} else {
				v.phase = ENV_SUSTAIN
			}
		}

	case ENV_SUSTAIN:
		// Hold.

	case ENV_RELEASE:
		v.envelopeVolume = (v.envelopeVolume * v.voice.Release) >> 8
		if v.envelopeVolume <= int(v.pseudoEchoVol) {
			if v.pseudoEchoVol == 0 {
				v.envelopeVolume = 0
				v.phase = ENV_OFF
				v.active = false
			} else {
				v.envelopeVolume = int(v.pseudoEchoVol)
				v.phase = ENV_ECHO
			}
		}

	case ENV_ECHO:
		if v.pseudoEchoLen > 0 {
			v.pseudoEchoLen--
		}
		if v.pseudoEchoLen == 0 {
			v.phase = ENV_OFF
			v.active = false
		}
	}
}

// cgbReachSustain resolves the decay endpoint: sustain 0 kills the voice,
// anything else holds at the sustain goal.
func (v *activeVoice) cgbReachSustain() {
	if v.voice.Sustain == 0 {
		v.envelopeVolume = 0
		v.phase = ENV_OFF
		v.active = false
	} else {
		v.envelopeVolume = v.sustainGoal
		v.phase = ENV_SUSTAIN
	}
}

// cgbEnterEcho decides between pseudo-echo tail and silence when the CGB
// release runs out.
func (v *activeVoice) cgbEnterEcho() {
	echoVol := (v.envelopeGoal*int(v.pseudoEchoVol) + 0xFF) >> 8
	if echoVol > 0 {
		v.envelopeVolume = echoVol
		v.phase = ENV_ECHO
	} else {
		v.phase = ENV_OFF
		v.active = false
	}
}

// renderDirectSound produces one linearly interpolated sample and advances
// the play head. Non-looped samples deactivate the voice at end of data.
func (e *M4AEngine) renderDirectSound(v *activeVoice) float32 {
	smp := v.voice.Sample
	if smp == nil || len(smp.PcmData) == 0 {
		return 0
	}

	numSamples := float64(len(smp.PcmData))
	if v.samplePos >= numSamples {
		if smp.IsLooped && int(smp.LoopStart) < len(smp.PcmData) {
			loopStart := float64(smp.LoopStart)
			v.samplePos = loopStart + math.Mod(v.samplePos-numSamples, numSamples-loopStart)
		} else {
			v.active = false
			return 0
		}
	}

	idx := int(v.samplePos)
	frac := float32(v.samplePos - float64(idx))
	s0 := float32(smp.PcmData[idx]) / 128.0
	s1 := s0
	if idx+1 < len(smp.PcmData) {
		s1 = float32(smp.PcmData[idx+1]) / 128.0
	}

	v.samplePos += v.sampleStep
	return s0 + frac*(s1-s0)
}

var squareDutyThresholds = [4]float64{0.125, 0.25, 0.5, 0.75}

func (e *M4AEngine) renderSquareWave(v *activeVoice) float32 {
	duty := v.voice.DutyCycle
	if duty < 0 {
		duty = 0
	}
	if duty > 3 {
		duty = 3
	}

	var out float32 = -0.5
	if math.Mod(v.squarePhase, 1.0) < squareDutyThresholds[duty] {
		out = 0.5
	}

	v.squarePhase += v.squarePhaseInc
	return out
}

// renderNoise clocks the 15-bit (or 7-bit) LFSR at the decoded NR43 rate
// and holds the last output between clocks.
func (e *M4AEngine) renderNoise(v *activeVoice) float32 {
	v.noiseTimer += 1.0
	for v.noiseTimer >= v.noiseInterval {
		v.noiseTimer -= v.noiseInterval
		bit := (v.lfsr ^ (v.lfsr >> 1)) & 1
		v.lfsr = (v.lfsr >> 1) | (bit << 14)
		if v.noiseWidth7 {
			v.lfsr = (v.lfsr &^ (1 << 6)) | (bit << 6)
		}
		if v.lfsr&1 != 0 {
			v.noiseOutput = 64
		} else {
			v.noiseOutput = -64
		}
	}
	return float32(v.noiseOutput) / 128.0
}

// renderProgWave treats the voice's PCM as a cyclic waveform.
func (e *M4AEngine) renderProgWave(v *activeVoice) float32 {
	smp := v.voice.Sample
	if smp == nil || len(smp.PcmData) == 0 {
		return 0
	}

	n := len(smp.PcmData)
	pos := math.Mod(v.samplePos, float64(n))
	if pos < 0 {
		pos += float64(n)
	}

	idx := int(pos)
	frac := float32(pos - float64(idx))
	s0 := float32(smp.PcmData[idx%n]) / 128.0
	s1 := float32(smp.PcmData[(idx+1)%n]) / 128.0

	v.samplePos += v.sampleStep
	return s0 + frac*(s1-s0)
}

// RenderFrames fills an interleaved stereo float32 buffer. The mutex is
// held for the whole call; events arriving mid-buffer wait for the next
// one. Output is scaled by 1/8 and hard-clipped to [-1, 1].
func (e *M4AEngine) RenderFrames(output []float32, frameCount int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i := 0; i < frameCount*2; i++ {
		output[i] = 0
	}

	samplesPerFrame := float64(e.sampleRate) / M4A_FRAME_HZ

	for ch := 0; ch < 16; ch++ {
		e.prevModM[ch] = e.channelMod[ch].modM
	}

	for f := 0; f < frameCount; f++ {
		e.frameCounter += 1.0
		if e.frameCounter >= samplesPerFrame {
			e.frameCounter -= samplesPerFrame

			for ch := 0; ch < 16; ch++ {
				e.prevModM[ch] = e.channelMod[ch].modM
				e.updateLFO(ch)
			}

			for i := range e.voices {
				v := &e.voices[i]
				if !v.active {
					continue
				}
				e.stepEnvelope(v)
				if !v.active {
					continue
				}
				if e.channelMod[v.channel].modT == MOD_VIBRATO &&
					e.channelMod[v.channel].modM != e.prevModM[v.channel] {
					e.updateVoicePitch(v)
				}
			}
		}

		for i := range e.voices {
			v := &e.voices[i]
			if !v.active {
				continue
			}

			var sample float32
			switch v.voice.Type {
			case VOICE_DIRECT_SOUND:
				sample = e.renderDirectSound(v)
			case VOICE_SQUARE_1, VOICE_SQUARE_2:
				sample = e.renderSquareWave(v)
			case VOICE_NOISE:
				sample = e.renderNoise(v)
			case VOICE_PROG_WAVE:
				sample = e.renderProgWave(v)
			}

			if !v.active {
				continue
			}

			envMax := float32(255.0)
			if v.isCgbVoice {
				envMax = 15.0
			}
			gain := sample * (float32(v.envelopeVolume) / envMax) * (float32(v.velocity) / 127.0)

			mod := &e.channelMod[v.channel]
			if mod.modT == MOD_TREMOLO && mod.modM != 0 {
				gain *= float32(int(mod.modM)+128) / 128.0
			}

			gain *= e.channelVolume[v.channel]

			panL := v.panL
			panR := v.panR
			if mod.modT == MOD_AUTOPAN && mod.modM != 0 {
				basePan := math.Atan2(float64(panR), float64(panL)) / (math.Pi * 0.5)
				newPan := basePan + float64(mod.modM)/128.0*0.5
				if newPan < 0 {
					newPan = 0
				}
				if newPan > 1 {
					newPan = 1
				}
				panL = float32(math.Cos(newPan * math.Pi * 0.5))
				panR = float32(math.Sin(newPan * math.Pi * 0.5))
			}

			output[f*2+0] += gain * panL
			output[f*2+1] += gain * panR
		}
	}

	const masterGain = 1.0 / 8.0
	for i := 0; i < frameCount*2; i++ {
		s := output[i] * masterGain
		if s > 1.0 {
			s = 1.0
		}
		if s < -1.0 {
			s = -1.0
		}
		output[i] = s
	}
}

// ActiveVoiceCount reports how many pool slots are sounding. Test hook.
func (e *M4AEngine) ActiveVoiceCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

// midiNoteToFreq is equal temperament around A4 = 440 Hz.
func midiNoteToFreq(note int) float64 {
	return 440.0 * math.Pow(2, float64(note-69)/12.0)
}

// cgbMidiKeyToReg reproduces MidiKeyToCgbFreq for the square and wave
// channels: an 11-bit frequency register biased by +2048, interpolated
// between adjacent semitone entries by the 0..255 fine adjustment.
func cgbMidiKeyToReg(key, fineAdjust int) int {
	if key <= 35 {
		fineAdjust = 0
		key = 0
	} else {
		key -= 36
		if key > 130 {
			key = 130
			fineAdjust = 255
		}
	}
	v1 := int(cgbScaleTable[key])
	v1 = int(cgbFreqTable[v1&0xF]) >> uint(v1>>4)
	v2 := int(cgbScaleTable[key+1])
	v2 = int(cgbFreqTable[v2&0xF]) >> uint(v2>>4)
	return v1 + ((fineAdjust * (v2 - v1)) >> 8) + 2048
}

// cgbSquareRegToHz: hardware tone frequency is 131072/(2048-reg) Hz.
func cgbSquareRegToHz(reg int) float64 {
	denom := 2048 - reg
	if denom <= 0 {
		return 131072.0
	}
	return 131072.0 / float64(denom)
}

// cgbWaveRegToHz: the wave channel runs at half the square rate.
func cgbWaveRegToHz(reg int) float64 {
	denom := 2048 - reg
	if denom <= 0 {
		return 65536.0
	}
	return 65536.0 / float64(denom)
}

// noiseNR43ToHz decodes an NR43 byte: bits 7-4 shift clock, bits 2-0
// dividing ratio (0 counts as 0.5).
func noiseNR43ToHz(nr43 uint8) float64 {
	shift := int(nr43>>4) & 0xF
	ratio := int(nr43) & 0x7
	r := float64(ratio)
	if ratio == 0 {
		r = 0.5
	}
	return 524288.0 / (r * float64(int(1)<<uint(shift+1)))
}

// noiseKeyToHz maps a MIDI key onto the NR43 table, clamped to its 60
// entries.
func noiseKeyToHz(key int) float64 {
	if key <= 20 {
		key = 0
	} else {
		key -= 21
		if key > 59 {
			key = 59
		}
	}
	return noiseNR43ToHz(cgbNoiseTable[key])
}

// voiceWaveLen is the cyclic waveform length for a prog-wave voice; the
// hardware pattern is 32 entries when no sample data is present.
func voiceWaveLen(voice *M4AVoice) int {
	if voice.Sample != nil && len(voice.Sample.PcmData) > 0 {
		return len(voice.Sample.PcmData)
	}
	return 32
}
