// m4a_player.go - High-level MIDI player for the M4A synth.

/*
M4APlayer provides playback of a Standard MIDI File through a voicegroup.

Usage:
  player := NewM4APlayer(engine, parser)
  player.LoadVoicegroup(60)
  player.Load("song.mid")
  player.Play()

Program changes are tracked here per channel, not in the engine: the GBA
driver resolves (program, note) through the keysplit tables at note-on, and
a note is a rhythm note when its program's top-level voice is keysplit_all.
*/

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// Sequenced event kinds, in dispatch form.
const (
	seqNoteOn = iota
	seqNoteOff
	seqControl
	seqProgram
	seqPitchBend
)

type m4aSeqEvent struct {
	at   float64 // seconds from song start
	kind int
	ch   int
	d1   int // note / controller / program
	d2   int // velocity / value
	bend int // signed 14-bit pitch bend
}

// M4APlayer drives an M4AEngine from a parsed MIDI file.
type M4APlayer struct {
	engine *M4AEngine
	parser *VoicegroupParser

	group    *M4AVoicegroup
	groupNum int

	events   []m4aSeqEvent
	duration float64

	playing bool
	playGen uint64
	mu      sync.Mutex
}

func NewM4APlayer(engine *M4AEngine, parser *VoicegroupParser) *M4APlayer {
	return &M4APlayer{engine: engine, parser: parser, groupNum: -1}
}

// LoadVoicegroup selects the instrument bank by number.
func (p *M4APlayer) LoadVoicegroup(num int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	group, err := p.parser.LoadVoicegroup(num)
	if err != nil {
		return err
	}
	p.group = group
	p.groupNum = num
	m4aLog.Printf("loaded voicegroup%03d with %d voices", num, len(group.Voices))
	return nil
}

// Load reads a MIDI file and compiles it to a timed event list. If the
// project's midi.cfg names this file, the matching voicegroup is loaded
// too.
func (p *M4APlayer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read MIDI file: %w", err)
	}

	if num, ok := p.voicegroupForSong(filepath.Base(path)); ok {
		if err := p.LoadVoicegroup(num); err != nil {
			m4aLog.Printf("midi.cfg voicegroup: %v", err)
		}
	}

	return p.LoadData(data)
}

// LoadData compiles MIDI data from a byte slice.
func (p *M4APlayer) LoadData(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	song, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse MIDI: %w", err)
	}

	events, duration, err := compileSMF(song)
	if err != nil {
		return err
	}
	p.events = events
	p.duration = duration
	return nil
}

// compileSMF merges all tracks, applies tempo changes and returns channel
// events stamped with absolute seconds.
func compileSMF(song *smf.SMF) ([]m4aSeqEvent, float64, error) {
	metric, ok := song.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported MIDI time format %v", song.TimeFormat)
	}
	ticksPerQuarter := float64(metric.Resolution())

	type rawEvent struct {
		tick uint64
		msg  smf.Message
	}
	var raw []rawEvent
	for _, track := range song.Tracks {
		var abs uint64
		for _, ev := range track {
			abs += uint64(ev.Delta)
			raw = append(raw, rawEvent{tick: abs, msg: ev.Message})
		}
	}
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].tick < raw[j].tick })

	secPerTick := 60.0 / (120.0 * ticksPerQuarter) // until the first tempo event
	var (
		events   []m4aSeqEvent
		lastTick uint64
		lastSecs float64
	)

	for _, re := range raw {
		at := lastSecs + float64(re.tick-lastTick)*secPerTick

		var bpm float64
		if re.msg.GetMetaTempo(&bpm) && bpm > 0 {
			lastSecs = at
			lastTick = re.tick
			secPerTick = 60.0 / (bpm * ticksPerQuarter)
			continue
		}

		var channel, key, velocity, controller, value, program uint8
		var relBend int16
		var absBend uint16
		switch {
		case re.msg.GetNoteStart(&channel, &key, &velocity):
			events = append(events, m4aSeqEvent{at: at, kind: seqNoteOn, ch: int(channel), d1: int(key), d2: int(velocity)})
		case re.msg.GetNoteEnd(&channel, &key):
			events = append(events, m4aSeqEvent{at: at, kind: seqNoteOff, ch: int(channel), d1: int(key)})
		case re.msg.GetControlChange(&channel, &controller, &value):
			events = append(events, m4aSeqEvent{at: at, kind: seqControl, ch: int(channel), d1: int(controller), d2: int(value)})
		case re.msg.GetProgramChange(&channel, &program):
			events = append(events, m4aSeqEvent{at: at, kind: seqProgram, ch: int(channel), d1: int(program)})
		case re.msg.GetPitchBend(&channel, &relBend, &absBend):
			events = append(events, m4aSeqEvent{at: at, kind: seqPitchBend, ch: int(channel), bend: int(relBend)})
		}
	}

	duration := 0.0
	if len(events) > 0 {
		duration = events[len(events)-1].at
	}
	return events, duration, nil
}

// Play starts the event pump. A second Play while running is a no-op.
func (p *M4APlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing || len(p.events) == 0 {
		return
	}

	p.engine.Reset()
	p.playing = true
	p.playGen++
	go p.pump(p.playGen, p.events)
}

// pump dispatches the compiled events in real time. The generation counter
// keeps a stale pump from touching an engine that was reset for new
// playback.
func (p *M4APlayer) pump(gen uint64, events []m4aSeqEvent) {
	var channelProgram [16]int
	start := time.Now()

	for _, ev := range events {
		wait := time.Duration(ev.at*float64(time.Second)) - time.Since(start)
		if wait > 0 {
			time.Sleep(wait)
		}

		p.mu.Lock()
		stale := p.playGen != gen || !p.playing
		p.mu.Unlock()
		if stale {
			return
		}

		switch ev.kind {
		case seqNoteOn:
			voice, isRhythm := p.resolveNote(channelProgram[ev.ch], ev.d1)
			if voice != nil {
				p.engine.NoteOn(ev.d1, ev.d2, ev.ch, voice, isRhythm)
			}
		case seqNoteOff:
			p.engine.NoteOff(ev.d1, ev.ch)
		case seqControl:
			p.engine.ControlChange(ev.d1, ev.d2, ev.ch)
		case seqProgram:
			if ev.ch >= 0 && ev.ch < 16 {
				channelProgram[ev.ch] = ev.d1
			}
		case seqPitchBend:
			p.engine.PitchBend(ev.bend, ev.ch)
		}
	}

	// Let releases and pseudo-echo tails ring out before declaring the song
	// over.
	time.Sleep(time.Second)

	p.mu.Lock()
	if p.playGen == gen {
		p.playing = false
		for ch := 0; ch < 16; ch++ {
			p.engine.AllNotesOff(ch)
		}
	}
	p.mu.Unlock()
}

// resolveNote chases (program, note) to the leaf voice the engine should
// play. Rhythm classification follows the top-level voice, matching the
// driver: every note of a keysplit_all program is a drum.
func (p *M4APlayer) resolveNote(program, note int) (*M4AVoice, bool) {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()

	if group == nil || program < 0 || program >= len(group.Voices) {
		return nil, false
	}
	top := &group.Voices[program]
	isRhythm := top.Type == VOICE_KEYSPLIT_ALL
	if top.Type == VOICE_KEYSPLIT || top.Type == VOICE_KEYSPLIT_ALL {
		return p.parser.ResolveKeysplit(top, note), isRhythm
	}
	return top, isRhythm
}

// Stop ends playback and silences the engine.
func (p *M4APlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *M4APlayer) stopLocked() {
	if !p.playing {
		return
	}
	p.playing = false
	p.playGen++
	p.engine.Reset()
}

// IsPlaying reports whether the pump is running.
func (p *M4APlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// DurationSeconds returns the song length in seconds (0 if nothing is
// loaded).
func (p *M4APlayer) DurationSeconds() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// DurationText returns the duration formatted as "m:ss".
func (p *M4APlayer) DurationText() string {
	secs := int(p.DurationSeconds() + 0.5)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// voicegroupForSong looks the MIDI filename up in the project's
// sound/songs/midi/midi.cfg. A "-Gnnn" flag selects voicegroup nnn; a
// matching line without one means voicegroup 0.
func (p *M4APlayer) voicegroupForSong(midiFilename string) (int, bool) {
	cfgPath := filepath.Join(p.parser.projectDir, "sound", "songs", "midi", "midi.cfg")
	f, err := os.Open(cfgPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	target := strings.ToLower(midiFilename)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colon])) != target {
			continue
		}
		flags := line[colon+1:]
		if g := strings.Index(flags, "-G"); g >= 0 {
			return asmInt(flags[g+2:]), true
		}
		return 0, true
	}
	return 0, false
}
