// m4a_export.go - Offline render of a loaded song to a WAV file.

package main

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const exportChunkFrames = 512

// ExportWAV renders the loaded song faster than real time through a fresh
// engine and writes 16-bit stereo PCM. The playback engine is untouched.
func (p *M4APlayer) ExportWAV(path string) error {
	p.mu.Lock()
	events := p.events
	duration := p.duration
	rate := p.engine.SampleRate()
	p.mu.Unlock()

	if len(events) == 0 {
		return fmt.Errorf("no song loaded")
	}

	offline := NewM4AEngine(rate)
	var channelProgram [16]int

	// One second of tail so releases and pseudo-echo ring out.
	totalFrames := int((duration+1.0)*float64(rate)) + 1

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create WAV: %w", err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, rate, 16, 2, 1)
	chunk := make([]float32, exportChunkFrames*2)
	ints := make([]int, exportChunkFrames*2)

	rendered := 0
	nextEvent := 0
	for rendered < totalFrames {
		now := float64(rendered) / float64(rate)
		for nextEvent < len(events) && events[nextEvent].at <= now {
			ev := events[nextEvent]
			nextEvent++
			switch ev.kind {
			case seqNoteOn:
				voice, isRhythm := p.resolveNote(channelProgram[ev.ch], ev.d1)
				if voice != nil {
					offline.NoteOn(ev.d1, ev.d2, ev.ch, voice, isRhythm)
				}
			case seqNoteOff:
				offline.NoteOff(ev.d1, ev.ch)
			case seqControl:
				offline.ControlChange(ev.d1, ev.d2, ev.ch)
			case seqProgram:
				if ev.ch >= 0 && ev.ch < 16 {
					channelProgram[ev.ch] = ev.d1
				}
			case seqPitchBend:
				offline.PitchBend(ev.bend, ev.ch)
			}
		}

		frames := exportChunkFrames
		if rendered+frames > totalFrames {
			frames = totalFrames - rendered
		}
		offline.RenderFrames(chunk[:frames*2], frames)
		for i := 0; i < frames*2; i++ {
			ints[i] = int(chunk[i] * 32767.0)
		}

		buf := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
			Data:           ints[:frames*2],
			SourceBitDepth: 16,
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write WAV: %w", err)
		}
		rendered += frames
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize WAV: %w", err)
	}
	return nil
}
