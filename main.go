// main.go - Command-line entry point for the M4A voicegroup synth.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
)

func main() {
	var (
		projectDir string
		voicegroup int
		sampleRate int
		wavOut     string
		dumpBank   bool
	)

	pflag.StringVarP(&projectDir, "project", "p", "", "GBA project directory (containing sound/)")
	pflag.IntVarP(&voicegroup, "voicegroup", "g", -1, "voicegroup number (default: from midi.cfg, else 0)")
	pflag.IntVarP(&sampleRate, "rate", "r", 48000, "output sample rate in Hz")
	pflag.StringVarP(&wavOut, "wav", "w", "", "render to WAV file instead of playing")
	pflag.BoolVar(&dumpBank, "dump", false, "dump the parsed voicegroup and exit")
	pflag.Parse()

	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "usage: sxfmustool --project <dir> [options] <song.mid>")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	parser := NewVoicegroupParser(projectDir)

	if dumpBank && pflag.NArg() == 0 {
		num := voicegroup
		if num < 0 {
			num = 0
		}
		group, err := parser.LoadVoicegroup(num)
		if err != nil {
			m4aLog.Fatalf("load voicegroup: %v", err)
		}
		spew.Dump(group)
		return
	}

	if pflag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "no MIDI file given")
		os.Exit(1)
	}
	midiPath := pflag.Arg(0)

	engine := NewM4AEngine(sampleRate)
	player := NewM4APlayer(engine, parser)

	if voicegroup >= 0 {
		if err := player.LoadVoicegroup(voicegroup); err != nil {
			m4aLog.Fatalf("load voicegroup: %v", err)
		}
	}

	if err := player.Load(midiPath); err != nil {
		m4aLog.Fatalf("load song: %v", err)
	}
	if player.group == nil {
		// Neither flag nor midi.cfg picked a bank; fall back to voicegroup 0.
		if err := player.LoadVoicegroup(0); err != nil {
			m4aLog.Fatalf("load voicegroup: %v", err)
		}
	}

	if dumpBank {
		spew.Dump(player.group)
		return
	}

	if wavOut != "" {
		m4aLog.Printf("rendering %s (%s) to %s", midiPath, player.DurationText(), wavOut)
		if err := player.ExportWAV(wavOut); err != nil {
			m4aLog.Fatalf("export: %v", err)
		}
		return
	}

	backend, err := NewOtoPlayer(sampleRate)
	if err != nil {
		m4aLog.Fatalf("audio device: %v", err)
	}
	backend.SetupPlayer(engine)
	backend.Start()
	defer backend.Close()

	m4aLog.Printf("playing %s (%s), press q to quit", midiPath, player.DurationText())
	player.Play()

	quit := make(chan struct{})
	keys := NewKeyReader(func(b byte) {
		switch b {
		case 'q', 'Q', 0x03: // Ctrl-C in raw mode
			select {
			case <-quit:
			default:
				close(quit)
			}
		}
	})
	keys.Start()
	defer keys.Stop()

	for player.IsPlaying() {
		select {
		case <-quit:
			player.Stop()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
