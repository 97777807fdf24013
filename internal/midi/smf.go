package midi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	gm "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
)

type timedEvent struct {
	tick  int64
	order int // note-offs sort ahead of note-ons on the same tick
	msg   []byte
}

// Encode writes doc as a format 1 SMF: a tempo/time-signature track then
// one track per instrument, each opening with a program change. Timing is
// always canonical regardless of doc.BPM.
func Encode(w io.Writer, doc *Document) error {
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(Resolution)

	var meta smf.Track
	meta.Add(0, smf.MetaTempo(TempoBPM))
	meta.Add(0, smf.MetaTimeSig(4, 4, 24, 8))
	meta.Close(0)
	if err := s.Add(meta); err != nil {
		return fmt.Errorf("add tempo track: %w", err)
	}

	channels := channelAllocator{}
	for _, t := range doc.Tracks {
		ch := channels.next(t.Drum)
		program := t.Program
		if t.Drum {
			program = 0
		}

		events := make([]timedEvent, 0, 2*len(t.Notes))
		for _, n := range sanitizeNotes(t.Notes) {
			start := Canonical.ToTicks(n.Start)
			end := max(Canonical.ToTicks(n.End), start+1)
			key := uint8(n.Pitch)
			events = append(events,
				timedEvent{tick: start, order: 1, msg: gm.NoteOn(ch, key, uint8(n.Velocity))},
				timedEvent{tick: end, order: 0, msg: gm.NoteOff(ch, key)},
			)
		}
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].tick != events[j].tick {
				return events[i].tick < events[j].tick
			}
			return events[i].order < events[j].order
		})

		var tr smf.Track
		if t.Name != "" {
			tr.Add(0, smf.MetaTrackSequenceName(t.Name))
		}
		tr.Add(0, gm.ProgramChange(ch, uint8(clamp(program, 0, 127))))
		var last int64
		for _, ev := range events {
			tr.Add(uint32(ev.tick-last), ev.msg)
			last = ev.tick
		}
		tr.Close(0)
		if err := s.Add(tr); err != nil {
			return fmt.Errorf("add track %q: %w", t.Name, err)
		}
	}

	if _, err := s.WriteTo(w); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	return nil
}

// WriteFile encodes doc to path, creating parent directories
func WriteFile(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create midi dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create midi file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, doc); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush midi file: %w", err)
	}
	return f.Close()
}

// Decode reads an SMF using its own resolution and tempo map. Note times
// come back in seconds; BPM reports the file's initial tempo.
func Decode(r io.Reader) (*Document, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read smf: %v", apperrors.ErrCorruptedFile, err)
	}
	mt, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("%w: SMPTE time format not supported", apperrors.ErrUnsupportedFormat)
	}

	resolution := int(mt.Resolution())
	tempos := collectTempos(s)
	doc := &Document{BPM: tempos.initial(), Resolution: resolution}

	for _, events := range s.Tracks {
		t, ok := decodeTrack(events, tempos, resolution)
		if ok {
			doc.Tracks = append(doc.Tracks, t)
		}
	}
	return doc, nil
}

// ReadFile decodes the SMF at path
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open midi: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

type openNote struct {
	tick     int64
	velocity int
}

func decodeTrack(events smf.Track, tempos tempoMap, resolution int) (Track, bool) {
	var (
		t          Track
		tick       int64
		hasProgram bool
		drumNotes  int
		open       = map[[2]uint8][]openNote{}
	)

	closeNote := func(ch, key uint8, at int64) {
		k := [2]uint8{ch, key}
		stack := open[k]
		if len(stack) == 0 {
			return
		}
		on := stack[0]
		open[k] = stack[1:]
		t.Notes = append(t.Notes, Note{
			Pitch:    int(key),
			Velocity: on.velocity,
			Start:    tempos.seconds(on.tick, resolution),
			End:      tempos.seconds(at, resolution),
		})
		if ch == DrumChannel {
			drumNotes++
		}
	}

	for _, ev := range events {
		tick += int64(ev.Delta)
		var name string
		var ch, key, vel, prog uint8
		msg := gm.Message(ev.Message)
		switch {
		case ev.Message.GetMetaTrackName(&name):
			t.Name = name
		case msg.GetNoteStart(&ch, &key, &vel):
			k := [2]uint8{ch, key}
			open[k] = append(open[k], openNote{tick: tick, velocity: int(vel)})
		case msg.GetNoteEnd(&ch, &key):
			closeNote(ch, key, tick)
		case msg.GetProgramChange(&ch, &prog):
			if !hasProgram {
				t.Program = int(prog)
				hasProgram = true
			}
			if ch == DrumChannel {
				t.Drum = true
			}
		}
	}

	// notes never released end with the track
	for k := range open {
		for len(open[k]) > 0 {
			closeNote(k[0], k[1], tick)
		}
	}

	if drumNotes > 0 && drumNotes == len(t.Notes) {
		t.Drum = true
	}
	sortByStart(t.Notes)
	return t, hasProgram || len(t.Notes) > 0
}

type tempoChange struct {
	tick int64
	bpm  float64
}

type tempoMap []tempoChange

func collectTempos(s *smf.SMF) tempoMap {
	var tm tempoMap
	for _, events := range s.Tracks {
		var tick int64
		for _, ev := range events {
			tick += int64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) && bpm > 0 {
				tm = append(tm, tempoChange{tick: tick, bpm: bpm})
			}
		}
	}
	sort.SliceStable(tm, func(i, j int) bool { return tm[i].tick < tm[j].tick })
	return tm
}

func (tm tempoMap) initial() float64 {
	if len(tm) == 0 || tm[0].tick > 0 {
		return TempoBPM
	}
	return tm[0].bpm
}

// seconds integrates the tempo map up to tick
func (tm tempoMap) seconds(tick int64, resolution int) float64 {
	bpm := TempoBPM
	var prev int64
	var secs float64
	for _, c := range tm {
		if c.tick >= tick {
			break
		}
		secs += float64(c.tick-prev) / float64(resolution) * 60 / bpm
		prev, bpm = c.tick, c.bpm
	}
	return secs + float64(tick-prev)/float64(resolution)*60/bpm
}

// channelAllocator hands out melodic channels in order, skipping the drum
// channel
type channelAllocator struct {
	n uint8
}

func (c *channelAllocator) next(drum bool) uint8 {
	if drum {
		return DrumChannel
	}
	ch := c.n % 15
	c.n++
	if ch >= DrumChannel {
		ch++
	}
	return ch
}
