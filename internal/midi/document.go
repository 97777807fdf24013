package midi

// Canonical timing of every document this package writes
const (
	Resolution     = 480
	TempoBPM       = 120.0
	MicrosPerBeat  = 500000
	TicksPerSecond = 960
)

// DrumChannel is the General MIDI percussion channel (zero-based)
const DrumChannel = 9

// Note is a single pitched event in seconds
type Note struct {
	Pitch    int     `json:"pitch"`
	Velocity int     `json:"velocity"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
}

// Duration returns End - Start
func (n Note) Duration() float64 { return n.End - n.Start }

// Track is one instrument's notes
type Track struct {
	Name    string `json:"name"`
	Program int    `json:"program"`
	Drum    bool   `json:"drum"`
	Notes   []Note `json:"notes"`
}

// End returns the latest note end, or 0 for an empty track
func (t Track) End() float64 {
	var end float64
	for _, n := range t.Notes {
		end = max(end, n.End)
	}
	return end
}

// Document is a multi-track symbolic transcription
type Document struct {
	BPM        float64 `json:"bpm"`
	Resolution int     `json:"resolution"`
	Tracks     []Track `json:"tracks"`
}

// NewDocument returns an empty document at canonical tempo and resolution
func NewDocument() *Document {
	return &Document{BPM: TempoBPM, Resolution: Resolution}
}

// End returns the end time of the last note across tracks
func (d *Document) End() float64 {
	var end float64
	for _, t := range d.Tracks {
		end = max(end, t.End())
	}
	return end
}

// NoteCount returns the total number of notes
func (d *Document) NoteCount() int {
	var n int
	for _, t := range d.Tracks {
		n += len(t.Notes)
	}
	return n
}
