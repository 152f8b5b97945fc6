package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.aimuz.me/macro/internal/fsutil"
)

// ErrMalformedRecording is returned when a recording cannot be decoded.
var ErrMalformedRecording = errors.New("malformed recording")

const formatVersion = 1

// fileFormat is the on-disk document.
type fileFormat struct {
	Version int         `json:"version"`
	Events  []wireEvent `json:"events"`
}

// wireEvent is the JSON form of Event; the payload fields present depend on Type.
type wireEvent struct {
	Type    string   `json:"type"`
	Key     string   `json:"key,omitempty"`
	Button  string   `json:"button,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	DeltaX  *int64   `json:"delta_x,omitempty"`
	DeltaY  *int64   `json:"delta_y,omitempty"`
	DelayMS *uint64  `json:"delay_ms"`
}

func toWire(e Event) wireEvent {
	delay := e.DelayMS
	w := wireEvent{Type: e.Kind.String(), DelayMS: &delay}
	switch e.Kind {
	case KindKeyPress, KindKeyRelease:
		w.Key = string(e.Key)
	case KindButtonPress, KindButtonRelease:
		w.Button = string(e.Button)
	case KindMouseMove:
		x, y := e.X, e.Y
		w.X, w.Y = &x, &y
	case KindWheel:
		dx, dy := e.DeltaX, e.DeltaY
		w.DeltaX, w.DeltaY = &dx, &dy
	}
	return w
}

func fromWire(w wireEvent) (Event, error) {
	kind, ok := kindFromName(w.Type)
	if !ok {
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}
	if w.DelayMS == nil {
		return Event{}, fmt.Errorf("%s: missing delay_ms", kind)
	}

	e := Event{Kind: kind, DelayMS: *w.DelayMS}
	switch kind {
	case KindKeyPress, KindKeyRelease:
		e.Key = Key(w.Key)
	case KindButtonPress, KindButtonRelease:
		e.Button = Button(w.Button)
	case KindMouseMove:
		if w.X == nil || w.Y == nil {
			return Event{}, fmt.Errorf("%s: missing coordinates", kind)
		}
		e.X, e.Y = *w.X, *w.Y
	case KindWheel:
		if w.DeltaX == nil || w.DeltaY == nil {
			return Event{}, fmt.Errorf("%s: missing deltas", kind)
		}
		e.DeltaX, e.DeltaY = *w.DeltaX, *w.DeltaY
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Encode serialises s. The output is deterministic for equal sequences.
func Encode(s Sequence) ([]byte, error) {
	doc := fileFormat{
		Version: formatVersion,
		Events:  make([]wireEvent, 0, len(s)),
	}
	for i, e := range s {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
		doc.Events = append(doc.Events, toWire(e))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode recording: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses data produced by Encode. A bare JSON array of events is
// accepted as well. Any structural problem yields ErrMalformedRecording.
func Decode(data []byte) (Sequence, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedRecording)
	}

	var wire []wireEvent
	if trimmed[0] == '[' {
		if err := strictUnmarshal(trimmed, &wire); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRecording, err)
		}
	} else {
		var doc fileFormat
		if err := strictUnmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRecording, err)
		}
		if doc.Version < 1 || doc.Version > formatVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecording, doc.Version)
		}
		wire = doc.Events
	}

	seq := make(Sequence, 0, len(wire))
	for i, w := range wire {
		e, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %w", ErrMalformedRecording, i, err)
		}
		seq = append(seq, e)
	}
	return seq, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after document")
	}
	return nil
}

// ReadFile loads and decodes a recording.
func ReadFile(path string) (Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w: %w", fsutil.ErrIO, err)
	}
	seq, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("read recording %s: %w", path, err)
	}
	return seq, nil
}

// WriteFile encodes s and replaces path atomically.
func WriteFile(path string, s Sequence) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}
