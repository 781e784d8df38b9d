package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"streamchat/internal/domain"
)

// MaxFrameSize bounds a single text/event-stream line.
const MaxFrameSize = 1 << 20

// Frame is one raw text/event-stream event.
type Frame struct {
	ID    string
	HasID bool
	Event string
	Data  []byte
}

// FrameReader parses raw text/event-stream frames.
type FrameReader struct {
	reader *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame returns the next frame with at least one field set. Comment
// lines are skipped. Returns io.EOF when the stream ends.
func (f *FrameReader) ReadFrame() (Frame, error) {
	var (
		frame     Frame
		dataLines [][]byte
		seen      bool
	)
	for {
		line, err := f.reader.ReadBytes('\n')
		if len(line) > MaxFrameSize {
			return Frame{}, fmt.Errorf("frame line exceeds %d bytes", MaxFrameSize)
		}
		if err != nil && err != io.EOF {
			return Frame{}, err
		}
		eof := err == io.EOF

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if seen {
				frame.Data = bytes.Join(dataLines, []byte("\n"))
				return frame, nil
			}
			if eof {
				return Frame{}, io.EOF
			}
			continue
		}

		switch {
		case line[0] == ':':
			// comment / keepalive
		case bytes.HasPrefix(line, []byte("id:")):
			frame.ID = string(bytes.TrimSpace(line[3:]))
			frame.HasID = true
			seen = true
		case bytes.HasPrefix(line, []byte("event:")):
			frame.Event = string(bytes.TrimSpace(line[6:]))
			seen = true
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[5:]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			dataLines = append(dataLines, data)
			seen = true
		}

		if eof {
			if seen {
				frame.Data = bytes.Join(dataLines, []byte("\n"))
				return frame, nil
			}
			return Frame{}, io.EOF
		}
	}
}

// EncodeFrame renders e as `id: <seq>\ndata: <envelope>\n\n`.
func EncodeFrame(e domain.Event) ([]byte, error) {
	data, err := domain.MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 24)
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(e.Seq, 10))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// DecodeFrame parses a single encoded frame.
func DecodeFrame(b []byte) (domain.Event, error) {
	frame, err := NewFrameReader(bytes.NewReader(b)).ReadFrame()
	if err != nil {
		return domain.Event{}, err
	}
	return frameToEvent(frame)
}

func frameToEvent(f Frame) (domain.Event, error) {
	if !f.HasID {
		return domain.Event{}, fmt.Errorf("frame has no id")
	}
	seq, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil || seq < 0 {
		return domain.Event{}, fmt.Errorf("invalid frame id %q", f.ID)
	}
	p, err := domain.UnmarshalPayload(f.Data)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{Seq: seq, Payload: p}, nil
}

// Encoder writes events to an HTTP response or any writer.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(ev domain.Event) error {
	b, err := EncodeFrame(ev)
	if err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

// Comment writes a keepalive comment line.
func (e *Encoder) Comment(text string) error {
	_, err := fmt.Fprintf(e.w, ": %s\n\n", text)
	return err
}

// Decoder reads events, silently dropping malformed frames.
type Decoder struct {
	frames  *FrameReader
	dropped int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{frames: NewFrameReader(r)}
}

// Next returns the next well-formed event, or io.EOF.
func (d *Decoder) Next() (domain.Event, error) {
	for {
		frame, err := d.frames.ReadFrame()
		if err != nil {
			return domain.Event{}, err
		}
		ev, err := frameToEvent(frame)
		if err != nil {
			d.dropped++
			continue
		}
		return ev, nil
	}
}

// Dropped reports how many malformed frames were skipped.
func (d *Decoder) Dropped() int {
	return d.dropped
}
