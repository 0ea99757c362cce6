// Package iff implements generic big-endian IFF framing: FORM headers
// and chunk reading/writing with the standard's even-byte padding. It is
// shared by the quetzal save format and storyfile's Blorb detection, so
// neither re-derives chunk framing on its own.
package iff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ChunkID is a 4-character IFF chunk identifier, e.g. "IFhd" or "FORM".
type ChunkID [4]byte

func (c ChunkID) String() string { return string(c[:]) }

// NewChunkID builds a ChunkID from a string, panicking if it is not
// exactly 4 bytes (a programmer error, never a data error).
func NewChunkID(s string) ChunkID {
	if len(s) != 4 {
		panic(fmt.Sprintf("iff: chunk id %q must be exactly 4 characters", s))
	}
	var id ChunkID
	copy(id[:], s)
	return id
}

// Chunk is one parsed IFF chunk: its id and raw payload bytes (padding
// excluded).
type Chunk struct {
	ID   ChunkID
	Data []byte
}

// Form is a parsed "FORM" container: its sub-type id (e.g. "IFZS",
// "IFRS") and the ordered chunks nested directly inside it.
type Form struct {
	SubType ChunkID
	Chunks  []Chunk
}

// ReadForm parses a single top-level FORM from r.
func ReadForm(r io.Reader) (*Form, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("iff: reading FORM header: %w", err)
	}
	if ChunkID(header[:4]) != NewChunkID("FORM") {
		return nil, fmt.Errorf("iff: expected FORM, got %q", header[:4])
	}
	length := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("iff: reading FORM body (%d bytes): %w", length, err)
	}

	form := &Form{}
	copy(form.SubType[:], body[:4])

	br := bytes.NewReader(body[4:])
	for br.Len() > 0 {
		chunk, err := readChunk(br)
		if err != nil {
			return nil, err
		}
		form.Chunks = append(form.Chunks, chunk)
	}

	return form, nil
}

func readChunk(r *bytes.Reader) (Chunk, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Chunk{}, fmt.Errorf("iff: reading chunk header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Chunk{}, fmt.Errorf("iff: reading chunk body: %w", err)
	}
	if length%2 == 1 {
		if _, err := r.ReadByte(); err != nil && err != io.EOF {
			return Chunk{}, fmt.Errorf("iff: reading chunk pad byte: %w", err)
		}
	}

	return Chunk{ID: ChunkID(header[:4]), Data: data}, nil
}

// Find returns the first chunk in f with the given id, or false.
func (f *Form) Find(id ChunkID) (Chunk, bool) {
	for _, c := range f.Chunks {
		if c.ID == id {
			return c, true
		}
	}
	return Chunk{}, false
}

// WriteForm serializes subType and chunks as a single top-level FORM.
func WriteForm(w io.Writer, subType ChunkID, chunks []Chunk) error {
	var body bytes.Buffer
	body.Write(subType[:])

	for _, c := range chunks {
		body.Write(c.ID[:])
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(c.Data)))
		body.Write(lenBytes[:])
		body.Write(c.Data)
		if len(c.Data)%2 == 1 {
			body.WriteByte(0)
		}
	}

	formID := NewChunkID("FORM")
	if _, err := w.Write(formID[:]); err != nil {
		return err
	}
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(body.Len()))
	if _, err := w.Write(lenBytes[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}
