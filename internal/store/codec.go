package store

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"

	"github.com/andybalholm/brotli"
)

// Bodies smaller than this are stored uncompressed.
const minCompressSize = 512

type diskEntry struct {
	Status     int
	Header     []HeaderField
	Body       []byte
	Brotli     bool
	CapturedAt int64 // unix nanoseconds
}

func encodeEntry(ent Entry) ([]byte, error) {
	de := diskEntry{
		Status:     ent.Status,
		Header:     ent.Header,
		Body:       ent.Body,
		CapturedAt: ent.CapturedAt.UnixNano(),
	}
	if len(ent.Body) >= minCompressSize {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(ent.Body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(ent.Body) {
			de.Body = buf.Bytes()
			de.Brotli = true
		}
	}
	return encodeGob(de)
}

func decodeEntry(b []byte) (Entry, error) {
	var de diskEntry
	if err := decodeGob(b, &de); err != nil {
		return Entry{}, err
	}
	body := de.Body
	if de.Brotli {
		var err error
		body, err = io.ReadAll(brotli.NewReader(bytes.NewReader(de.Body)))
		if err != nil {
			return Entry{}, err
		}
	}
	return Entry{
		Status:     de.Status,
		Header:     de.Header,
		Body:       body,
		CapturedAt: time.Unix(0, de.CapturedAt).UTC(),
	}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
