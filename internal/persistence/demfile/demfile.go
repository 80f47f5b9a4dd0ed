package demfile

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Container format: zstd( JSON header line + gob(TerrainV1) ). The header
// line duplicates the shape fields so tools can inspect a container without
// decoding the full sample payload.

const Version = 1

type Header struct {
	Version        int     `json:"version"`
	Name           string  `json:"name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MetersPerPixel float64 `json:"meters_per_pixel"`
	HasMask        bool    `json:"has_mask"`
}

type TerrainV1 struct {
	Header Header `json:"header"`

	// World-to-pixel origin offsets, in pixels.
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`

	// x-major, width*height samples.
	Elevations []float32 `json:"elevations"`
	Mask       []float32 `json:"mask,omitempty"`
}

func Write(path string, t TerrainV1) error {
	if n := t.Header.Width * t.Header.Height; len(t.Elevations) != n {
		return fmt.Errorf("demfile %s: %d elevations for %dx%d", path, len(t.Elevations), t.Header.Width, t.Header.Height)
	}
	if t.Header.HasMask != (len(t.Mask) > 0) {
		return fmt.Errorf("demfile %s: has_mask=%v with %d mask samples", path, t.Header.HasMask, len(t.Mask))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(t.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&t); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (TerrainV1, error) {
	var t TerrainV1
	f, err := os.Open(path)
	if err != nil {
		return t, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return t, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; gob carries the header too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return t, fmt.Errorf("header line: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&t); err != nil {
		return t, fmt.Errorf("gob decode: %w", err)
	}
	return t, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReaderSize(dec, 64*1024).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header line: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header json: %w", err)
	}
	return h, nil
}
