package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Raw loading errors.
var (
	// ErrUnsupportedFormat is returned for an unknown sample format.
	ErrUnsupportedFormat = errors.New("volume: unsupported sample format")

	// ErrSizeMismatch is returned when a raw file does not hold exactly
	// the samples its descriptor declares.
	ErrSizeMismatch = errors.New("volume: raw data size does not match resolution")
)

// Format is the sample type of a raw file.
type Format string

// Sample formats. All are little-endian.
const (
	FormatUint8   Format = "u8"
	FormatUint16  Format = "u16"
	FormatFloat32 Format = "f32"
)

// Size returns the size of one sample in bytes, or 0 for unknown formats.
func (f Format) Size() int {
	switch f {
	case FormatUint8:
		return 1
	case FormatUint16:
		return 2
	case FormatFloat32:
		return 4
	default:
		return 0
	}
}

// Descriptor describes a raw volume file.
//
// Example descriptor:
//
//	file: head.raw.zst
//	resolution: [256, 256, 113]
//	voxel_size: [1, 1, 2]
//	format: u16
type Descriptor struct {
	// File is the raw data path. Relative paths in a descriptor file are
	// resolved against the descriptor's directory.
	File       string     `yaml:"file"`
	Resolution [3]int     `yaml:"resolution"`
	VoxelSize  [3]float32 `yaml:"voxel_size,omitempty"`
	Format     Format     `yaml:"format"`
}

// Validate checks the resolution, voxel size and format.
func (d *Descriptor) Validate() error {
	if _, err := sampleCount(d.Resolution); err != nil {
		return err
	}
	for _, s := range d.VoxelSize {
		if s < 0 {
			return fmt.Errorf("%w: voxel size %v", ErrInvalidResolution, d.VoxelSize)
		}
	}
	if d.Format.Size() == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, d.Format)
	}
	return nil
}

// LoadDescriptor reads a YAML descriptor. The format defaults to u8.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("volume: read descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("volume: parse descriptor %s: %w", path, err)
	}
	if d.Format == "" {
		d.Format = FormatUint8
	}
	if d.File == "" {
		return nil, fmt.Errorf("volume: descriptor %s names no file", path)
	}
	if !filepath.IsAbs(d.File) {
		d.File = filepath.Join(filepath.Dir(path), d.File)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("volume: descriptor %s: %w", path, err)
	}
	return &d, nil
}

// Open loads the volume described by the YAML descriptor at path.
func Open(path string) (*Grid, error) {
	d, err := LoadDescriptor(path)
	if err != nil {
		return nil, err
	}
	return LoadRaw(d.File, *d)
}

// LoadRaw reads a raw volume. Files ending in ".zst" are decompressed.
// d.File is ignored; path names the data.
func LoadRaw(path string, d Descriptor) (*Grid, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("volume: open raw: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("volume: zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	g, err := ReadRaw(r, d)
	if err != nil {
		return nil, fmt.Errorf("volume: %s: %w", path, err)
	}
	return g, nil
}

// ReadRaw decodes d.Resolution samples of d.Format from r. r must hold
// exactly that many samples.
func ReadRaw(r io.Reader, d Descriptor) (*Grid, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	g, err := NewGrid(d.Resolution, d.VoxelSize)
	if err != nil {
		return nil, err
	}

	size := d.Format.Size()
	buf := make([]byte, len(g.data)*size)
	if n, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, len(buf))
		}
		return nil, err
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: trailing data after %d bytes", ErrSizeMismatch, len(buf))
	}

	for i := range g.data {
		b := buf[i*size:]
		switch d.Format {
		case FormatUint8:
			g.data[i] = float32(b[0]) / math.MaxUint8
		case FormatUint16:
			g.data[i] = float32(binary.LittleEndian.Uint16(b)) / math.MaxUint16
		case FormatFloat32:
			g.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	}
	return g, nil
}

// WriteRaw encodes g as f32 samples, zstd-compressed when compress is set.
func WriteRaw(w io.Writer, g *Grid, compress bool) error {
	var enc *zstd.Encoder
	if compress {
		var err error
		if enc, err = zstd.NewWriter(w); err != nil {
			return fmt.Errorf("volume: zstd writer: %w", err)
		}
		w = enc
	}
	bw := bufio.NewWriter(w)
	var b [4]byte
	for _, v := range g.data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if enc != nil {
		return enc.Close()
	}
	return nil
}
