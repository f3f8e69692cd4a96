package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// CSV writes one row per record under a gaze.Header line. A path ending in
// ".gz" or ".zst" is compressed on the fly.
type CSV struct {
	path string
	dst  io.Writer

	file *os.File
	enc  io.WriteCloser
	w    *csv.Writer
	rows int

	closed bool
}

// NewCSV returns a sink that creates path on Open, truncating any existing file.
func NewCSV(path string) *CSV { return &CSV{path: path} }

// NewCSVWriter returns a sink writing to w. Close flushes but does not close w.
func NewCSVWriter(w io.Writer) *CSV { return &CSV{dst: w} }

// Path returns the output path, empty for writer-backed sinks.
func (c *CSV) Path() string { return c.path }

// Rows returns the number of records written, excluding the header.
func (c *CSV) Rows() int { return c.rows }

func (c *CSV) Open() error {
	if c.closed {
		return ErrClosed
	}
	if c.w != nil {
		return nil
	}

	out := c.dst
	if c.path != "" {
		if dir := filepath.Dir(c.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		f, err := os.Create(c.path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", c.path, err)
		}
		c.file, out = f, f

		switch {
		case strings.HasSuffix(c.path, ".gz"):
			gw := gzip.NewWriter(f)
			c.enc, out = gw, gw
		case strings.HasSuffix(c.path, ".zst"):
			zw, err := zstd.NewWriter(f)
			if err != nil {
				f.Close()
				return fmt.Errorf("failed to create zstd encoder: %w", err)
			}
			c.enc, out = zw, zw
		}
	}
	if out == nil {
		return errors.New("csv sink has neither a path nor a writer")
	}

	c.w = csv.NewWriter(out)
	if err := c.w.Write(gaze.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Write appends the record and flushes it to the underlying writer so a
// crash never leaves a partial row behind the last complete one.
func (c *CSV) Write(r gaze.Record) error {
	if c.closed {
		return ErrClosed
	}
	if c.w == nil {
		return ErrNotOpen
	}
	if err := c.w.Write(r.Row()); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	c.rows++
	return nil
}

func (c *CSV) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.w == nil {
		return nil
	}

	var errs []error
	c.w.Flush()
	errs = append(errs, c.w.Error())
	if c.enc != nil {
		errs = append(errs, c.enc.Close())
	}
	if c.file != nil {
		errs = append(errs, c.file.Close())
	}
	return errors.Join(errs...)
}

// ReadCSV loads every record from a file written by the CSV sink,
// decompressing by extension.
func ReadCSV(path string) ([]gaze.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var in io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gr.Close()
		in = gr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = len(gaze.Header)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if !slices.Equal(header, gaze.Header) {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	var records []gaze.Record
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := gaze.ParseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
}
