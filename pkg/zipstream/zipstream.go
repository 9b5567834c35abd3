// Package zipstream provides the compressed container the binary trace log
// is written into: a single zstd stream over a regular file.
package zipstream

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

type writer struct {
	enc *zstd.Encoder
	fh  *os.File
}

func (w *writer) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *writer) Close() error {
	if err := w.enc.Close(); err != nil {
		w.fh.Close()
		return err
	}
	return w.fh.Close()
}

// Create opens path for writing and returns a WriteCloser that compresses
// everything written to it as one streaming zstd frame.
func Create(path string) (io.WriteCloser, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return &writer{enc: enc, fh: fh}, nil
}

type reader struct {
	dec *zstd.Decoder
	fh  *os.File
}

func (r *reader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *reader) Close() error {
	r.dec.Close()
	return r.fh.Close()
}

// Open returns a ReadCloser decompressing the stream written by Create.
func Open(path string) (io.ReadCloser, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return &reader{dec: dec, fh: fh}, nil
}
