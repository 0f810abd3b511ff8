package reader

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

// OpenTrace opens a trace file, adding a reader of the right type in case
// the file needs to be decompressed.
func OpenTrace(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &decompressedFile{r: zr, f: f}, nil
	case ".lz4":
		return &decompressedFile{r: lz4.NewReader(f), f: f}, nil
	case ".br":
		return &decompressedFile{r: brotli.NewReader(f), f: f}, nil
	}
	return f, nil
}

type decompressedFile struct {
	r io.Reader
	f *os.File
}

func (d *decompressedFile) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

func (d *decompressedFile) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		c.Close()
	}
	return d.f.Close()
}

// Compressed reports whether path carries a compression extension, in
// which case it cannot be chunked for parallel parsing.
func Compressed(path string) bool {
	switch filepath.Ext(path) {
	case ".gz", ".lz4", ".br":
		return true
	}
	return false
}
