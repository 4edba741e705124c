package snapshot

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a streaming compressor usable both in-process (relay transport)
// and as a shell pipeline stage on remote hosts (remote transport).
// Compression and decompression must be symmetric across the two.
type Codec interface {
	Name() string
	NewWriter(w io.Writer) io.WriteCloser
	NewReader(r io.Reader) (io.ReadCloser, error)
	// RemoteCompress and RemoteDecompress are stdin→stdout shell commands
	// assumed present on rental images.
	RemoteCompress() string
	RemoteDecompress() string
}

// CodecFor returns the codec registered under name.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "lz4", "":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	case "s2":
		return s2Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot codec %q", name)
	}
}

type lz4Codec struct{}

func (lz4Codec) Name() string                         { return "lz4" }
func (lz4Codec) NewWriter(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) }
func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
func (lz4Codec) RemoteCompress() string   { return "lz4 -q -z -c" }
func (lz4Codec) RemoteDecompress() string { return "lz4 -q -d -c" }

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) NewWriter(w io.Writer) io.WriteCloser {
	zw, _ := zstd.NewWriter(w)
	return zw
}
func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdReadCloser{zr}, nil
}
func (zstdCodec) RemoteCompress() string   { return "zstd -q -T0 -c" }
func (zstdCodec) RemoteDecompress() string { return "zstd -q -d -c" }

type zstdReadCloser struct{ *zstd.Decoder }

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type s2Codec struct{}

func (s2Codec) Name() string                         { return "s2" }
func (s2Codec) NewWriter(w io.Writer) io.WriteCloser { return s2.NewWriter(w) }
func (s2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}
func (s2Codec) RemoteCompress() string   { return "s2c -c" }
func (s2Codec) RemoteDecompress() string { return "s2d -c" }
