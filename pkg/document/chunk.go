package document

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument   = 0x00
	chunkChange     = 0x01
	chunkCompressed = 0x02

	maxInflatedChunk = 64 << 20
)

// validateChunks checks that delta is a sequence of well framed automerge chunks: magic bytes, a known chunk
// type, an unsigned LEB128 length that fits in the remaining bytes and a checksum matching the first four
// bytes of sha256(type, length, body). Compressed chunks are checked against their inflated change body.
func validateChunks(delta []byte) (int, error) {
	count := 0
	for len(delta) > 0 {
		if len(delta) < len(chunkMagic)+5 {
			return count, fmt.Errorf("%w: truncated chunk header at chunk %d", ErrMalformedDelta, count)
		}
		if !bytes.Equal(delta[:4], chunkMagic) {
			return count, fmt.Errorf("%w: bad magic at chunk %d", ErrMalformedDelta, count)
		}
		typ := delta[8]
		switch typ {
		case chunkDocument, chunkChange, chunkCompressed:
		default:
			return count, fmt.Errorf("%w: unknown chunk type %#x at chunk %d", ErrMalformedDelta, typ, count)
		}
		length, n := protowire.ConsumeVarint(delta[9:])
		if n < 0 {
			return count, fmt.Errorf("%w: bad chunk length at chunk %d: %v", ErrMalformedDelta, count, protowire.ParseError(n))
		}
		end := 9 + n + int(length)
		if length > uint64(len(delta)) || end > len(delta) {
			return count, fmt.Errorf("%w: chunk %d overruns delta", ErrMalformedDelta, count)
		}
		body := delta[9+n : end]
		if typ == chunkCompressed {
			inflated, err := inflate(body)
			if err != nil {
				return count, fmt.Errorf("%w: chunk %d does not inflate: %v", ErrMalformedDelta, count, err)
			}
			typ, body = chunkChange, inflated
		}
		if !bytes.Equal(chunkChecksum(typ, body), delta[4:8]) {
			return count, fmt.Errorf("%w: checksum mismatch at chunk %d", ErrMalformedDelta, count)
		}
		delta = delta[end:]
		count++
	}
	return count, nil
}

func chunkChecksum(typ byte, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte{typ})
	h.Write(protowire.AppendVarint(nil, uint64(len(body))))
	h.Write(body)
	return h.Sum(nil)[:4]
}

func inflate(body []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflatedChunk+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedChunk {
		return nil, fmt.Errorf("inflated chunk exceeds %d bytes", maxInflatedChunk)
	}
	return out, nil
}
