package h1

import (
	"bytes"
)

const maxChunkLineBytes = 4096

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
	chunkDone
)

// BodyReader incrementally decodes a message body. Data slices it returns
// alias the input buffer.
type BodyReader struct {
	mode      BodyMode
	remaining int64
	state     chunkState
	trailer   Header
	trailerN  int
	done      bool
}

// Reset prepares the reader for a body delimited by mode. length is only
// used for BodyFixed.
func (b *BodyReader) Reset(mode BodyMode, length int64) {
	b.mode = mode
	b.remaining = length
	b.state = chunkSize
	b.trailer.Reset()
	b.trailerN = 0
	b.done = mode == BodyNone || (mode == BodyFixed && length <= 0)
}

// Mode returns the framing being decoded.
func (b *BodyReader) Mode() BodyMode {
	return b.mode
}

// Done reports whether the end of the body has been reached.
func (b *BodyReader) Done() bool {
	return b.done
}

// Trailer returns trailer fields received after the terminal chunk. It is
// only complete once Done reports true.
func (b *BodyReader) Trailer() *Header {
	return &b.trailer
}

// Read decodes from buf. It returns at most one slice of body data, the
// number of bytes consumed from buf, and whether the body is complete.
// A zero consumed count with no data means more input is required.
func (b *BodyReader) Read(buf []byte) (data []byte, n int, done bool, err error) {
	if b.done {
		return nil, 0, true, nil
	}
	switch b.mode {
	case BodyFixed:
		n = len(buf)
		if int64(n) > b.remaining {
			n = int(b.remaining)
		}
		b.remaining -= int64(n)
		b.done = b.remaining == 0
		return buf[:n], n, b.done, nil
	case BodyUntilClose:
		return buf, len(buf), false, nil
	case BodyChunked:
		return b.readChunked(buf)
	default:
		b.done = true
		return nil, 0, true, nil
	}
}

// Finish marks a read-until-close body complete when the peer closes.
func (b *BodyReader) Finish() bool {
	if b.mode == BodyUntilClose {
		b.done = true
	}
	return b.done
}

func (b *BodyReader) readChunked(buf []byte) ([]byte, int, bool, error) {
	pos := 0
	for {
		switch b.state {
		case chunkSize:
			i := bytes.Index(buf[pos:], crlf)
			if i == -1 {
				if len(buf)-pos > maxChunkLineBytes {
					return nil, pos, false, protocolErrorf("chunk size line too long")
				}
				return nil, pos, false, nil
			}
			line := buf[pos : pos+i]
			pos += i + 2
			// Chunk extensions are ignored.
			if semi := bytes.IndexByte(line, ';'); semi != -1 {
				line = line[:semi]
			}
			size, ok := parseHex(bytes.TrimSpace(line))
			if !ok {
				return nil, pos, false, protocolErrorf("invalid chunk size %q", line)
			}
			if size == 0 {
				b.state = chunkTrailer
			} else {
				b.remaining = size
				b.state = chunkData
			}
		case chunkData:
			if pos == len(buf) {
				return nil, pos, false, nil
			}
			n := len(buf) - pos
			if int64(n) > b.remaining {
				n = int(b.remaining)
			}
			data := buf[pos : pos+n]
			pos += n
			b.remaining -= int64(n)
			if b.remaining == 0 {
				b.state = chunkDataCRLF
			}
			return data, pos, false, nil
		case chunkDataCRLF:
			if len(buf)-pos < 2 {
				return nil, pos, false, nil
			}
			if buf[pos] != '\r' || buf[pos+1] != '\n' {
				return nil, pos, false, protocolErrorf("missing CRLF after chunk data")
			}
			pos += 2
			b.state = chunkSize
		case chunkTrailer:
			i := bytes.Index(buf[pos:], crlf)
			if i == -1 {
				if len(buf)-pos > maxChunkLineBytes {
					return nil, pos, false, protocolErrorf("trailer line too long")
				}
				return nil, pos, false, nil
			}
			line := buf[pos : pos+i]
			pos += i + 2
			if len(line) == 0 {
				b.state = chunkDone
				b.done = true
				return nil, pos, true, nil
			}
			b.trailerN += len(line)
			if b.trailerN > DefaultMaxHeaderBytes {
				return nil, pos, false, protocolErrorf("trailer block too large")
			}
			name, value, err := parseField(line)
			if err != nil {
				return nil, pos, false, err
			}
			b.trailer.Add(name, value)
		default:
			return nil, pos, true, nil
		}
	}
}

func parseHex(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 15 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		switch {
		case '0' <= c && c <= '9':
			c -= '0'
		case 'a' <= c && c <= 'f':
			c = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			c = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | int64(c)
	}
	return n, true
}
