package memcache

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/dropbox/memcluster/errors"
)

const (
	headerLength    = 24
	maxKeyLength    = 250
	maxExtrasLength = 255
	// NOTE: Storing values larger than 1MB requires recompiling memcached.
	maxValueLength = 1024 * 1024

	// Responses claiming a larger body are treated as a desynchronized
	// stream rather than allocated.
	maxResponseBodyLength = 64 * maxValueLength
)

var (
	// The response stream is no longer aligned on frame boundaries (bad
	// magic, bad data type, inconsistent lengths, unknown opaque).  The
	// connection must not be reused.
	ErrDesync = errors.New("Memcache protocol desync")

	// The peer closed the connection before any byte of the response was
	// read.
	ErrConnectionClosed = errors.New("Memcache connection closed by peer")

	// The ring had no node for the key.
	ErrNoNode = errors.New("No memcache node available")
)

type header struct {
	Magic             uint8
	OpCode            uint8
	KeyLength         uint16
	ExtrasLength      uint8
	DataType          uint8
	VBucketIdOrStatus uint16 // vbucket id for request, status for response
	TotalBodyLength   uint32
	Opaque            uint32
	DataVersionId     uint64 // aka CAS
}

func (h *header) encode(b []byte) {
	b[0] = h.Magic
	b[1] = h.OpCode
	binary.BigEndian.PutUint16(b[2:4], h.KeyLength)
	b[4] = h.ExtrasLength
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], h.VBucketIdOrStatus)
	binary.BigEndian.PutUint32(b[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.DataVersionId)
}

func (h *header) decode(b []byte) {
	h.Magic = b[0]
	h.OpCode = b[1]
	h.KeyLength = binary.BigEndian.Uint16(b[2:4])
	h.ExtrasLength = b[4]
	h.DataType = b[5]
	h.VBucketIdOrStatus = binary.BigEndian.Uint16(b[6:8])
	h.TotalBodyLength = binary.BigEndian.Uint32(b[8:12])
	h.Opaque = binary.BigEndian.Uint32(b[12:16])
	h.DataVersionId = binary.BigEndian.Uint64(b[16:24])
}

// A single request frame.
type request struct {
	code   opCode
	opaque uint32
	cas    uint64
	extras []byte // may be nil
	key    string // may be empty
	value  []byte // may be nil
}

// frameBuffer is the scratch space for one request build.  It is checked out
// with getFrameBuffer and must be released once the frames are written.
type frameBuffer struct {
	buf []byte
}

var frameBufferPool = sync.Pool{
	New: func() interface{} {
		return &frameBuffer{buf: make([]byte, 0, 1024)}
	},
}

func getFrameBuffer() *frameBuffer {
	return frameBufferPool.Get().(*frameBuffer)
}

// Buffers grown past this size are dropped rather than pooled.
const maxPooledFrameBuffer = 64 * 1024

func (b *frameBuffer) release() {
	if cap(b.buf) > maxPooledFrameBuffer {
		return
	}
	b.buf = b.buf[:0]
	frameBufferPool.Put(b)
}

func (b *frameBuffer) Bytes() []byte {
	return b.buf
}

// Appends one request frame.
func (b *frameBuffer) appendRequest(req *request) error {
	if len(req.key) > maxKeyLength {
		return errors.Newf(
			"Invalid key: length %d longer than max length %d",
			len(req.key),
			maxKeyLength)
	}
	if len(req.extras) > maxExtrasLength {
		return errors.Newf("Invalid extras length: %d", len(req.extras))
	}
	if len(req.value) > maxValueLength {
		return errors.Newf(
			"Invalid value: length %d longer than max length %d",
			len(req.value),
			maxValueLength)
	}

	// NOTE:
	// - memcache only supports a single dataType (0x0)
	// - vbucket id is not used by the library since vbucket related op
	//   codes are unsupported
	hdr := header{
		Magic:           reqMagicByte,
		OpCode:          byte(req.code),
		KeyLength:       uint16(len(req.key)),
		ExtrasLength:    uint8(len(req.extras)),
		TotalBodyLength: uint32(len(req.key) + len(req.value) + len(req.extras)),
		Opaque:          req.opaque,
		DataVersionId:   req.cas,
	}

	var hdrBytes [headerLength]byte
	hdr.encode(hdrBytes[:])

	b.buf = append(b.buf, hdrBytes[:]...)
	b.buf = append(b.buf, req.extras...)
	b.buf = append(b.buf, req.key...)
	b.buf = append(b.buf, req.value...)
	return nil
}

// A decoded response frame.
type response struct {
	header

	extras []byte // nil when extras length is zero
	key    []byte // nil when key length is zero
	value  []byte // nil when the value length is zero
}

func (r *response) status() ResponseStatus {
	return ResponseStatus(r.VBucketIdOrStatus)
}

// Reads one response frame.
func readResponse(reader io.Reader) (*response, error) {
	var hdrBytes [headerLength]byte
	n, err := io.ReadFull(reader, hdrBytes[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, errors.Wrap(err, "Failed to read header")
	}

	resp := &response{}
	resp.header.decode(hdrBytes[:])

	if resp.Magic != respMagicByte {
		return nil, errors.Wrapf(
			ErrDesync,
			"Invalid response magic byte: %d",
			resp.Magic)
	}
	if resp.DataType != 0 {
		return nil, errors.Wrapf(
			ErrDesync,
			"Invalid data type: %d",
			resp.DataType)
	}

	valueLength := int(resp.TotalBodyLength)
	valueLength -= int(resp.KeyLength) + int(resp.ExtrasLength)
	if valueLength < 0 || resp.TotalBodyLength > maxResponseBodyLength {
		return nil, errors.Wrapf(
			ErrDesync,
			"Invalid response header.  Wrong payload size: %d",
			resp.TotalBodyLength)
	}

	if resp.TotalBodyLength == 0 {
		return resp, nil
	}

	body := make([]byte, resp.TotalBodyLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, errors.Wrap(err, "Failed to read body")
	}

	if resp.ExtrasLength > 0 {
		resp.extras = body[:resp.ExtrasLength]
	}
	body = body[resp.ExtrasLength:]
	if resp.KeyLength > 0 {
		resp.key = body[:resp.KeyLength]
	}
	body = body[resp.KeyLength:]
	if len(body) > 0 {
		resp.value = body
	}
	return resp, nil
}

func uint32Extras(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
