// Package wire frames smart protocol messages on a byte stream.
//
// Every frame is an XDR-encoded Frame preceded by a 4-byte record marker:
// bit 31 flags the last fragment, bits 0-30 give the fragment length.
// Writers always emit a single fragment; readers accept several.
//
// A request is sent as
//
//	Headers, Args, [Body | Chunk...], End
//
// and answered with
//
//	Args (with Success), [Body | Chunk...], End
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Kind identifies a frame.
type Kind uint32

const (
	KindHeaders Kind = iota + 1
	KindArgs
	KindBody
	KindChunk
	KindEnd
	// KindError aborts the message at the medium level; Args[0] names the problem.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindHeaders:
		return "headers"
	case KindArgs:
		return "args"
	case KindBody:
		return "body"
	case KindChunk:
		return "chunk"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// MaxFrameSize bounds the encoded size of one frame.
const MaxFrameSize = 16 << 20

const lastFragment = 0x80000000

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Frame is one protocol unit.
type Frame struct {
	Kind    uint32
	Success bool
	Args    []string
	Data    []byte
}

// FrameKind returns the Kind of f.
func (f *Frame) FrameKind() Kind { return Kind(f.Kind) }

// WriteFrame encodes f and writes it as a single fragment.
func WriteFrame(w io.Writer, f *Frame) error {
	if f.Args == nil {
		f.Args = []string{}
	}
	if f.Data == nil {
		f.Data = []byte{}
	}

	buf := bytes.NewBuffer(make([]byte, 4, 4+64+len(f.Data)))
	if _, err := xdr.Marshal(buf, f); err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.FrameKind(), err)
	}

	out := buf.Bytes()
	length := len(out) - 4
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(out[:4], lastFragment|uint32(length))

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write %s frame: %w", f.FrameKind(), err)
	}
	return nil
}

// ReadFrame reads one frame, joining fragments until the last one.
// A clean end of stream before the first marker returns io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var payload []byte
	first := true
	for {
		var marker [4]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			if first && err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read record marker: %w", err)
		}
		first = false

		header := binary.BigEndian.Uint32(marker[:])
		length := header &^ lastFragment
		if uint64(len(payload))+uint64(length) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}

		start := len(payload)
		payload = append(payload, make([]byte, length)...)
		if _, err := io.ReadFull(r, payload[start:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}
		if header&lastFragment != 0 {
			break
		}
	}

	if err := checkLayout(payload); err != nil {
		return nil, err
	}

	f := &Frame{}
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Kind < uint32(KindHeaders) || f.Kind > uint32(KindError) {
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return f, nil
}

// ErrMalformedFrame is returned when a declared length does not fit the
// bytes actually received.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// checkLayout walks the XDR layout of a Frame without allocating. Every
// declared count must fit in what is left of the payload, so the decoder
// never sizes a buffer from an unchecked length.
func checkLayout(payload []byte) error {
	rest := payload
	word := func() (uint32, bool) {
		if len(rest) < 4 {
			return 0, false
		}
		v := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		return v, true
	}
	opaque := func() bool {
		n, ok := word()
		if !ok {
			return false
		}
		padded := (uint64(n) + 3) &^ 3
		if padded > uint64(len(rest)) {
			return false
		}
		rest = rest[padded:]
		return true
	}

	// kind, success
	if _, ok := word(); !ok {
		return ErrMalformedFrame
	}
	if _, ok := word(); !ok {
		return ErrMalformedFrame
	}

	count, ok := word()
	if !ok || uint64(count)*4 > uint64(len(rest)) {
		return ErrMalformedFrame
	}
	for i := uint32(0); i < count; i++ {
		if !opaque() {
			return ErrMalformedFrame
		}
	}
	if !opaque() {
		return ErrMalformedFrame
	}
	return nil
}

// EncodeHeaders flattens headers into key, value pairs sorted by key.
func EncodeHeaders(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, headers[k])
	}
	return args
}

// DecodeHeaders rebuilds a header map from key, value pairs.
func DecodeHeaders(args []string) (map[string]string, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("odd number of header fields: %d", len(args))
	}
	headers := make(map[string]string, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		headers[args[i]] = args[i+1]
	}
	return headers, nil
}
