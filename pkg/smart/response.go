package smart

import (
	"io"
)

// Response is the outcome of one request: a success flag, an argument
// tuple and an optional body, either a single block or a stream of chunks.
type Response struct {
	Success bool
	Args    []string
	Body    []byte
	Stream  BodyStream
}

// BodyStream yields the chunks of a streamed response body. Next returns
// io.EOF after the last chunk. Close is always called by the medium.
type BodyStream interface {
	Next() ([]byte, error)
	Close() error
}

// Success builds a successful response with the given arguments.
func Success(args ...string) *Response {
	return &Response{Success: true, Args: args}
}

// Failure builds a failed response with the given arguments.
func Failure(args ...string) *Response {
	return &Response{Success: false, Args: args}
}

// WithBody attaches a single-block body.
func (r *Response) WithBody(body []byte) *Response {
	r.Body = body
	return r
}

// WithStream attaches a streamed body.
func (r *Response) WithStream(s BodyStream) *Response {
	r.Stream = s
	return r
}

// ReaderStream streams an io.Reader in chunks of at most size bytes.
type ReaderStream struct {
	r    io.Reader
	size int
}

// NewReaderStream wraps r. It closes r if r is an io.Closer.
func NewReaderStream(r io.Reader, size int) *ReaderStream {
	if size <= 0 {
		size = 64 << 10
	}
	return &ReaderStream{r: r, size: size}
}

func (s *ReaderStream) Next() ([]byte, error) {
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch err {
	case nil:
		return buf, nil
	case io.ErrUnexpectedEOF:
		return buf[:n], nil
	case io.EOF:
		return nil, io.EOF
	default:
		return nil, err
	}
}

func (s *ReaderStream) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
