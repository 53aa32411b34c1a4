package dynlistener

import (
	"bytes"
	"fmt"
)

const defMaxLineLength = 4096

// LineService answers one request line. A returned error closes the
// connection.
type LineService interface {
	Serve(line []byte) ([]byte, error)
}

// LineServiceFunc adapts a function to LineService.
type LineServiceFunc func(line []byte) ([]byte, error)

func (f LineServiceFunc) Serve(line []byte) ([]byte, error) {
	return f(line)
}

// EchoService answers every line with itself.
type EchoService struct{}

func (EchoService) Serve(line []byte) ([]byte, error) {
	return line, nil
}

// NewLineHandlerFactory returns handlers framing the stream into
// newline-terminated requests for service.
func NewLineHandlerFactory(service LineService, maxLineLength int) HandlerFactory {
	if maxLineLength < 1 {
		maxLineLength = defMaxLineLength
	}
	return func() ProtocolHandler {
		return &LineHandler{
			service:       service,
			maxLineLength: maxLineLength,
		}
	}
}

// LineHandler reassembles lines split across reads.
type LineHandler struct {
	service       LineService
	maxLineLength int
	pending       []byte
	response      []byte
	units         uint64
}

func (h *LineHandler) Open(*Connection) error {
	return nil
}

func (h *LineHandler) Consume(conn *Connection, data []byte) (Outcome, error) {
	h.pending = append(h.pending, data...)
	outcome := NeedMoreData
	for {
		idx := bytes.IndexByte(h.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(h.pending[:idx], []byte{'\r'})
		if len(line) > h.maxLineLength {
			return ProtocolError, fmt.Errorf("%w: line of %d bytes exceeds %d", ErrProtocol, len(line), h.maxLineLength)
		}
		reply, err := h.service.Serve(line)
		if err != nil {
			return ProtocolError, err
		}
		h.response = append(append(h.response[:0], reply...), '\n')
		if _, err := conn.Write(h.response); err != nil {
			return ProtocolError, err
		}
		h.pending = h.pending[idx+1:]
		h.units++
		outcome = UnitComplete
	}
	if len(h.pending) > h.maxLineLength {
		return ProtocolError, fmt.Errorf("%w: unterminated line exceeds %d bytes", ErrProtocol, h.maxLineLength)
	}
	if len(h.pending) == 0 {
		h.pending = nil
	}
	return outcome, nil
}

func (h *LineHandler) Close(*Connection) {
	h.pending = nil
}

// Units is the number of lines answered so far.
func (h *LineHandler) Units() uint64 {
	return h.units
}
