package dynlistener

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTransport serves reads from a ByteSource and records writes.
type memoryTransport struct {
	lock   sync.Mutex
	source ByteSource
	out    bytes.Buffer
	closed bool
}

func (m *memoryTransport) Handshake() error {
	return nil
}

func (m *memoryTransport) Read(p []byte) (int, error) {
	if m.source == nil {
		return 0, ErrWouldBlock
	}
	return m.source.Read(p)
}

func (m *memoryTransport) Write(p []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.out.Write(p)
}

func (m *memoryTransport) Close() error {
	m.closed = true
	return nil
}

func (m *memoryTransport) written() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.out.String()
}

type recordingService struct {
	lines [][]byte
}

func (r *recordingService) Serve(line []byte) ([]byte, error) {
	r.lines = append(r.lines, append([]byte(nil), line...))
	return []byte("ack"), nil
}

func TestLineHandlerReassemblesSplitMessage(t *testing.T) {
	service := &recordingService{}
	handler := NewLineHandlerFactory(service, 64)()
	transport := &memoryTransport{}
	conn := newConnection(1, nil, transport, handler, testTime)
	message := []byte("GET user:42 profile")

	outcome, err := handler.Consume(conn, message[:7])
	require.NoError(t, err)
	assert.Equal(t, NeedMoreData, outcome)
	assert.Empty(t, service.lines)

	outcome, err = handler.Consume(conn, append(append([]byte(nil), message[7:]...), '\n'))
	require.NoError(t, err)
	assert.Equal(t, UnitComplete, outcome)
	require.Len(t, service.lines, 1)
	assert.Equal(t, message, service.lines[0])
	assert.Equal(t, "ack\n", transport.written())
}

func TestLineHandlerSeveralLinesPerChunk(t *testing.T) {
	handler := NewLineHandlerFactory(EchoService{}, 64)()
	transport := &memoryTransport{}
	conn := newConnection(1, nil, transport, handler, testTime)

	outcome, err := handler.Consume(conn, []byte("one\r\ntwo\nthr"))
	require.NoError(t, err)
	assert.Equal(t, UnitComplete, outcome)
	assert.Equal(t, "one\ntwo\n", transport.written())

	outcome, err = handler.Consume(conn, []byte("ee\n"))
	require.NoError(t, err)
	assert.Equal(t, UnitComplete, outcome)
	assert.Equal(t, "one\ntwo\nthree\n", transport.written())
	assert.Equal(t, uint64(3), handler.(*LineHandler).Units())
	assert.Equal(t, uint64(len("one\ntwo\nthree\n")), conn.BytesOut())
}

func TestLineHandlerRejectsLongLines(t *testing.T) {
	handler := NewLineHandlerFactory(EchoService{}, 8)()
	conn := newConnection(1, nil, &memoryTransport{}, handler, testTime)

	outcome, err := handler.Consume(conn, []byte("0123456789"))
	assert.Equal(t, ProtocolError, outcome)
	assert.ErrorIs(t, err, ErrProtocol)

	handler = NewLineHandlerFactory(EchoService{}, 8)()
	outcome, err = handler.Consume(conn, []byte("0123456789\n"))
	assert.Equal(t, ProtocolError, outcome)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLineHandlerServiceErrorClosesConnection(t *testing.T) {
	failure := errors.New("refused")
	handler := NewLineHandlerFactory(LineServiceFunc(func([]byte) ([]byte, error) {
		return nil, failure
	}), 0)()
	conn := newConnection(1, nil, &memoryTransport{}, handler, testTime)

	outcome, err := handler.Consume(conn, []byte("x\n"))
	assert.Equal(t, ProtocolError, outcome)
	assert.ErrorIs(t, err, failure)
}

func TestMemoryAndFileSources(t *testing.T) {
	source := NewMemorySource([]byte("abc"))
	buf := make([]byte, 2)
	n, err := source.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))
	n, _ = source.Read(buf)
	assert.Equal(t, "c", string(buf[:n]))
	_, err = source.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	file, err := NewFileSource("testdata/requests.txt")
	require.NoError(t, err)
	defer file.Close()
	var reader ByteSource = file
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PING")
}
