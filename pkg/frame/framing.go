package frame

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sterndu/datatransfer/pkg/log"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Writer writes encoded frames to an underlying writer. Each frame is
// written with a single Write call.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	codec *Codec
	buf   []byte

	logger log.Logger
	connID string
	role   log.Role
}

// NewWriter creates a writer. A nil codec selects DefaultCodec.
func NewWriter(w io.Writer, codec *Codec) *Writer {
	if codec == nil {
		codec = DefaultCodec()
	}
	return &Writer{w: w, codec: codec}
}

// SetLogger attaches a protocol logger. Pass nil to disable.
func (fw *Writer) SetLogger(logger log.Logger, connID string, role log.Role) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.logger = logger
	fw.connID = connID
	fw.role = role
}

// WriteFrame encodes and writes f. Safe for concurrent use.
func (fw *Writer) WriteFrame(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var err error
	fw.buf, err = fw.codec.Append(fw.buf[:0], f)
	if err != nil {
		return err
	}
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame %s: %w", f.Type, err)
	}

	if fw.logger != nil {
		fw.logger.Log(newFrameEvent(fw.connID, fw.role, log.DirectionOut, f, len(fw.buf)))
	}
	return nil
}

// Reader reads and verifies frames. Only one ReadFrame runs at a time.
type Reader struct {
	mu          sync.Mutex
	r           io.Reader
	codec       *Codec
	header      [HeaderSize]byte
	sum         [HashSize]byte
	readTimeout time.Duration

	logger log.Logger
	connID string
	role   log.Role
}

// NewReader creates a reader. A nil codec selects DefaultCodec.
func NewReader(r io.Reader, codec *Codec) *Reader {
	if codec == nil {
		codec = DefaultCodec()
	}
	return &Reader{r: r, codec: codec}
}

// SetLogger attaches a protocol logger. Pass nil to disable.
func (fr *Reader) SetLogger(logger log.Logger, connID string, role log.Role) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.logger = logger
	fr.connID = connID
	fr.role = role
}

// SetReadTimeout bounds how long the rest of a frame may take once its first
// byte has arrived. It only has an effect when the source supports
// SetReadDeadline. Zero disables the timeout.
func (fr *Reader) SetReadTimeout(d time.Duration) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.readTimeout = d
}

// ReadFrame reads the next frame.
//
// It returns io.EOF if the stream ended cleanly between frames and the
// unwrapped stream error if the first byte could not be read. Any failure
// after the first byte yields Malformed() together with an error wrapping
// ErrValidation.
func (fr *Reader) ReadFrame() (Frame, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if _, err := io.ReadFull(fr.r, fr.header[:1]); err != nil {
		return Frame{}, err
	}

	if d, ok := fr.r.(readDeadliner); ok && fr.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(fr.readTimeout))
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}

	if _, err := io.ReadFull(fr.r, fr.header[1:]); err != nil {
		return fr.malformed(truncated(err))
	}

	t := Type(int8(fr.header[0]))
	length := binary.BigEndian.Uint32(fr.header[1:])
	if length > fr.codec.maxPayloadSize {
		return fr.malformed(fmt.Errorf("%w: %w: %d > %d", ErrValidation, ErrPayloadTooLarge, length, fr.codec.maxPayloadSize))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return fr.malformed(truncated(err))
	}
	if _, err := io.ReadFull(fr.r, fr.sum[:]); err != nil {
		return fr.malformed(truncated(err))
	}

	want := fr.codec.Sum(payload)
	if subtle.ConstantTimeCompare(want[:], fr.sum[:]) != 1 {
		return fr.malformed(fmt.Errorf("%w: %w", ErrValidation, ErrHashMismatch))
	}

	f := Frame{Type: t, Payload: payload}
	if fr.logger != nil {
		fr.logger.Log(newFrameEvent(fr.connID, fr.role, log.DirectionIn, f, Size(len(payload))))
	}
	return f, nil
}

func (fr *Reader) malformed(err error) (Frame, error) {
	if fr.logger != nil {
		fr.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: fr.connID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerTransport,
			Category:     log.CategoryError,
			LocalRole:    fr.role,
			Error:        &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: "read frame"},
		})
	}
	return Malformed(), err
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrValidation, ErrFrameTruncated)
	}
	return fmt.Errorf("%w: %w: %w", ErrValidation, ErrFrameTruncated, err)
}

func newFrameEvent(connID string, role log.Role, dir log.Direction, f Frame, size int) log.Event {
	data, cut := f.Payload, false
	if len(data) > MaxLogFrameDataSize {
		data, cut = data[:MaxLogFrameDataSize], true
	}
	category := log.CategoryMessage
	if f.Type.IsControl() {
		category = log.CategoryControl
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     category,
		LocalRole:    role,
		Frame: &log.FrameEvent{
			Type:      int8(f.Type),
			Size:      size,
			Data:      data,
			Truncated: cut,
		},
	}
}
