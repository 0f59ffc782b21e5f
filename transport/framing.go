package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a peer may send. Frames declaring a
// larger length are a protocol violation and the connection is closed.
const MaxFrameSize = 10_000_000

var (
	// ErrFrameTooLarge indicates a frame length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrameLength indicates a zero or negative frame length.
	ErrInvalidFrameLength = errors.New("invalid frame length")

	// ErrMalformedPacket indicates a frame whose payload is not valid JSON
	// for its declared type. The frame is dropped; the connection survives.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnknownPacketType indicates a type discriminant this version does
	// not understand. Callers skip the packet for forward compatibility.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// FrameReader reads length-prefixed JSON frames from a byte stream.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads one complete frame payload. A peer closing the stream
// between frames surfaces as io.EOF; closing mid-frame surfaces as
// io.ErrUnexpectedEOF. Both are clean end-of-stream conditions for callers.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := int32(binary.LittleEndian.Uint32(header[:]))
	if length <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameLength, length)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadPacket reads one frame and decodes it into a concrete packet.
// It returns ErrMalformedPacket or ErrUnknownPacketType for payload-level
// problems; the caller decides whether to drop the packet or the connection.
func (fr *FrameReader) ReadPacket() (Packet, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodePacket(payload)
}

// FrameWriter writes length-prefixed JSON frames to a byte stream.
// It is not safe for concurrent use; callers serialize writes.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for frame-at-a-time writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload as one frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidFrameLength
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// WritePacket encodes pkt and writes it as one frame.
func (fw *FrameWriter) WritePacket(pkt Packet) error {
	payload, err := EncodePacket(pkt)
	if err != nil {
		return err
	}
	return fw.WriteFrame(payload)
}

// EncodePacket serializes a packet with its type discriminant stamped in.
func EncodePacket(pkt Packet) ([]byte, error) {
	pkt.setType()
	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", pkt.PacketType(), err)
	}
	return data, nil
}
