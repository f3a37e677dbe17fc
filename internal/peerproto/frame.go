package peerproto

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var magic = [4]byte{'N', 'F', 'P', 0x01}

// MaxFrame bounds the encoded size of a single message.
const MaxFrame = 256 << 20

var (
	ErrBadMagic      = errors.New("peerproto: bad frame magic")
	ErrFrameTooLarge = errors.New("peerproto: frame too large")
)

func sendFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	hdr := make([]byte, 8)
	copy(hdr[:4], magic[:])
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, hdr[:4])
	}
	plen := binary.BigEndian.Uint32(hdr[4:])
	if plen > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, plen)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage marshals m, base64 encodes the block and writes it as one
// frame. A *bufio.Writer is flushed.
func WriteMessage(w io.Writer, m Message) error {
	text, err := Marshal(m)
	if err != nil {
		return err
	}
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
	base64.StdEncoding.Encode(enc, text)
	if err := sendFrame(w, enc); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadMessage reads one frame and decodes it. io.EOF is returned untouched
// when the stream ends cleanly between frames.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	text := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(text, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	return Unmarshal(text[:n])
}
