package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrHandshake is returned when the peer does not speak the protocol.
var ErrHandshake = errors.New("protocol: handshake failed")

// WriteChunked writes one message as a sequence of chunks followed by the
// 0x0000 terminator and flushes w.
func WriteChunked(w *bufio.Writer, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), MaxChunkSize)
		if err := w.WriteByte(byte(n >> 8)); err != nil {
			return err
		}
		if err := w.WriteByte(byte(n)); err != nil {
			return err
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	if _, err := w.Write([]byte{0, 0}); err != nil {
		return err
	}
	return w.Flush()
}

// ReadChunked reads chunks until the terminator and appends the message
// bytes to buf. An empty message (a lone terminator) yields len 0; callers
// treat it as a no-op.
func ReadChunked(r io.Reader, buf []byte) ([]byte, error) {
	var header [2]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return buf, err
		}
		size := int(binary.BigEndian.Uint16(header[:]))
		if size == 0 {
			return buf, nil
		}

		oldLen := len(buf)
		newLen := oldLen + size
		if cap(buf) < newLen {
			newCap := max(cap(buf)*2, newLen)
			grown := make([]byte, newLen, newCap)
			copy(grown, buf)
			buf = grown
		} else {
			buf = buf[:newLen]
		}
		if _, err := io.ReadFull(r, buf[oldLen:newLen]); err != nil {
			return buf, err
		}
	}
}

// WriteHandshake sends the magic preamble and up to four proposed versions.
func WriteHandshake(w *bufio.Writer, versions ...uint32) error {
	var b [20]byte
	copy(b[:4], Magic[:])
	for i, v := range versions {
		if i == 4 {
			break
		}
		binary.BigEndian.PutUint32(b[4+4*i:], v)
	}
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	return w.Flush()
}

// ReadHandshake reads the client preamble and returns the proposed versions,
// zero entries removed.
func ReadHandshake(r io.Reader) ([]uint32, error) {
	var b [20]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("%w: reading preamble: %w", ErrHandshake, err)
	}
	if [4]byte(b[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic number %x", ErrHandshake, b[:4])
	}
	var versions []uint32
	for i := 0; i < 4; i++ {
		if v := binary.BigEndian.Uint32(b[4+4*i:]); v != 0 {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// WriteVersion sends the version chosen by a node; zero rejects the client.
func WriteVersion(w *bufio.Writer, version uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], version)
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	return w.Flush()
}

// ReadVersion reads the node's choice and fails if no version was agreed.
func ReadVersion(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: reading version: %w", ErrHandshake, err)
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		return 0, fmt.Errorf("%w: no common protocol version", ErrHandshake)
	}
	return v, nil
}
