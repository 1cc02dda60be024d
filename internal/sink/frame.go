// Package sink serializes consumed events and hands them to an output stream.
//
// Every event is written as a frame of big-endian 32-bit words: a four word
// header followed by the payload.
//
//	word 0  channel id << 24 | frame length in words, header included
//	word 1  sequence number, low 32 bits
//	word 2  sequence number, high 32 bits
//	word 3  type << 16 | flags
package sink

import (
	"encoding/binary"
	"io"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/partition"
)

const (
	// HeaderWords is the number of words preceding every payload.
	HeaderWords = 4
	// HeaderBytes is the header size in bytes.
	HeaderBytes = HeaderWords * partition.WordBytes

	lengthMask  uint32 = 0x00FF_FFFF
	channelBits        = 24
)

// ErrShortFrame is returned when a frame header announces fewer words than a header.
var ErrShortFrame = errors.NewStd("frame shorter than its header")

// Frame is a decoded event.
type Frame struct {
	Channel uint8
	Seq     uint64
	Type    uint16
	Flags   uint16
	Payload []uint32
}

// FrameBytes returns the encoded size of an event with the given payload length.
func FrameBytes(payloadWords int) int {
	return (HeaderWords + payloadWords) * partition.WordBytes
}

// AppendFrame appends the encoding of n to dst.
func AppendFrame(dst []byte, channel uint8, n *partition.Node) []byte {
	payload := n.Payload()
	words := uint32(HeaderWords + len(payload))

	dst = binary.BigEndian.AppendUint32(dst, uint32(channel)<<channelBits|words&lengthMask)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n.Seq))
	dst = binary.BigEndian.AppendUint32(dst, uint32(n.Seq>>32))
	dst = binary.BigEndian.AppendUint32(dst, uint32(n.Type)<<16|uint32(n.Flags))
	for _, w := range payload {
		dst = binary.BigEndian.AppendUint32(dst, w)
	}
	return dst
}

// ReadFrame decodes the next frame from r. It returns io.EOF at a clean end
// of stream and io.ErrUnexpectedEOF for a truncated frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	w0 := binary.BigEndian.Uint32(hdr[0:])
	words := int(w0 & lengthMask)
	if words < HeaderWords {
		return Frame{}, errors.New(ErrShortFrame).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("words", words).
			Build()
	}

	f := Frame{
		Channel: uint8(w0 >> channelBits),
		Seq:     uint64(binary.BigEndian.Uint32(hdr[4:])) | uint64(binary.BigEndian.Uint32(hdr[8:]))<<32,
	}
	w3 := binary.BigEndian.Uint32(hdr[12:])
	f.Type = uint16(w3 >> 16)
	f.Flags = uint16(w3)

	body := make([]byte, (words-HeaderWords)*partition.WordBytes)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	f.Payload = make([]uint32, words-HeaderWords)
	for i := range f.Payload {
		f.Payload[i] = binary.BigEndian.Uint32(body[i*partition.WordBytes:])
	}
	return f, nil
}
