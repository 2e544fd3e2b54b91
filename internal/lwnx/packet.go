// Package lwnx implements the LightWare LWNX binary protocol used by the SF45
// family: framed command packets over a serial link, matched to responses by
// command id.
package lwnx

import (
	"encoding/binary"
	"fmt"
)

/*
Packet layout (all multi-byte fields little-endian):

	offset 0      start byte 0xAA
	offset 1..2   flags: bits 15..6 payload length, bit 0 write request
	offset 3      command id (first payload byte)
	offset 4..    command data (payload length - 1 bytes)
	trailer       CRC-16 over every preceding byte

The payload length counts the command id, so a bare read request carries a
length of one.
*/
const (
	StartByte = 0xAA

	HeaderSize  = 3
	CRCSize     = 2
	MaxPayload  = 1023
	MaxDataSize = MaxPayload - 1
	MaxPacket   = HeaderSize + MaxPayload + CRCSize

	// DataOffset is where command data begins inside a packet.
	DataOffset = HeaderSize + 1

	flagWrite   = 0x0001
	lengthShift = 6
)

// CRC16 computes the LWNX checksum (CRC-16/XMODEM: polynomial 0x1021, zero
// initial value, no reflection).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		code := crc >> 8
		code ^= uint16(b)
		code ^= code >> 4
		crc <<= 8
		crc ^= code
		code <<= 5
		crc ^= code
		code <<= 7
		crc ^= code
	}
	return crc
}

// Packet is one framed message without its CRC trailer. Raw keeps the header
// so command data sits at DataOffset, which is how telemetry offsets are
// documented by the vendor.
type Packet struct {
	Raw []byte
}

// Command returns the command id carried by the packet.
func (p Packet) Command() uint8 {
	return p.Raw[HeaderSize]
}

// Write reports whether the packet had the write flag set.
func (p Packet) Write() bool {
	return binary.LittleEndian.Uint16(p.Raw[1:3])&flagWrite != 0
}

// Data returns the command data following the command id.
func (p Packet) Data() []byte {
	return p.Raw[DataOffset:]
}

// Encode frames a command. data may be empty for a read request.
func Encode(cmd uint8, data []byte, write bool) ([]byte, error) {
	if len(data) > MaxDataSize {
		return nil, fmt.Errorf("lwnx: payload of %d bytes exceeds %d", len(data), MaxDataSize)
	}
	payloadLen := len(data) + 1
	flags := uint16(payloadLen) << lengthShift
	if write {
		flags |= flagWrite
	}

	buf := make([]byte, 0, HeaderSize+payloadLen+CRCSize)
	buf = append(buf, StartByte)
	buf = binary.LittleEndian.AppendUint16(buf, flags)
	buf = append(buf, cmd)
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint16(buf, CRC16(buf))
	return buf, nil
}

// Parser reassembles packets from a byte stream. Bytes that do not form a valid
// packet are skipped so the parser resynchronises on the next start byte.
type Parser struct {
	buf  []byte
	want int

	// CRCErrors counts packets discarded for a checksum mismatch.
	CRCErrors int
}

// Push consumes data and returns every packet it completes, in stream order.
func (p *Parser) Push(data []byte) []Packet {
	var out []Packet
	for _, b := range data {
		out = p.feed(b, out)
	}
	return out
}

func (p *Parser) feed(b byte, out []Packet) []Packet {
	switch {
	case len(p.buf) == 0:
		if b == StartByte {
			p.buf = append(p.buf, b)
		}
		return out

	case len(p.buf) < HeaderSize:
		p.buf = append(p.buf, b)
		if len(p.buf) == HeaderSize {
			payloadLen := int(binary.LittleEndian.Uint16(p.buf[1:3]) >> lengthShift)
			if payloadLen == 0 {
				return p.resync(out)
			}
			p.want = HeaderSize + payloadLen + CRCSize
		}
		return out
	}

	p.buf = append(p.buf, b)
	if len(p.buf) < p.want {
		return out
	}

	body := p.buf[:p.want-CRCSize]
	sum := binary.LittleEndian.Uint16(p.buf[p.want-CRCSize:])
	if CRC16(body) != sum {
		p.CRCErrors++
		return p.resync(out)
	}

	out = append(out, Packet{Raw: append([]byte(nil), body...)})
	p.Reset()
	return out
}

// resync drops the leading start byte and rescans the rest of the buffer, so a
// start byte inside a corrupt frame can still begin the next packet.
func (p *Parser) resync(out []Packet) []Packet {
	rest := append([]byte(nil), p.buf[1:]...)
	p.Reset()
	for _, b := range rest {
		out = p.feed(b, out)
	}
	return out
}

// Reset discards any partial packet.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.want = 0
}
