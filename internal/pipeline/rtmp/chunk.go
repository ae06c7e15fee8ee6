// SPDX-License-Identifier: MIT

package rtmp

// A minimal RTMP chunk stream codec: the writer always emits FMT0 message
// headers (simplest to generate correctly, at the cost of a few redundant
// header bytes per message — bandwidth is not the concern a unicast
// republisher has to optimize), splitting payloads into chunkSize-sized
// chunks per RTMP's Basic+Message Header framing (RTMP spec §5.3). The
// reader reassembles FMT0-3 chunks back into whole messages, enough to
// drive the connect/createStream/publish command-response handshake.

import (
	"encoding/binary"
	"fmt"
	"io"
)

const defaultChunkSize = 4096

type message struct {
	csid      uint32
	typeID    uint8
	streamID  uint32
	timestamp uint32
	payload   []byte
}

type chunkWriter struct {
	w         io.Writer
	chunkSize uint32
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: w, chunkSize: defaultChunkSize}
}

func (cw *chunkWriter) writeMessage(m message) error {
	basic, err := encodeBasicHeader(0, m.csid)
	if err != nil {
		return err
	}
	header := make([]byte, 0, 11)
	header = append(header, basic...)

	ts := m.timestamp
	tsField := ts
	if ts >= 0xFFFFFF {
		tsField = 0xFFFFFF
	}
	header = append(header, byte(tsField>>16), byte(tsField>>8), byte(tsField))
	l := len(m.payload)
	header = append(header, byte(l>>16), byte(l>>8), byte(l))
	header = append(header, m.typeID)
	var sidBuf [4]byte
	binary.LittleEndian.PutUint32(sidBuf[:], m.streamID)
	header = append(header, sidBuf[:]...)
	if ts >= 0xFFFFFF {
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], ts)
		header = append(header, ext[:]...)
	}

	if _, err := cw.w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}

	remaining := m.payload
	first := true
	for len(remaining) > 0 {
		if !first {
			cont, err := encodeBasicHeader(3, m.csid)
			if err != nil {
				return err
			}
			if _, err := cw.w.Write(cont); err != nil {
				return fmt.Errorf("write continuation header: %w", err)
			}
		}
		n := int(cw.chunkSize)
		if n > len(remaining) {
			n = len(remaining)
		}
		if _, err := cw.w.Write(remaining[:n]); err != nil {
			return fmt.Errorf("write chunk payload: %w", err)
		}
		remaining = remaining[n:]
		first = false
	}
	return nil
}

func encodeBasicHeader(fmtVal uint8, csid uint32) ([]byte, error) {
	if fmtVal > 3 {
		return nil, fmt.Errorf("invalid chunk fmt %d", fmtVal)
	}
	switch {
	case csid <= 63:
		return []byte{byte(fmtVal<<6) | byte(csid)}, nil
	case csid <= 319:
		return []byte{byte(fmtVal << 6), byte(csid - 64)}, nil
	default:
		v := csid - 64
		return []byte{byte(fmtVal<<6) | 1, byte(v & 0xFF), byte(v >> 8)}, nil
	}
}

// chunkReader reassembles messages from a single RTMP chunk stream, tracking
// per-CSID state for header compression (FMT1/2/3) exactly enough to parse
// the AMF0 command responses this client cares about.
type chunkReader struct {
	r         io.Reader
	chunkSize uint32
	states    map[uint32]*chunkState
}

type chunkState struct {
	timestamp uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	buf       []byte
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{r: r, chunkSize: defaultChunkSize, states: make(map[uint32]*chunkState)}
}

func (cr *chunkReader) readByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(cr.r, b[:])
	return b[0], err
}

// readMessage blocks until one full RTMP message has been reassembled.
func (cr *chunkReader) readMessage() (*message, error) {
	for {
		b0, err := cr.readByte()
		if err != nil {
			return nil, err
		}
		fmtVal := b0 >> 6
		raw := b0 & 0x3F

		var csid uint32
		switch raw {
		case 0:
			b1, err := cr.readByte()
			if err != nil {
				return nil, err
			}
			csid = uint32(b1) + 64
		case 1:
			var b12 [2]byte
			if _, err := io.ReadFull(cr.r, b12[:]); err != nil {
				return nil, err
			}
			csid = uint32(b12[0]) + uint32(b12[1])*256 + 64
		default:
			csid = uint32(raw)
		}

		st, ok := cr.states[csid]
		if !ok {
			st = &chunkState{}
			cr.states[csid] = st
		}

		if fmtVal <= 2 {
			var ts3 [3]byte
			if _, err := io.ReadFull(cr.r, ts3[:]); err != nil {
				return nil, err
			}
			tsField := uint32(ts3[0])<<16 | uint32(ts3[1])<<8 | uint32(ts3[2])

			if fmtVal <= 1 {
				var lt [4]byte
				if _, err := io.ReadFull(cr.r, lt[:]); err != nil {
					return nil, err
				}
				st.length = uint32(lt[0])<<16 | uint32(lt[1])<<8 | uint32(lt[2])
				st.typeID = lt[3]
			}
			if fmtVal == 0 {
				var sid [4]byte
				if _, err := io.ReadFull(cr.r, sid[:]); err != nil {
					return nil, err
				}
				st.streamID = binary.LittleEndian.Uint32(sid[:])
			}

			if tsField == 0xFFFFFF {
				var ext [4]byte
				if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
					return nil, err
				}
				tsField = binary.BigEndian.Uint32(ext[:])
			}
			if fmtVal == 0 {
				st.timestamp = tsField
			} else {
				st.timestamp += tsField
			}
			st.buf = st.buf[:0]
		}
		// fmtVal == 3: continuation, reuse st's header fields as-is.

		need := int(st.length) - len(st.buf)
		if need > int(cr.chunkSize) {
			need = int(cr.chunkSize)
		}
		if need > 0 {
			chunk := make([]byte, need)
			if _, err := io.ReadFull(cr.r, chunk); err != nil {
				return nil, err
			}
			st.buf = append(st.buf, chunk...)
		}

		if len(st.buf) >= int(st.length) {
			payload := st.buf
			st.buf = nil
			return &message{csid: csid, typeID: st.typeID, streamID: st.streamID, timestamp: st.timestamp, payload: payload}, nil
		}
	}
}
