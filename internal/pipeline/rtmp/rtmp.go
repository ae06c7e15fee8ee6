// SPDX-License-Identifier: MIT

// Package rtmp implements pipeline.Muxer as an RTMP push client: it dials
// the origin, performs the simple handshake, and drives the
// connect/createStream/publish AMF0 command sequence before handing raw
// elementary-stream packets off as FLV-tag-shaped audio/video messages.
package rtmp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/streamrelay/streamrelay/internal/pipeline"
)

const (
	commandCSID     = 3
	audioCSID       = 4
	videoCSID       = 6
	commandTypeID   = 20 // AMF0 command message
	audioTypeID     = 8
	videoTypeID     = 9
	dialTimeout     = 5 * time.Second
	commandStreamID = 0
)

// Muxer is an RTMP push-client Muxer (see pipeline.Muxer).
type Muxer struct {
	conn     net.Conn
	writer   *chunkWriter
	reader   *chunkReader
	app      string
	stream   string
	streamID uint32
	trxID    float64

	videoIndex int // pipeline stream index mapped to the video track, or -1
	audioIndex int
	startPTS   int64
	havePTS    bool
}

// New returns a fresh Muxer; one instance serves exactly one Open/Close
// lifecycle, matching pipeline.Config.NewMuxer's per-run factory contract.
func New() *Muxer {
	return &Muxer{videoIndex: -1, audioIndex: -1}
}

func (m *Muxer) nextTrx() float64 {
	m.trxID++
	return m.trxID
}

// Open dials the RTMP origin, performs the handshake and connect/createStream
// command exchange, issues publish, and returns the stream map: every video
// or audio input stream maps 1:1 to an FLV-tag message stream (only one of
// each is forwarded — RTMP/FLV carries a single audio and single video
// elementary stream per publish).
func (m *Muxer) Open(ctx context.Context, rawURL string, streams []pipeline.StreamInfo) ([]int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rtmp url: %w", err)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) < 2 {
		return nil, fmt.Errorf("rtmp url must be rtmp://host/app/stream, got %q", rawURL)
	}
	m.app, m.stream = parts[0], parts[1]

	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":1935"
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	m.conn = conn
	m.writer = newChunkWriter(conn)
	m.reader = newChunkReader(conn)

	if err := clientHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := m.connect(u); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := m.createStream(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("createStream: %w", err)
	}
	if err := m.publish(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("publish: %w", err)
	}

	streamMap := make([]int, len(streams))
	for i, s := range streams {
		switch {
		case s.Kind == pipeline.KindVideo && m.videoIndex < 0:
			m.videoIndex = i
			streamMap[i] = i
		case s.Kind == pipeline.KindAudio && m.audioIndex < 0:
			m.audioIndex = i
			streamMap[i] = i
		default:
			streamMap[i] = -1
		}
	}
	return streamMap, nil
}

func (m *Muxer) sendCommand(csid uint32, streamID uint32, args ...any) error {
	payload, err := encodeAll(args...)
	if err != nil {
		return err
	}
	return m.writer.writeMessage(message{csid: csid, typeID: commandTypeID, streamID: streamID, payload: payload})
}

func (m *Muxer) connect(u *url.URL) error {
	trx := m.nextTrx()
	cmdObj := map[string]any{
		"app":            m.app,
		"type":           "nonprivate",
		"tcUrl":          u.String(),
		"fpad":           false,
		"capabilities":   15.0,
		"audioCodecs":    0.0,
		"videoCodecs":    0.0,
		"videoFunction":  1.0,
		"objectEncoding": 0.0,
	}
	if err := m.sendCommand(commandCSID, commandStreamID, "connect", trx, cmdObj); err != nil {
		return err
	}
	return m.waitForResult("connect")
}

func (m *Muxer) createStream() error {
	trx := m.nextTrx()
	if err := m.sendCommand(commandCSID, commandStreamID, "createStream", trx, nil); err != nil {
		return err
	}
	return m.waitForCreateStreamResult()
}

func (m *Muxer) publish() error {
	if err := m.sendCommand(commandCSID, m.streamID, "publish", float64(0), nil, m.stream, "live"); err != nil {
		return err
	}
	return nil // the origin's publish _result/onStatus is advisory; we don't block on it
}

func (m *Muxer) waitForResult(cmd string) error {
	for {
		msg, err := m.reader.readMessage()
		if err != nil {
			return err
		}
		if msg.typeID != commandTypeID {
			continue
		}
		args, err := decodeAll(msg.payload)
		if err != nil || len(args) == 0 {
			continue
		}
		name, _ := args[0].(string)
		switch name {
		case "_result":
			return nil
		case "_error":
			return fmt.Errorf("%s rejected by origin", cmd)
		}
	}
}

func (m *Muxer) waitForCreateStreamResult() error {
	for {
		msg, err := m.reader.readMessage()
		if err != nil {
			return err
		}
		if msg.typeID != commandTypeID {
			continue
		}
		args, err := decodeAll(msg.payload)
		if err != nil || len(args) == 0 {
			continue
		}
		name, _ := args[0].(string)
		switch name {
		case "_result":
			if len(args) >= 4 {
				if id, ok := args[3].(float64); ok {
					m.streamID = uint32(id)
					return nil
				}
			}
			m.streamID = 1 // matches the common first-allocation convention
			return nil
		case "_error":
			return fmt.Errorf("createStream rejected by origin")
		}
	}
}

// WriteHeader is a no-op: this muxer forwards packets as they arrive rather
// than buffering an onMetaData/avc-sequence-header preamble, since the
// upstream demuxer's probed stream set already carries everything the
// origin needs to start decoding.
func (m *Muxer) WriteHeader() error { return nil }

// WritePacket wraps one elementary-stream packet in its FLV tag header and
// writes it as an audio (type 8) or video (type 9) RTMP message. p.PTS is
// expected to already be rescaled to pipeline.MillisecondTimebase by the
// caller (pipeline.Run) — this muxer only computes the delta against the
// first packet's pts and uses it as the wire timestamp directly, with no
// further clock-rate conversion.
func (m *Muxer) WritePacket(p pipeline.Packet) error {
	if !m.havePTS {
		m.startPTS = p.PTS
		m.havePTS = true
	}
	ts := uint32(p.PTS - m.startPTS)

	switch p.StreamIndex {
	case m.videoIndex:
		return m.writeVideo(ts, p)
	case m.audioIndex:
		return m.writeAudio(ts, p)
	default:
		return nil
	}
}

func (m *Muxer) writeVideo(ts uint32, p pipeline.Packet) error {
	frameType := byte(2) // inter frame
	if p.KeyFrame {
		frameType = 1
	}
	const codecIDAVC = 7
	header := []byte{frameType<<4 | codecIDAVC, 1 /* AVCPacketType=NALU */, 0, 0, 0}
	payload := append(header, p.Data...)
	return m.writer.writeMessage(message{csid: videoCSID, typeID: videoTypeID, streamID: m.streamID, timestamp: ts, payload: payload})
}

func (m *Muxer) writeAudio(ts uint32, p pipeline.Packet) error {
	const soundFormatAAC = 10
	const soundRate44k = 3 << 2
	const soundSize16bit = 1 << 1
	const soundStereo = 1
	header := []byte{soundFormatAAC<<4 | soundRate44k | soundSize16bit | soundStereo, 1 /* AACPacketType=raw */}
	payload := append(header, p.Data...)
	return m.writer.writeMessage(message{csid: audioCSID, typeID: audioTypeID, streamID: m.streamID, timestamp: ts, payload: payload})
}

// WriteTrailer is a no-op: there is no RTMP FLV trailer, only a connection
// close, which Close handles.
func (m *Muxer) WriteTrailer() error { return nil }

// Close releases the underlying TCP connection.
func (m *Muxer) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
