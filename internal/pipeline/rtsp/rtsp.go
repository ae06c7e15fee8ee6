// SPDX-License-Identifier: MIT

// Package rtsp implements pipeline.Demuxer over an RTSP/1.0 session carried
// on interleaved TCP (RFC 2326 §10.12): OPTIONS, DESCRIBE, SETUP, and PLAY
// are exchanged as plain RTSP request/response text, SDP assigns media
// sections to even/odd interleaved channel pairs, and RTP packets on the
// even channels are depacketized into per-stream access units.
package rtsp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/streamrelay/streamrelay/internal/pipeline"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	keepaliveInterval     = 25 * time.Second
	userAgent             = "streamrelayd/1.0"

	// estAvgPacketSize sizes the read-ahead queue from RTBufSize: with no
	// better estimate available before the first packet arrives, this is
	// the same rough RTP-over-Ethernet payload size ffmpeg's rtsp demuxer
	// assumes when translating rtbufsize into a packet-count buffer depth.
	estAvgPacketSize = 1500

	minQueueDepth     = 16
	maxQueueDepth     = 1024
	defaultQueueDepth = 64
)

// queueDepth derives the read-ahead queue's packet capacity from
// opts.RTBufSize, falling back to defaultQueueDepth when unset.
func queueDepth(opts pipeline.InputOptions) int {
	if opts.RTBufSize <= 0 {
		return defaultQueueDepth
	}
	depth := int(opts.RTBufSize / estAvgPacketSize)
	if depth < minQueueDepth {
		return minQueueDepth
	}
	if depth > maxQueueDepth {
		return maxQueueDepth
	}
	return depth
}

// track is one SDP media section mapped to its RTP/RTCP channel pair.
type track struct {
	streamIndex int
	channel     byte // RTP channel; RTCP is channel+1
	kind        pipeline.MediaKind
	clockRate   int64
	control     string
}

// Demuxer is an RTSP pull-source Demuxer (see pipeline.Demuxer).
type Demuxer struct {
	opts pipeline.InputOptions

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	baseURL string
	session string
	cseq    int

	tracks       []track
	keepaliveCtl context.CancelFunc
	extenders    map[byte]*extendedTimestamp

	queue    chan queuedPacket
	pumpCtl  context.CancelFunc
	pumpDone chan struct{}
}

// queuedPacket carries a demuxed packet alongside its arrival time, so
// ReadPacket can measure how long it has sat in the read-ahead queue.
type queuedPacket struct {
	pkt pipeline.Packet
	err error
	at  time.Time
}

// New returns a fresh Demuxer; one instance serves exactly one Open/Close
// lifecycle, matching pipeline.Config.NewDemuxer's per-run factory contract.
func New() *Demuxer {
	return &Demuxer{}
}

// Open dials the RTSP server, performs OPTIONS/DESCRIBE/SETUP/PLAY, and
// returns the probed stream set. rtsp_transport is unconditionally TCP —
// this client only ever speaks interleaved TCP, which already satisfies the
// option's effect regardless of what opts.RTSPTransport names.
func (d *Demuxer) Open(ctx context.Context, rawURL string, opts pipeline.InputOptions) ([]pipeline.StreamInfo, error) {
	d.opts = opts

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rtsp url: %w", err)
	}
	username, password := "", ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	if u.Scheme == "rtsps" {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: u.Hostname()})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1_024_000
	}
	d.conn = conn
	d.reader = bufio.NewReaderSize(conn, bufSize)

	// u without credentials/query is reused for SETUP/PLAY unless the
	// DESCRIBE response supplies a Content-Base.
	d.baseURL = (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()

	if err := d.options(d.baseURL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("OPTIONS: %w", err)
	}

	sdp, err := d.describe(d.baseURL, username, password)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("DESCRIBE: %w", err)
	}

	d.tracks = parseSDP(sdp)
	if len(d.tracks) == 0 {
		_ = conn.Close()
		return nil, errors.New("DESCRIBE: no media sections in SDP")
	}

	for i := range d.tracks {
		if err := d.setupTrack(&d.tracks[i]); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("SETUP channel %d: %w", d.tracks[i].channel, err)
		}
	}

	if err := d.play(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("PLAY: %w", err)
	}

	keepaliveCtx, cancel := context.WithCancel(ctx)
	d.keepaliveCtl = cancel
	go d.keepaliveLoop(keepaliveCtx)

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	d.pumpCtl = pumpCancel
	d.queue = make(chan queuedPacket, queueDepth(opts))
	d.pumpDone = make(chan struct{})
	go d.pump(pumpCtx)

	bestVideo := -1
	for _, t := range d.tracks {
		if t.kind == pipeline.KindVideo {
			bestVideo = t.streamIndex
			break
		}
	}

	streams := make([]pipeline.StreamInfo, len(d.tracks))
	for i, t := range d.tracks {
		streams[i] = pipeline.StreamInfo{
			Index:     t.streamIndex,
			Kind:      t.kind,
			Timebase:  pipeline.Rational{Num: 1, Den: t.clockRate},
			IsBestVid: t.kind == pipeline.KindVideo && t.streamIndex == bestVideo,
		}
	}
	return streams, nil
}

// Close sends TEARDOWN (best effort) and releases the connection.
func (d *Demuxer) Close() error {
	if d.keepaliveCtl != nil {
		d.keepaliveCtl()
	}
	if d.pumpCtl != nil {
		d.pumpCtl()
	}
	if d.conn == nil {
		return nil
	}
	_ = d.writeRequest("TEARDOWN", d.baseURL, nil)
	err := d.conn.Close()
	if d.pumpDone != nil {
		<-d.pumpDone // pump is blocked on a read against the now-closed conn, so this returns promptly
	}
	return err
}

func (d *Demuxer) nextCSeq() int {
	d.cseq++
	return d.cseq
}

func (d *Demuxer) writeRequest(method, target string, extra map[string]string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, target)
	fmt.Fprintf(&b, "CSeq: %d\r\n", d.nextCSeq())
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	if d.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", d.session)
	}
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	if err := d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := d.conn.Write([]byte(b.String()))
	return err
}

type rtspResponse struct {
	status int
	header map[string]string
	body   []byte
}

func (d *Demuxer) readResponse() (*rtspResponse, error) {
	statusLine, err := d.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code %q", parts[1])
	}

	resp := &rtspResponse{status: status, header: make(map[string]string)}
	contentLength := 0
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			resp.header[key] = val
			if strings.EqualFold(key, "Content-Length") {
				contentLength, _ = strconv.Atoi(val)
			}
		}
	}
	if contentLength > 0 {
		resp.body = make([]byte, contentLength)
		if _, err := io.ReadFull(d.reader, resp.body); err != nil {
			return nil, err
		}
	}
	if status != 200 {
		return nil, fmt.Errorf("rtsp status %d", status)
	}
	return resp, nil
}

func (d *Demuxer) do(method, target string, extra map[string]string) (*rtspResponse, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	if err := d.writeRequest(method, target, extra); err != nil {
		return nil, err
	}
	return d.readResponse()
}

func (d *Demuxer) options(target string) error {
	_, err := d.do("OPTIONS", target, nil)
	return err
}

func (d *Demuxer) describe(target, username, password string) (string, error) {
	extra := map[string]string{"Accept": "application/sdp"}
	if username != "" {
		extra["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	resp, err := d.do("DESCRIBE", target, extra)
	if err != nil {
		return "", err
	}
	if base := resp.header["Content-Base"]; base != "" {
		d.baseURL = strings.TrimSpace(base)
	}
	return string(resp.body), nil
}

// wellKnownClockRate covers the static RTP/AVP payload types (RFC 3551
// table 4/5); dynamic payload types (96-127) get their clock rate from the
// SDP a=rtpmap attribute instead.
var wellKnownClockRate = map[int]int64{0: 8000, 8: 8000, 9: 8000, 26: 90000}

func parseSDP(sdp string) []track {
	var tracks []track
	var cur *track
	channel := byte(0)
	streamIndex := 0

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			kind := pipeline.KindUnknown
			switch fields[0][2:] {
			case "video":
				kind = pipeline.KindVideo
			case "audio":
				kind = pipeline.KindAudio
			}
			pt, _ := strconv.Atoi(fields[3])
			t := track{
				streamIndex: streamIndex,
				channel:     channel,
				kind:        kind,
				clockRate:   wellKnownClockRate[pt],
			}
			if t.clockRate == 0 {
				t.clockRate = 90000 // placeholder until a=rtpmap refines it below
			}
			tracks = append(tracks, t)
			cur = &tracks[len(tracks)-1]
			channel += 2
			streamIndex++
		case strings.HasPrefix(line, "a=rtpmap:") && cur != nil:
			// a=rtpmap:96 H264/90000
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) == 2 {
				encParts := strings.Split(parts[1], "/")
				if len(encParts) >= 2 {
					if rate, err := strconv.ParseInt(encParts[1], 10, 64); err == nil {
						cur.clockRate = rate
					}
				}
			}
		case strings.HasPrefix(line, "a=control:") && cur != nil:
			cur.control = strings.TrimPrefix(line, "a=control:")
		}
	}
	return tracks
}

func (d *Demuxer) setupTrack(t *track) error {
	target := d.baseURL
	if t.control != "" {
		if strings.HasPrefix(t.control, "rtsp://") || strings.HasPrefix(t.control, "rtsps://") {
			target = t.control
		} else {
			u, err := url.Parse(d.baseURL)
			if err == nil {
				u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(t.control, "/")
				target = u.String()
			}
		}
	}

	extra := map[string]string{
		"Transport": fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", t.channel, t.channel+1),
	}
	resp, err := d.do("SETUP", target, extra)
	if err != nil {
		return err
	}
	if d.session == "" {
		if session := resp.header["Session"]; session != "" {
			if idx := strings.IndexByte(session, ';'); idx > 0 {
				d.session = session[:idx]
			} else {
				d.session = session
			}
		}
	}
	return nil
}

func (d *Demuxer) play() error {
	target := d.baseURL
	if u, err := url.Parse(target); err == nil && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		target = u.String()
	}
	// PLAY's response is read back from the interleaved stream by the pump
	// goroutine's readFrame, not here — the server may start pushing RTP
	// immediately.
	return d.writeRequest("PLAY", target, map[string]string{"Range": "npt=0.000-"})
}

func (d *Demuxer) keepaliveLoop(ctx context.Context) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.writeRequest("OPTIONS", d.baseURL, nil); err != nil {
				return
			}
		}
	}
}

func (d *Demuxer) trackByChannel(channel byte) *track {
	for i := range d.tracks {
		if d.tracks[i].channel == channel {
			return &d.tracks[i]
		}
	}
	return nil
}

// extendedTimestamp tracks RTP's 32-bit wraparound per channel so that
// pts/dts keep increasing across a long-running session.
type extendedTimestamp struct {
	have bool
	last uint32
	high int64
}

func (e *extendedTimestamp) extend(ts uint32) int64 {
	if !e.have {
		e.have = true
		e.last = ts
		return int64(ts)
	}
	delta := int64(ts) - int64(e.last)
	if delta < -(1 << 31) {
		e.high += 1 << 32
	} else if delta > (1 << 31) {
		e.high -= 1 << 32
	}
	e.last = ts
	return e.high + int64(ts)
}

func (d *Demuxer) extender(channel byte) *extendedTimestamp {
	if d.extenders == nil {
		d.extenders = make(map[byte]*extendedTimestamp)
	}
	e, ok := d.extenders[channel]
	if !ok {
		e = &extendedTimestamp{}
		d.extenders[channel] = e
	}
	return e
}

// pump runs on its own goroutine for the life of the session, continuously
// reading frames off the wire into the bounded read-ahead queue so that a
// slow downstream muxer never stalls the RTSP keepalive/TCP read loop.
// Queue depth is bounded by RTBufSize (queueDepth, set at Open); when full,
// the oldest queued packet is dropped to make room, matching how a bounded
// rtbufsize forces a live source to shed backlog rather than grow memory
// without limit.
func (d *Demuxer) pump(ctx context.Context) {
	defer close(d.pumpDone)
	for {
		pkt, err := d.readFrame()
		qp := queuedPacket{pkt: pkt, err: err, at: time.Now()}

		select {
		case d.queue <- qp:
		default:
			select {
			case <-d.queue:
			default:
			}
			select {
			case d.queue <- qp:
			default:
			}
		}

		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ReadPacket returns the next queued access unit. When opts.MaxDelay is set,
// packets that have aged past it while sitting in the read-ahead queue are
// dropped so the pipeline's output never falls further than MaxDelay behind
// the live source — the same bound ffmpeg's -max_delay enforces on its own
// demuxer-side reordering buffer.
func (d *Demuxer) ReadPacket() (pipeline.Packet, error) {
	for {
		qp, ok := <-d.queue
		if !ok {
			return pipeline.Packet{}, io.EOF
		}
		if qp.err != nil {
			return pipeline.Packet{}, qp.err
		}
		if d.opts.MaxDelay > 0 && time.Since(qp.at) > d.opts.MaxDelay {
			continue
		}
		return qp.pkt, nil
	}
}

// readFrame blocks for the next RTP access unit, skipping interleaved RTCP
// frames and any RTSP responses (keepalive OPTIONS replies) that arrive on
// the same connection. It returns io.EOF on a clean server-side close.
func (d *Demuxer) readFrame() (pipeline.Packet, error) {
	readTimeout := d.opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	for {
		if err := d.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return pipeline.Packet{}, err
		}

		head, err := d.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return pipeline.Packet{}, io.EOF
			}
			return pipeline.Packet{}, err
		}

		if head[0] != '$' {
			if string(head) == "RTSP" {
				if _, err := d.readResponse(); err != nil {
					return pipeline.Packet{}, err
				}
				continue
			}
			if _, err := d.reader.ReadByte(); err != nil {
				return pipeline.Packet{}, err
			}
			continue
		}

		channel := head[1]
		size := binary.BigEndian.Uint16(head[2:4])
		if _, err := d.reader.Discard(4); err != nil {
			return pipeline.Packet{}, err
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(d.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return pipeline.Packet{}, io.EOF
			}
			return pipeline.Packet{}, err
		}

		if channel%2 != 0 {
			continue // RTCP, not forwarded downstream
		}
		t := d.trackByChannel(channel)
		if t == nil {
			continue
		}

		var rp rtp.Packet
		if err := rp.Unmarshal(payload); err != nil {
			continue
		}

		pts := d.extender(channel).extend(rp.Timestamp)
		return pipeline.Packet{
			StreamIndex: t.streamIndex,
			PTS:         pts,
			DTS:         pts,
			Data:        rp.Payload,
			KeyFrame:    rp.Marker,
		}, nil
	}
}
