package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/streamrelay/streamrelay/internal/pipeline"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=test\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 mpeg4-generic/48000\r\n" +
	"a=control:trackID=1\r\n"

// fakeServer plays a minimal RTSP/1.0 session: OPTIONS, DESCRIBE (returns
// testSDP), two SETUPs, PLAY, then pushes one interleaved RTP frame per
// track before closing.
func fakeServer(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	readRequest := func() (method string) {
		line, err := r.ReadString('\n')
		if err != nil {
			return ""
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return ""
		}
		for {
			l, err := r.ReadString('\n')
			if err != nil || strings.TrimSpace(l) == "" {
				break
			}
		}
		return fields[0]
	}

	respond := func(body string, extraHeaders ...string) {
		fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: 1\r\n")
		for _, h := range extraHeaders {
			fmt.Fprintf(conn, "%s\r\n", h)
		}
		if body != "" {
			fmt.Fprintf(conn, "Content-Length: %d\r\n\r\n%s", len(body), body)
		} else {
			fmt.Fprint(conn, "\r\n")
		}
	}

	if readRequest() != "OPTIONS" {
		return
	}
	respond("")

	if readRequest() != "DESCRIBE" {
		return
	}
	respond(testSDP, "Content-Base: rtsp://127.0.0.1/stream/")

	if readRequest() != "SETUP" {
		return
	}
	respond("", "Session: abc123;timeout=60", "Transport: RTP/AVP/TCP;unicast;interleaved=0-1")

	if readRequest() != "SETUP" {
		return
	}
	respond("", "Transport: RTP/AVP/TCP;unicast;interleaved=2-3")

	if readRequest() != "PLAY" {
		return
	}
	// PLAY's response is read back by the demuxer's readFrame, interleaved with data.
	fmt.Fprint(conn, "RTSP/1.0 200 OK\r\nCSeq: 5\r\n\r\n")

	writeFrame := func(channel byte, payload []byte) {
		hdr := []byte{'$', channel, 0, 0}
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)))
		conn.Write(hdr)
		conn.Write(payload)
	}

	videoPkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, Timestamp: 90000, SequenceNumber: 1, Marker: true},
		Payload: []byte("videoframe"),
	}
	raw, _ := videoPkt.Marshal()
	writeFrame(0, raw) // RTP on even channel 0

	audioPkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, Timestamp: 48000, SequenceNumber: 1},
		Payload: []byte("audioframe"),
	}
	raw2, _ := audioPkt.Marshal()
	writeFrame(2, raw2) // RTP on even channel 2

	// Hold the connection open briefly so the client's next Peek blocks
	// instead of racing a premature close.
	time.Sleep(50 * time.Millisecond)
}

func TestOpenProbesStreamsFromSDP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go fakeServer(t, ln)

	d := New()
	streams, err := d.Open(context.Background(), "rtsp://127.0.0.1:"+portOf(t, ln)+"/stream", pipeline.InputOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if len(streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(streams))
	}
	if streams[0].Kind != pipeline.KindVideo || !streams[0].IsBestVid {
		t.Errorf("stream 0 = %+v, want video/best", streams[0])
	}
	if streams[0].Timebase.Den != 90000 {
		t.Errorf("video clock rate = %d, want 90000", streams[0].Timebase.Den)
	}
	if streams[1].Kind != pipeline.KindAudio || streams[1].Timebase.Den != 48000 {
		t.Errorf("stream 1 = %+v, want audio/48000", streams[1])
	}
}

func TestReadPacketYieldsBothTracks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go fakeServer(t, ln)

	d := New()
	_, err = d.Open(context.Background(), "rtsp://127.0.0.1:"+portOf(t, ln)+"/stream", pipeline.InputOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	p1, err := d.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket 1: %v", err)
	}
	p2, err := d.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket 2: %v", err)
	}

	if p1.StreamIndex != 0 || string(p1.Data) != "videoframe" {
		t.Errorf("packet 1 = %+v, want video stream 0", p1)
	}
	if !p1.KeyFrame {
		t.Errorf("video packet should carry the RTP marker bit as Keyframe")
	}
	if p2.StreamIndex != 1 || string(p2.Data) != "audioframe" {
		t.Errorf("packet 2 = %+v, want audio stream 1", p2)
	}
}

func TestParseSDPAssignsEvenOddChannels(t *testing.T) {
	tracks := parseSDP(testSDP)
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}
	if tracks[0].channel != 0 || tracks[1].channel != 2 {
		t.Errorf("channels = %d,%d, want 0,2", tracks[0].channel, tracks[1].channel)
	}
	if tracks[0].clockRate != 90000 || tracks[1].clockRate != 48000 {
		t.Errorf("clock rates = %d,%d, want 90000,48000", tracks[0].clockRate, tracks[1].clockRate)
	}
}

func TestExtendedTimestampHandlesWraparound(t *testing.T) {
	var e extendedTimestamp
	first := e.extend(4_294_967_290) // near uint32 max
	second := e.extend(10)           // wrapped around

	if first != 4_294_967_290 {
		t.Errorf("first = %d, want 4294967290", first)
	}
	if second <= first {
		t.Errorf("extended timestamp must keep increasing across wraparound: first=%d second=%d", first, second)
	}
}

func portOf(t *testing.T, ln net.Listener) string {
	t.Helper()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	return port
}
