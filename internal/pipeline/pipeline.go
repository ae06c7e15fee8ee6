// SPDX-License-Identifier: MIT

// Package pipeline implements the republish pipeline: given an input RTSP
// URL and an output RTMP URL, it pulls packets losslessly (no re-encode),
// paces video output against wall-clock, and terminates promptly on an
// external stop signal, end-of-stream, or any I/O error.
//
// The lifecycle follows Idle -> Opening -> Muxing -> Draining -> Closed.
// Any failure transitions directly to Closed while still releasing
// whatever resources were acquired (original spec §4.2.1).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is a lifecycle stage of a single pipeline run.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateMuxing
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpening:
		return "Opening"
	case StateMuxing:
		return "Muxing"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Rational represents a rational timebase, e.g. {1, 90000} for a 90kHz RTP
// clock. It is the Go equivalent of libav's AVRational, used for
// av_rescale_q-style pts/dts conversions between the input and output
// stream timebases.
type Rational struct {
	Num int64
	Den int64
}

// MicrosecondTimebase is the {1, 1,000,000} timebase used for wall-clock
// pacing comparisons (original §4.2.4 step 6).
var MicrosecondTimebase = Rational{Num: 1, Den: 1_000_000}

// MillisecondTimebase is the {1, 1,000} timebase the RTMP/FLV wire format's
// timestamp field is always expressed in, regardless of the input codec's
// native clock rate. Run rescales every packet into this timebase before
// handing it to the muxer (original §4.2.4 step 7); the muxer then uses a
// packet's pts directly as its wire timestamp delta.
var MillisecondTimebase = Rational{Num: 1, Den: 1_000}

// RescalePassMinMax converts a timestamp from one timebase to another,
// rounding toward the value that best preserves ordering, and passing
// through the "no timestamp" sentinel (NoPTS) unchanged — equivalent to
// libav's av_rescale_q_rnd with AV_ROUND_PASS_MINMAX.
func RescalePassMinMax(ts int64, from, to Rational) int64 {
	if ts == NoPTS {
		return NoPTS
	}
	return rescale(ts, from, to)
}

// RescaleRound converts a duration from one timebase to another with plain
// rounding (no NoPTS pass-through — durations are never "unknown").
func RescaleRound(d int64, from, to Rational) int64 {
	return rescale(d, from, to)
}

func rescale(v int64, from, to Rational) int64 {
	if from.Num == to.Num && from.Den == to.Den {
		return v
	}
	// v * from.Num * to.Den / (from.Den * to.Num), rounded to nearest,
	// computed in plain int64 arithmetic with no widening; the products stay
	// in range for the common small-rational cases this pipeline deals with
	// (sub-millisecond RTP clocks against the microsecond wall-clock timebase).
	num := v * from.Num * to.Den
	den := from.Den * to.Num
	if den == 0 {
		return 0
	}
	if (num < 0) != (den < 0) {
		return -((-num + den/2) / den)
	}
	return (num + den/2) / den
}

// NoPTS marks an unknown presentation timestamp, equivalent to libav's
// AV_NOPTS_VALUE.
const NoPTS = int64(-1) << 62

// MediaKind is the coarse media type of a stream, used to decide whether a
// packet is copied to the output or dropped.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

// StreamInfo describes one input stream as reported by the demuxer after
// probing.
type StreamInfo struct {
	Index     int
	Kind      MediaKind
	Timebase  Rational
	CodecTag  uint32
	IsBestVid bool // true for the stream selected as the primary video track
}

// Packet is one demuxed elementary-stream packet.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Data        []byte
	KeyFrame    bool
}

// Demuxer is the input side of the pipeline: an RTSP pull source.
type Demuxer interface {
	// Open connects, probes streams, and applies the input options (original
	// §4.2.2: buffer_size, rtbufsize, stimeout, max_delay, rtsp_transport).
	Open(ctx context.Context, url string, opts InputOptions) ([]StreamInfo, error)
	// ReadPacket returns the next packet, or io.EOF on clean end-of-stream.
	ReadPacket() (Packet, error)
	Close() error
}

// Muxer is the output side of the pipeline: an RTMP push destination.
type Muxer interface {
	// Open allocates the output context for the given URL and input stream
	// set, returning the output stream index each input index maps to (or
	// -1 if the input stream has no output counterpart). WriteHeader must
	// be called before any WritePacket.
	Open(ctx context.Context, url string, streams []StreamInfo) (streamMap []int, err error)
	WriteHeader() error
	WritePacket(p Packet) error
	WriteTrailer() error
	Close() error
}

// InputOptions carries the demuxer option defaults from original §4.2.2.
type InputOptions struct {
	ConnectTimeout time.Duration
	BufferSize     int
	RTBufSize      int
	ReadTimeout    time.Duration // stimeout equivalent
	MaxDelay       time.Duration
	RTSPTransport  string // "tcp"
}

// Outcome is the single result a pipeline run yields (original §4.2.5).
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeErr
)

// Result carries a pipeline run's outcome and, on OutcomeErr, a short
// human-readable message suitable for storing into a registry record's
// reason field.
type Result struct {
	Outcome Outcome
	Message string
}

// Handle is the in-memory-only state the supervisor holds for one active
// pipeline: an atomic stop flag the worker checks before every packet read.
type Handle struct {
	stop atomic.Bool
}

// NewHandle creates a Handle in the not-stopped state.
func NewHandle() *Handle { return &Handle{} }

// Stop signals the worker to terminate. It returns immediately; the worker
// observes the flag before its next ReadPacket call (original §4.2.6).
func (h *Handle) Stop() { h.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool { return h.stop.Load() }

// Config bundles everything one Run call needs.
type Config struct {
	InputURL  string
	OutputURL string
	Input     InputOptions
	NewDemuxer func() Demuxer
	NewMuxer   func() Muxer
	Logger     *slog.Logger
}

// Run executes one pipeline lifecycle to completion, implementing the
// stream-mapping, NOPTS synthesis, video pacing, and pass-min/max rescale
// rules of original §4.2.3-§4.2.4. It always returns before any resource it
// acquired leaks: the input demuxer and output muxer are closed on every
// exit path, including early failures.
func Run(ctx context.Context, cfg Config, h *Handle) Result {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := StateOpening
	demux := cfg.NewDemuxer()
	var mux Muxer
	var headerWritten bool

	release := func() {
		if headerWritten {
			state = StateDraining
			if err := mux.WriteTrailer(); err != nil {
				logger.Warn("write trailer failed", "error", err)
			}
		}
		if demux != nil {
			_ = demux.Close()
		}
		if mux != nil {
			_ = mux.Close()
		}
		logger.Debug("pipeline released", "last_state", state)
		state = StateClosed
	}
	defer release()

	streams, err := demux.Open(ctx, cfg.InputURL, cfg.Input)
	if err != nil {
		return Result{Outcome: OutcomeErr, Message: fmt.Sprintf("open input: %v", err)}
	}

	mux = cfg.NewMuxer()
	streamMap, err := mux.Open(ctx, cfg.OutputURL, streams)
	if err != nil {
		return Result{Outcome: OutcomeErr, Message: fmt.Sprintf("open output: %v", err)}
	}

	if err := mux.WriteHeader(); err != nil {
		return Result{Outcome: OutcomeErr, Message: fmt.Sprintf("write header: %v", err)}
	}
	headerWritten = true
	state = StateMuxing

	var bestVideo = -1
	for _, s := range streams {
		if s.IsBestVid {
			bestVideo = s.Index
		}
	}

	curPTS := make([]int64, len(streams))
	startTime := nowMicros()

	for {
		if h.Stopped() {
			return Result{Outcome: OutcomeOK}
		}

		pkt, err := demux.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{Outcome: OutcomeOK}
			}
			return Result{Outcome: OutcomeErr, Message: fmt.Sprintf("read packet: %v", err)}
		}

		i := pkt.StreamIndex
		if i < 0 || i >= len(streamMap) || streamMap[i] < 0 {
			continue
		}
		outIdx := streamMap[i]
		pkt.StreamIndex = outIdx

		hadNoPTS := pkt.PTS == NoPTS
		if hadNoPTS {
			pkt.PTS = curPTS[i]
			pkt.DTS = pkt.PTS
		}

		if bestVideo >= 0 && i == bestVideo {
			ptsUs := RescalePassMinMax(pkt.DTS, streams[i].Timebase, MicrosecondTimebase)
			if ptsUs != NoPTS {
				elapsed := nowMicros() - startTime
				if ptsUs > elapsed {
					sleepMicros(ctx, ptsUs-elapsed)
				}
			}
		}

		origDuration := pkt.Duration
		outTimebase := MillisecondTimebase // the wire format's own clock, not the input codec's
		pkt.PTS = RescalePassMinMax(pkt.PTS, streams[i].Timebase, outTimebase)
		pkt.DTS = RescalePassMinMax(pkt.DTS, streams[i].Timebase, outTimebase)
		pkt.Duration = RescaleRound(pkt.Duration, streams[i].Timebase, outTimebase)

		if err := mux.WritePacket(pkt); err != nil {
			return Result{Outcome: OutcomeErr, Message: fmt.Sprintf("write packet: %v", err)}
		}

		if hadNoPTS {
			curPTS[i] += origDuration
		}
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

func sleepMicros(ctx context.Context, us int64) {
	t := time.NewTimer(time.Duration(us) * time.Microsecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
