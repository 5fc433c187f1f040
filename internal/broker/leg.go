package broker

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/chadiek/call-shield/internal/audio"
	"github.com/chadiek/call-shield/internal/envelope"
	"github.com/chadiek/call-shield/internal/transcriber"
)

// leg is one attached participant: its stream, outbound queue, and per-leg
// audio pipeline. The session loop owns the legs map; the leg's own goroutines
// (reader, writer, transcript pump) communicate back exclusively through the
// session inbox and the peer pointer, never by touching session state.
type leg struct {
	role   Role
	stream Stream
	sess   *Session

	egress *egressQueue
	norm   *audio.Normalizer
	tr     *transcriber.Transcriber

	// peer is maintained by the session loop on attach/detach so the audio
	// relay path never round-trips the inbox.
	peer atomic.Pointer[leg]

	cancel      context.CancelFunc
	writerDone  chan struct{}
	seq         atomic.Uint64
	missedPings int // session-loop owned
}

func newLeg(s *Session, role Role, stream Stream) (*leg, error) {
	norm, err := audio.NewNormalizer(s.cfg.CodecAllowlist)
	if err != nil {
		return nil, err
	}
	return &leg{
		role:       role,
		stream:     stream,
		sess:       s,
		egress:     newEgressQueue(s.cfg.EgressQueueCapacity),
		norm:       norm,
		tr:         transcriber.New(s.deps.STT, s.cfg.Transcriber),
		writerDone: make(chan struct{}),
	}, nil
}

// start launches the leg's goroutines under a context derived from the session.
func (l *leg) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.tr.Start(ctx)
	go l.writeLoop()
	go l.readLoop()
	go l.pumpTranscripts()
}

// stop tears the leg down: pipeline cancelled, queue closed, stream released.
func (l *leg) stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.egress.Close()
	_ = l.stream.Close()
}

// writeLoop drains the egress queue onto the stream. A send error marks the
// leg disconnected; there are no retries on a lost stream.
func (l *leg) writeLoop() {
	defer close(l.writerDone)
	for {
		env, ok := l.egress.Pop()
		if !ok {
			return
		}
		if err := l.stream.WriteEnvelope(env); err != nil {
			l.sess.post(detachMsg{role: l.role, reason: "write error"})
			return
		}
	}
}

// readLoop demuxes ingress envelopes. Protocol-level problems produce an error
// envelope and keep the leg alive; transport errors detach it.
func (l *leg) readLoop() {
	for {
		env, err := l.stream.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, envelope.ErrUnknownEnvelope):
				l.egress.PushPriority(envelope.Error("UnknownEnvelope", err.Error()))
				continue
			case errors.Is(err, envelope.ErrMalformed):
				l.egress.PushPriority(envelope.Error("MalformedEnvelope", err.Error()))
				continue
			default:
				l.sess.post(detachMsg{role: l.role, reason: "stream closed"})
				return
			}
		}
		switch env.Kind {
		case envelope.KindAudio:
			l.handleAudio(env)
		case envelope.KindPing:
			l.egress.PushPriority(envelope.Envelope{Kind: envelope.KindPong})
		case envelope.KindPong:
			l.sess.post(pongMsg{role: l.role})
		case envelope.KindEnd:
			l.sess.post(endMsg{reason: "requested"})
		case envelope.KindText:
			if env.Text != "" {
				l.sess.post(textMsg{role: l.role, text: env.Text})
			}
		case envelope.KindRequestCoaching:
			if l.role == RoleOperator {
				l.sess.post(coachRequestMsg{})
			} else {
				l.egress.PushPriority(envelope.Error("UnexpectedEnvelope", "request_coaching is operator-only"))
			}
		default:
			l.egress.PushPriority(envelope.Error("UnexpectedEnvelope", "kind not accepted on ingress: "+string(env.Kind)))
		}
	}
}

// handleAudio normalises one chunk, relays it to the peer, and feeds the
// transcriber. The relay path never waits on transcription.
func (l *leg) handleAudio(env envelope.Envelope) {
	pcm, err := l.norm.Normalize(env.Codec, env.Payload)
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrUnsupportedCodec):
			l.egress.PushPriority(envelope.Error("UnsupportedCodec", err.Error()))
		default:
			l.egress.PushPriority(envelope.Error("BadAudio", err.Error()))
		}
		return
	}
	if len(pcm) == 0 {
		return
	}
	l.sess.touch()
	if l.sess.State() == StateActive {
		if p := l.peer.Load(); p != nil {
			p.egress.PushAudio(envelope.Envelope{
				Kind:    envelope.KindAudio,
				Codec:   audio.CodecWavPCM,
				Payload: audio.EncodeWAV(pcm, audio.TargetSampleRate),
				Seq:     p.seq.Add(1),
				Source:  string(l.role),
			})
		}
	}
	l.tr.Ingest(pcm)
	if rec := l.sess.recorder; rec != nil {
		if err := rec.Append(l.role, time.Now(), pcm); err != nil {
			log.Printf("[%s] recording append failed: %v", l.sess.id, err)
		}
	}
}

// pumpTranscripts forwards finalised utterances: the transcript envelope goes
// to both legs with must-deliver semantics, then the session loop takes the
// entry for bookkeeping and analysis. Blocking here backpressures the
// transcriber, never the audio path.
func (l *leg) pumpTranscripts() {
	for entry := range l.tr.Entries() {
		te := TranscriptEntry{
			Speaker:    l.role,
			Text:       entry.Text,
			Language:   entry.Language,
			Confidence: entry.Confidence,
			StartedAt:  entry.StartedAt,
			EndedAt:    entry.EndedAt,
		}
		env := envelope.Envelope{
			Kind:       envelope.KindTranscript,
			Speaker:    string(te.Speaker),
			Text:       te.Text,
			Language:   te.Language,
			Confidence: te.Confidence,
			StartedAt:  te.StartedAt.UnixMilli(),
			EndedAt:    te.EndedAt.UnixMilli(),
		}
		l.pushControlOrDetach(l, env)
		if p := l.peer.Load(); p != nil {
			l.pushControlOrDetach(p, env)
		}
		l.sess.post(transcriptMsg{entry: te})
	}
}

func (l *leg) pushControlOrDetach(target *leg, env envelope.Envelope) {
	err := target.egress.PushControl(env, l.sess.cfg.EgressBlock)
	if errors.Is(err, ErrSlowConsumer) {
		l.sess.post(detachMsg{role: target.role, reason: "slow_consumer"})
	}
}
