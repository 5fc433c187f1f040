package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/chadiek/call-shield/internal/envelope"
)

func audioEnv(seq uint64) envelope.Envelope {
	return envelope.Envelope{Kind: envelope.KindAudio, Seq: seq}
}

func TestEgressQueue_DropsOldestAudioFirst(t *testing.T) {
	q := newEgressQueue(4)
	for seq := uint64(1); seq <= 6; seq++ {
		q.PushAudio(audioEnv(seq))
	}
	if q.Len() != 4 {
		t.Fatalf("expected backlog 4, got %d", q.Len())
	}
	for _, want := range []uint64{3, 4, 5, 6} {
		env, ok := q.Pop()
		if !ok || env.Seq != want {
			t.Fatalf("expected seq %d, got %d (ok=%v)", want, env.Seq, ok)
		}
	}
}

func TestEgressQueue_ControlEvictsAudio(t *testing.T) {
	q := newEgressQueue(2)
	q.PushAudio(audioEnv(1))
	q.PushAudio(audioEnv(2))
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript, Text: "hi"}, 10*time.Millisecond); err != nil {
		t.Fatalf("control push should evict audio, got %v", err)
	}
	env, _ := q.Pop()
	if env.Seq != 2 {
		t.Fatalf("expected oldest audio evicted, head seq %d", env.Seq)
	}
	env, _ = q.Pop()
	if env.Kind != envelope.KindTranscript {
		t.Fatalf("expected transcript after audio, got %s", env.Kind)
	}
}

func TestEgressQueue_ControlNeverDropped(t *testing.T) {
	q := newEgressQueue(2)
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript, Text: "a"}, 10*time.Millisecond); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript, Text: "b"}, 10*time.Millisecond); err != nil {
		t.Fatalf("push b: %v", err)
	}

	// Full of control traffic: the producer blocks until the consumer makes room.
	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript, Text: "c"}, time.Second)
	}()
	select {
	case err := <-unblocked:
		t.Fatalf("control push should have blocked, returned %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	if _, ok := q.Pop(); !ok {
		t.Fatalf("pop failed")
	}
	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("blocked push should succeed after pop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked push never completed")
	}

	texts := []string{"b", "c"}
	for _, want := range texts {
		env, _ := q.Pop()
		if env.Text != want {
			t.Fatalf("order broken: got %q want %q", env.Text, want)
		}
	}
}

func TestEgressQueue_SustainedBlockReportsSlowConsumer(t *testing.T) {
	q := newEgressQueue(1)
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript}, 10*time.Millisecond); err != nil {
		t.Fatalf("first push: %v", err)
	}
	err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript}, 30*time.Millisecond)
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
}

func TestEgressQueue_PriorityGrowsPastCapacity(t *testing.T) {
	q := newEgressQueue(1)
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript}, 10*time.Millisecond); err != nil {
		t.Fatalf("first push: %v", err)
	}
	q.PushPriority(envelope.Envelope{Kind: envelope.KindCallEnded})
	if q.Len() != 2 {
		t.Fatalf("priority push must never be lost, backlog %d", q.Len())
	}
}

func TestEgressQueue_CloseDrains(t *testing.T) {
	q := newEgressQueue(4)
	q.PushAudio(audioEnv(1))
	q.PushPriority(envelope.Envelope{Kind: envelope.KindCallEnded})
	q.Close()
	q.PushAudio(audioEnv(9))
	if err := q.PushControl(envelope.Envelope{Kind: envelope.KindTranscript}, 10*time.Millisecond); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded after close, got %v", err)
	}

	if env, ok := q.Pop(); !ok || env.Seq != 1 {
		t.Fatalf("expected queued audio, got %+v ok=%v", env, ok)
	}
	if env, ok := q.Pop(); !ok || env.Kind != envelope.KindCallEnded {
		t.Fatalf("expected call_ended, got %+v ok=%v", env, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected drained queue to report closed")
	}
}
