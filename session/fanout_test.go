package session

import (
	"testing"

	"github.com/m4xw311/agentbridge/errors"
)

// collectSink records updates in arrival order
type collectSink struct {
	updates []Update
	fail    bool
}

func (c *collectSink) SendUpdate(u Update) error {
	if c.fail {
		return errors.New("sink broken")
	}
	c.updates = append(c.updates, u)
	return nil
}

// TestPublisherOrdering verifies live delivery carries monotonic seqs
func TestPublisherOrdering(t *testing.T) {
	sink := &collectSink{}
	p := NewPublisher("sess_1", 8, nil)
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	p.Publish(UpdateAgentMessageChunk, "a")
	p.Publish(UpdateToolCall, "b")
	p.Publish(UpdateToolCallUpdate, "c")

	if len(sink.updates) != 3 {
		t.Fatalf("delivered %d updates, want 3", len(sink.updates))
	}
	for i, upd := range sink.updates {
		if upd.Seq != uint64(i+1) {
			t.Errorf("update %d seq = %d, want %d", i, upd.Seq, i+1)
		}
		if upd.SessionID != "sess_1" {
			t.Errorf("update %d session = %q", i, upd.SessionID)
		}
	}
	if sink.updates[0].Kind != UpdateAgentMessageChunk || sink.updates[2].Kind != UpdateToolCallUpdate {
		t.Errorf("kinds out of order: %+v", sink.updates)
	}
}

// TestPublisherBuffersWhileDetached verifies attach flushes in order
func TestPublisherBuffersWhileDetached(t *testing.T) {
	p := NewPublisher("sess_1", 8, nil)
	p.Publish(UpdateAgentMessageChunk, "early-1")
	p.Publish(UpdateAgentMessageChunk, "early-2")
	if p.Buffered() != 2 {
		t.Fatalf("Buffered() = %d, want 2", p.Buffered())
	}

	sink := &collectSink{}
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	p.Publish(UpdateAgentMessageChunk, "live-3")

	if len(sink.updates) != 3 {
		t.Fatalf("delivered %d updates, want 3", len(sink.updates))
	}
	for i, upd := range sink.updates {
		if upd.Seq != uint64(i+1) {
			t.Errorf("update %d seq = %d, want %d", i, upd.Seq, i+1)
		}
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered() = %d after flush, want 0", p.Buffered())
	}
}

// TestPublisherOverflow verifies the bounded buffer fails closed
func TestPublisherOverflow(t *testing.T) {
	fired := 0
	p := NewPublisher("sess_1", 2, func() { fired++ })

	p.Publish(UpdateAgentMessageChunk, 1)
	p.Publish(UpdateAgentMessageChunk, 2)
	p.Publish(UpdateAgentMessageChunk, 3) // over capacity

	if fired != 1 {
		t.Fatalf("onOverflow fired %d times, want 1", fired)
	}
	if !p.Overflowed() {
		t.Errorf("Overflowed() = false after overflow")
	}
	if p.Buffered() != 0 {
		t.Errorf("buffer not dropped: %d entries", p.Buffered())
	}

	// Publishes after overflow are discarded without refiring.
	p.Publish(UpdateAgentMessageChunk, 4)
	if fired != 1 || p.Buffered() != 0 {
		t.Errorf("post-overflow publish leaked: fired=%d buffered=%d", fired, p.Buffered())
	}

	sink := &collectSink{}
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach after overflow: %v", err)
	}
	if len(sink.updates) != 0 {
		t.Errorf("attach after overflow delivered %d updates", len(sink.updates))
	}
}

// TestPublisherSinkFailure verifies a broken sink detaches cleanly
func TestPublisherSinkFailure(t *testing.T) {
	sink := &collectSink{fail: true}
	p := NewPublisher("sess_1", 8, nil)
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	p.Publish(UpdateAgentMessageChunk, "lost-then-buffered")
	if p.Buffered() != 1 {
		t.Fatalf("failed send not buffered: Buffered() = %d", p.Buffered())
	}

	good := &collectSink{}
	if err := p.Attach(good); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if len(good.updates) != 1 || good.updates[0].Seq != 1 {
		t.Errorf("undelivered update not replayed on attach: %+v", good.updates)
	}
}
