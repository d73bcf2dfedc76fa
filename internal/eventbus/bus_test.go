package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEnvelope(convID int64, text string) types.Envelope {
	return types.NewEnvelope(types.EventMessageSent, convID, types.Message{
		ConversationID: convID,
		Body:           types.MessageBody{Text: text},
	})
}

func receive(t *testing.T, sub *Subscription) types.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "feed closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.Envelope{}
}

type recordingMirror struct {
	mu     sync.Mutex
	topics []string
}

func (m *recordingMirror) Mirror(topic string, _ types.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func TestBus_SubscribersReceiveInPublishOrder(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub1 := b.Subscribe("conversation.1", nil)
	sub2 := b.Subscribe("conversation.1", nil)

	for i := 0; i < 10; i++ {
		b.Publish("conversation.1", types.NewEnvelope(types.EventMessageSent, 1, i))
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		for i := 0; i < 10; i++ {
			env := receive(t, sub)
			assert.Equal(t, i, env.Payload)
		}
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub1 := b.Subscribe("conversation.1", nil)
	sub2 := b.Subscribe("conversation.2", nil)

	b.Publish("conversation.1", makeEnvelope(1, "hi"))

	env := receive(t, sub1)
	assert.Equal(t, int64(1), env.ConversationID)

	select {
	case <-sub2.C():
		t.Fatal("conversation.2 should not receive conversation.1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	b.Publish("conversation.1", makeEnvelope(1, "before"))
	sub := b.Subscribe("conversation.1", nil)
	b.Publish("conversation.1", makeEnvelope(1, "after"))

	env := receive(t, sub)
	assert.Equal(t, "after", env.Payload.(types.Message).Body.Text)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub := b.Subscribe("conversation.1", nil)
	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish("conversation.1", makeEnvelope(1, "late"))

	_, ok := <-sub.C()
	assert.False(t, ok, "feed should be closed after cancel")
	assert.Equal(t, 0, b.SubscriberCount("conversation.1"))
}

func TestBus_DoneChannelCancels(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	done := make(chan struct{})
	sub := b.Subscribe("conversation.1", done)
	require.Equal(t, 1, b.SubscriberCount("conversation.1"))

	close(done)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not cancelled after done closed")
	}
	assert.Equal(t, 0, b.SubscriberCount("conversation.1"))
}

func TestBus_SlowSubscriberIsDropped(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	slow := b.Subscribe("conversation.1", nil)
	for i := 0; i < subscriberBufferSize+1; i++ {
		b.Publish("conversation.1", types.NewEnvelope(types.EventMessageSent, 1, i))
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber should have been dropped")
	}

	// Buffered events stay readable, then the feed ends
	count := 0
	for range slow.C() {
		count++
	}
	assert.Equal(t, subscriberBufferSize, count)
	assert.Equal(t, 0, b.SubscriberCount("conversation.1"))
}

func TestBus_ConcurrentPublishersKeepPerTopicOrderAcrossSubscribers(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub1 := b.Subscribe("conversation.1", nil)
	sub2 := b.Subscribe("conversation.1", nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				b.Publish("conversation.1", types.NewEnvelope(types.EventMessageSent, 1, p*100+i))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		e1 := receive(t, sub1)
		e2 := receive(t, sub2)
		assert.Equal(t, e1.Payload, e2.Payload, "subscribers observed different orders at %d", i)
	}
}

func TestBus_MirrorReceivesEveryEvent(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	mirror := &recordingMirror{}
	b.SetMirror(mirror)

	b.Publish("conversation.1", makeEnvelope(1, "a"))
	b.Publish(types.GlobalTopic, types.NewEnvelope(types.EventQueueUpdated, 0, types.QueueSnapshot{}))
	b.Close()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, []string{"conversation.1", types.GlobalTopic}, mirror.topics)
}

// gatedMirror blocks every Mirror call until release is closed
type gatedMirror struct {
	release chan struct{}
	mu      sync.Mutex
	texts   []string
}

func (m *gatedMirror) Mirror(_ string, env types.Envelope) error {
	<-m.release
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, env.Payload.(types.Message).Body.Text)
	return nil
}

func TestBus_SlowMirrorDoesNotBlockPublish(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	mirror := &gatedMirror{release: make(chan struct{})}
	b.SetMirror(mirror)
	sub := b.Subscribe("conversation.1", nil)

	// Publish under a caller lock, the way a conversation does
	var convMu sync.Mutex
	published := make(chan struct{})
	go func() {
		convMu.Lock()
		defer convMu.Unlock()
		for _, text := range []string{"a", "b", "c"} {
			b.Publish("conversation.1", makeEnvelope(1, text))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish waited on the mirror")
	}
	assert.Equal(t, "a", receive(t, sub).Payload.(types.Message).Body.Text)

	close(mirror.release)
	b.Close()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, mirror.texts, "mirror keeps publish order")
}

func TestBus_FullMirrorQueueDropsEvents(t *testing.T) {
	b := New(zerolog.Nop())

	mirror := &gatedMirror{release: make(chan struct{})}
	b.SetMirror(mirror)

	// One envelope is held by the mirror goroutine, the rest fill the queue
	total := mirrorBufferSize + 10
	for i := 0; i < total; i++ {
		b.Publish("conversation.1", makeEnvelope(1, "x"))
	}

	close(mirror.release)
	b.Close()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Less(t, len(mirror.texts), total)
	assert.GreaterOrEqual(t, len(mirror.texts), mirrorBufferSize)
}
