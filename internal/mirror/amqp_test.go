package mirror

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dennisdiepolder/livedesk/internal/eventbus"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kinds      []string
	published  []published
	publishErr error
	closed     bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = append(c.declared, name)
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestNewDeclaresFanoutExchange(t *testing.T) {
	ch := &fakeChannel{}
	m, err := New(ch, "", zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultExchange}, ch.declared)
	assert.Equal(t, []string{"fanout"}, ch.kinds)

	m.Close()
	assert.True(t, ch.closed)
}

func TestMirrorPublishesRecord(t *testing.T) {
	ch := &fakeChannel{}
	m, err := New(ch, "events", zerolog.Nop())
	require.NoError(t, err)

	env := types.NewEnvelope(types.EventConversationClosed, 7, map[string]string{"status": "closed"})
	require.NoError(t, m.Mirror(types.ConversationTopic(7), env))

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, "events", p.exchange)
	assert.Equal(t, "conversation.7", p.key)
	assert.Equal(t, "application/json", p.msg.ContentType)
	assert.Equal(t, "conversation.closed", p.msg.Type)

	var record struct {
		Topic    string `json:"topic"`
		Envelope struct {
			Type           string `json:"type"`
			ConversationID int64  `json:"conversationId"`
		} `json:"envelope"`
	}
	require.NoError(t, json.Unmarshal(p.msg.Body, &record))
	assert.Equal(t, "conversation.7", record.Topic)
	assert.Equal(t, "conversation.closed", record.Envelope.Type)
	assert.Equal(t, int64(7), record.Envelope.ConversationID)
}

func TestMirrorPublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	m, err := New(ch, "events", zerolog.Nop())
	require.NoError(t, err)

	err = m.Mirror(types.GlobalTopic, types.NewEnvelope(types.EventQueueUpdated, 0, nil))
	assert.Error(t, err)
}

func TestMirrorReceivesBusTraffic(t *testing.T) {
	ch := &fakeChannel{}
	m, err := New(ch, "events", zerolog.Nop())
	require.NoError(t, err)

	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()
	bus.SetMirror(m)

	bus.Publish(types.GlobalTopic, types.NewEnvelope(types.EventQueueUpdated, 0, nil))
	bus.Close()
	require.Len(t, ch.published, 1)
	assert.Equal(t, types.GlobalTopic, ch.published[0].key)
}
