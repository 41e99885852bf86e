package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
)

func newTestBus(t *testing.T, bufferSize int) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(log, bufferSize)
}

func TestSubscribeDeliversSnapshotAndPublishedMessages(t *testing.T) {
	b := newTestBus(t, 0)

	sub, initial := Subscribe(b, func() []Message {
		return []Message{{Kind: SessionUpdated, SessionID: "ses_1"}}
	})
	defer sub.Close()

	require.Len(t, initial, 1)
	assert.Equal(t, "ses_1", initial[0].SessionID)

	b.Publish(Message{Kind: SessionCreated, SessionID: "ses_2", Session: &domain.Session{SessionID: "ses_2"}})

	select {
	case msg := <-sub.C():
		assert.Equal(t, SessionCreated, msg.Kind)
		assert.Equal(t, "ses_2", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishDropsLaggingSubscriber(t *testing.T) {
	b := newTestBus(t, 1)

	sub, _ := Subscribe(b, nil)
	defer sub.Close()

	b.Publish(Message{Kind: SessionUpdated, SessionID: "ses_1"})
	b.Publish(Message{Kind: SessionUpdated, SessionID: "ses_2"})

	first := <-sub.C()
	assert.Equal(t, "ses_1", first.SessionID)

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed once the subscriber falls behind")
	assert.Equal(t, 0, b.SubscriberCount(), "a dropped subscriber is removed from the bus")
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := newTestBus(t, 0)
	sub, _ := Subscribe(b, nil)
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestSubscriberCountTracksMultipleSubscribers(t *testing.T) {
	b := newTestBus(t, 0)
	sub1, _ := Subscribe(b, nil)
	sub2, _ := Subscribe(b, nil)
	defer sub1.Close()
	defer sub2.Close()

	assert.Equal(t, 2, b.SubscriberCount())
}
