package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minichat/gateway"
	"minichat/presence"
	"minichat/protocol"
	"minichat/store"
	mock_store "minichat/store/mock"
)

type testConn struct {
	sid      string
	identity string
}

func (c *testConn) SID() string          { return c.sid }
func (c *testConn) Identity() string     { return c.identity }
func (c *testConn) CreatedAt() time.Time { return time.Now() }

// topicSub records every event delivered to one topic subscription.
type topicSub struct {
	mu     sync.Mutex
	events []gateway.Event
}

func (s *topicSub) Deliver(evt gateway.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return true
}

func (s *topicSub) all() []gateway.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Event(nil), s.events...)
}

type fixture struct {
	ms       *mock_store.MockMessageStore
	broker   *gateway.Broker
	registry *presence.Registry
	pipeline *Pipeline

	alice *topicSub
	bob   *topicSub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	f := &fixture{
		ms:     mock_store.NewMockMessageStore(ctrl),
		broker: gateway.NewBroker(),
		alice:  &topicSub{},
		bob:    &topicSub{},
	}
	f.registry = presence.NewRegistry(f.broker)
	f.pipeline = NewPipeline(f.ms, f.registry, f.broker)

	f.broker.Subscribe("alice", f.alice)
	f.broker.Subscribe("bob", f.bob)
	return f
}

func (f *fixture) online(identity string) {
	f.registry.Register(identity, &testConn{sid: "s-" + identity, identity: identity})
	// Presence broadcasts are not under test here.
	f.alice.mu.Lock()
	f.alice.events = nil
	f.alice.mu.Unlock()
	f.bob.mu.Lock()
	f.bob.events = nil
	f.bob.mu.Unlock()
}

func expectCreate(f *fixture, id string) *gomock.Call {
	return f.ms.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, msg *store.Message) error {
			msg.ID = id
			msg.CreateTime = time.Now().UTC()
			return nil
		})
}

func TestSendRejectsEmptyText(t *testing.T) {
	f := newFixture(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.pipeline.Send(context.Background(), "alice", "bob", text)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}

	_, err := f.pipeline.Send(context.Background(), "alice", "", "hi")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// Nothing persisted, nothing emitted.
	assert.Empty(t, f.alice.all())
	assert.Empty(t, f.bob.all())
}

func TestSendReceiverOnline(t *testing.T) {
	f := newFixture(t)
	f.online("alice")
	f.online("bob")

	expectCreate(f, "m1")
	f.ms.EXPECT().AdvanceStatus(gomock.Any(), "m1", store.StatusDelivered).
		Return(&store.Message{ID: "m1", Status: store.StatusDelivered}, nil)

	msg, err := f.pipeline.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	// Sender: sent-echo first, then the delivered status notice.
	got := f.alice.all()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventMessageNew, got[0].Name)
	echo := got[0].Payload.(*store.Message)
	assert.Equal(t, store.StatusSent, echo.Status)
	assert.Equal(t, "hi", echo.Text)

	assert.Equal(t, protocol.EventMessageStatus, got[1].Name)
	notice := got[1].Payload.(*protocol.StatusNotice)
	assert.Equal(t, "m1", notice.ID)
	assert.Equal(t, store.StatusDelivered, notice.Status)

	// Receiver: one push, already upgraded to delivered.
	bobGot := f.bob.all()
	require.Len(t, bobGot, 1)
	assert.Equal(t, protocol.EventMessageNew, bobGot[0].Name)
	pushed := bobGot[0].Payload.(*store.Message)
	assert.Equal(t, store.StatusDelivered, pushed.Status)
}

func TestSendReceiverOffline(t *testing.T) {
	f := newFixture(t)
	f.online("alice")

	expectCreate(f, "m1")

	msg, err := f.pipeline.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msg.Status)

	// Sender gets only the sent-status echo; nothing reaches bob.
	got := f.alice.all()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventMessageNew, got[0].Name)
	assert.Equal(t, store.StatusSent, got[0].Payload.(*store.Message).Status)

	assert.Empty(t, f.bob.all())
}

func TestSendStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.online("alice")
	f.online("bob")

	f.ms.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	_, err := f.pipeline.Send(context.Background(), "alice", "bob", "hi")
	require.Error(t, err)

	// No client-visible success event on either topic.
	assert.Empty(t, f.alice.all())
	assert.Empty(t, f.bob.all())
}

func TestSendDeliveredUpgradeFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.online("alice")
	f.online("bob")

	expectCreate(f, "m1")
	f.ms.EXPECT().AdvanceStatus(gomock.Any(), "m1", store.StatusDelivered).
		Return(nil, errors.New("connection reset"))

	_, err := f.pipeline.Send(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err, "message is committed at sent; the upgrade is a courtesy")

	// The delivered push went out, but no status notice follows.
	got := f.alice.all()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventMessageNew, got[0].Name)

	require.Len(t, f.bob.all(), 1)
}

func TestMarkReadBroadcastsToBothParties(t *testing.T) {
	f := newFixture(t)

	stored := &store.Message{ID: "m1", Sender: "alice", Receiver: "bob", Text: "hi", Status: store.StatusDelivered}
	read := &store.Message{ID: "m1", Sender: "alice", Receiver: "bob", Text: "hi", Status: store.StatusRead}

	f.ms.EXPECT().GetMessage(gomock.Any(), "m1").Return(stored, nil)
	f.ms.EXPECT().AdvanceStatus(gomock.Any(), "m1", store.StatusRead).Return(read, nil)

	updated, err := f.pipeline.MarkRead(context.Background(), "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, updated.Status)

	for _, sub := range []*topicSub{f.alice, f.bob} {
		got := sub.all()
		require.Len(t, got, 1)
		assert.Equal(t, protocol.EventMessageRead, got[0].Name)
		assert.Equal(t, store.StatusRead, got[0].Payload.(*store.Message).Status)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)

	read := &store.Message{ID: "m1", Sender: "alice", Receiver: "bob", Text: "hi", Status: store.StatusRead}

	f.ms.EXPECT().GetMessage(gomock.Any(), "m1").Return(read, nil).Times(2)
	f.ms.EXPECT().AdvanceStatus(gomock.Any(), "m1", store.StatusRead).Return(read, nil).Times(2)

	first, err := f.pipeline.MarkRead(context.Background(), "m1", "bob")
	require.NoError(t, err)
	second, err := f.pipeline.MarkRead(context.Background(), "m1", "bob")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	// Both calls produce the identical broadcast content.
	got := f.bob.all()
	require.Len(t, got, 2)
	assert.Equal(t, got[0], got[1])
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newFixture(t)

	f.ms.EXPECT().GetMessage(gomock.Any(), "nope").Return(nil, store.ErrNotFound)

	_, err := f.pipeline.MarkRead(context.Background(), "nope", "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.alice.all())
	assert.Empty(t, f.bob.all())
}

func TestMarkReadByThirdPartyIsNotFound(t *testing.T) {
	f := newFixture(t)

	stored := &store.Message{ID: "m1", Sender: "alice", Receiver: "bob", Status: store.StatusDelivered}
	f.ms.EXPECT().GetMessage(gomock.Any(), "m1").Return(stored, nil)

	_, err := f.pipeline.MarkRead(context.Background(), "m1", "mallory")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.alice.all())
	assert.Empty(t, f.bob.all())
}
