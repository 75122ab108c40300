package viewport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/loop/looptest"
	"github.com/cuts-ae/support/internal/protocol"
)

const self = "agent-me"

type emitted struct {
	action  string
	payload interface{}
}

type fakeEmitter struct {
	sent []emitted
}

func (f *fakeEmitter) Emit(action string, payload interface{}) {
	f.sent = append(f.sent, emitted{action, payload})
}

func (f *fakeEmitter) actions() []string {
	out := make([]string, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.action)
	}
	return out
}

func (f *fakeEmitter) reset() { f.sent = nil }

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(sessionID, id string, sec int) chat.Message {
	return chat.Message{
		ID:         id,
		SessionID:  sessionID,
		SenderRole: chat.RoleCustomer,
		Content:    "content " + id,
		CreatedAt:  t0.Add(time.Duration(sec) * time.Second),
	}
}

func msgIDs(list []chat.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func newViewport(t *testing.T) (*Viewport, *fakeEmitter, *looptest.Scheduler) {
	t.Helper()
	em := &fakeEmitter{}
	sched := looptest.New()
	return New(em, sched, self, time.Second, nil), em, sched
}

func TestSelectJoinsAndWaitsForHistory(t *testing.T) {
	v, em, _ := newViewport(t)

	require.True(t, v.Select("s1"))

	assert.Equal(t, Joining, v.Phase())
	assert.Equal(t, "s1", v.Selected())
	require.Equal(t, []string{protocol.ActionJoinSession}, em.actions())
	assert.Equal(t, protocol.JoinSessionMsg{SessionID: "s1"}, em.sent[0].payload)

	require.True(t, v.Joined("s1", []chat.Message{msg("s1", "m1", 1), msg("s1", "m2", 2)}))
	assert.Equal(t, Joined, v.Phase())
	assert.Equal(t, []string{"m1", "m2"}, msgIDs(v.Messages()))
}

func TestSelectSameSessionIsNoop(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	em.reset()

	assert.False(t, v.Select("s1"))
	assert.Empty(t, em.sent)
}

func TestSwitchLeavesPreviousAndClears(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", []chat.Message{msg("s1", "m1", 1)})
	v.TypingStarted("customer-1", "s1")
	em.reset()

	v.Select("s2")

	assert.Equal(t, []string{protocol.ActionLeaveSession, protocol.ActionJoinSession}, em.actions())
	assert.Equal(t, protocol.LeaveSessionMsg{SessionID: "s1"}, em.sent[0].payload)
	assert.Empty(t, v.Messages())
	assert.False(t, v.Typing())
	assert.Equal(t, Joining, v.Phase())
}

func TestNoCrossSessionLeakage(t *testing.T) {
	v, _, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", []chat.Message{msg("s1", "a1", 1)})
	v.MessageReceived(msg("s1", "a2", 2))

	v.Deselect()
	v.Select("s2")
	// late reply and late message for the previous session
	assert.False(t, v.Joined("s1", []chat.Message{msg("s1", "a3", 3)}))
	assert.False(t, v.MessageReceived(msg("s1", "a4", 4)))
	v.Joined("s2", []chat.Message{msg("s2", "b1", 1)})
	v.MessageReceived(msg("s2", "b2", 2))
	v.MessageReceived(msg("s1", "a5", 5))

	for _, m := range v.Messages() {
		assert.Equal(t, "s2", m.SessionID)
	}
	assert.Equal(t, []string{"b1", "b2"}, msgIDs(v.Messages()))
}

func TestMessagesWhileJoiningAreMergedAfterHistory(t *testing.T) {
	v, _, _ := newViewport(t)
	v.Select("s1")

	assert.False(t, v.MessageReceived(msg("s1", "m3", 3)))
	assert.False(t, v.MessageReceived(msg("s1", "m2", 2)))
	assert.Empty(t, v.Messages())

	v.Joined("s1", []chat.Message{msg("s1", "m1", 1), msg("s1", "m2", 2)})

	assert.Equal(t, []string{"m1", "m2", "m3"}, msgIDs(v.Messages()))
}

func TestJoinedAppendsAndDedupes(t *testing.T) {
	v, _, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", []chat.Message{msg("s1", "m1", 1)})

	assert.True(t, v.MessageReceived(msg("s1", "m2", 2)))
	assert.False(t, v.MessageReceived(msg("s1", "m2", 2)))
	assert.False(t, v.MessageReceived(msg("s1", "m0", 0)))

	assert.Equal(t, []string{"m1", "m2"}, msgIDs(v.Messages()))
}

func TestLogNeverShrinksWhileSelected(t *testing.T) {
	v, _, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", []chat.Message{msg("s1", "m1", 1), msg("s1", "m2", 2)})
	v.MessageReceived(msg("s1", "m3", 3))

	prev := len(v.Messages())
	v.Disconnected()
	require.True(t, v.Rejoin())
	assert.Equal(t, Joining, v.Phase())
	assert.Len(t, v.Messages(), prev)

	// history lost m3 (echo not yet persisted) but has m4
	v.Joined("s1", []chat.Message{msg("s1", "m1", 1), msg("s1", "m2", 2), msg("s1", "m4", 4)})

	got := v.Messages()
	assert.GreaterOrEqual(t, len(got), prev)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, msgIDs(got))
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
}

func TestRejoinWithoutSelection(t *testing.T) {
	v, em, _ := newViewport(t)
	assert.False(t, v.Rejoin())
	assert.Empty(t, em.sent)
}

func TestDeselectReturnsToIdle(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", []chat.Message{msg("s1", "m1", 1)})
	v.TypingStarted("customer-1", "")
	em.reset()

	require.True(t, v.Deselect())

	assert.Equal(t, Idle, v.Phase())
	assert.Empty(t, v.Selected())
	assert.Empty(t, v.Messages())
	assert.False(t, v.Typing())
	assert.Equal(t, []string{protocol.ActionLeaveSession}, em.actions())
	assert.False(t, v.Deselect())
}

func TestOutgoingTypingStopsBeforeLeave(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", nil)
	v.InputChanged("hel")
	em.reset()

	v.Select("s2")

	assert.Equal(t, []string{protocol.ActionStopTyping, protocol.ActionLeaveSession, protocol.ActionJoinSession}, em.actions())
	assert.Equal(t, protocol.StopTypingMsg{SessionID: "s1"}, em.sent[0].payload)
}

func TestOutgoingTypingDebounce(t *testing.T) {
	v, em, sched := newViewport(t)
	v.Select("s1")
	v.Joined("s1", nil)
	em.reset()

	v.InputChanged("h")
	sched.Advance(500 * time.Millisecond)
	v.InputChanged("hi")
	sched.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{protocol.ActionTyping}, em.actions())

	sched.Advance(time.Second)
	assert.Equal(t, []string{protocol.ActionTyping, protocol.ActionStopTyping}, em.actions())
}

func TestInputWithoutSelectionIsIgnored(t *testing.T) {
	v, em, sched := newViewport(t)
	v.InputChanged("hello")
	sched.Advance(2 * time.Second)
	assert.Empty(t, em.sent)
}

func TestIncomingTypingFiltersSelfAndOtherSessions(t *testing.T) {
	var flips []bool
	em := &fakeEmitter{}
	sched := looptest.New()
	v := New(em, sched, self, time.Second, func(b bool) { flips = append(flips, b) })

	v.TypingStarted("customer-1", "s1")
	assert.False(t, v.Typing(), "idle viewport ignores typing")

	v.Select("s1")
	v.TypingStarted(self, "s1")
	assert.False(t, v.Typing(), "own echo ignored")
	v.TypingStarted("customer-1", "s2")
	assert.False(t, v.Typing(), "other session ignored")

	v.TypingStarted("customer-1", "s1")
	assert.True(t, v.Typing())
	assert.Equal(t, []string{"customer-1"}, v.Typists())

	sched.Advance(1100 * time.Millisecond)
	assert.False(t, v.Typing())
	assert.Equal(t, []bool{true, false}, flips)
}

func TestTypingStoppedClears(t *testing.T) {
	v, _, _ := newViewport(t)
	v.Select("s1")
	v.TypingStarted("customer-1", "")
	v.TypingStopped("customer-1", "")
	assert.False(t, v.Typing())
}

func TestSendText(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	v.Joined("s1", nil)
	v.InputChanged("on my way")
	em.reset()

	require.NoError(t, v.Send("on my way", ""))

	assert.Equal(t, []string{protocol.ActionStopTyping, protocol.ActionSendMessage}, em.actions())
	assert.Equal(t, protocol.SendMessageMsg{
		SessionID:   "s1",
		Content:     "on my way",
		MessageType: protocol.MessageTypeText,
	}, em.sent[1].payload)
	assert.Empty(t, v.Messages(), "no optimistic insert")
}

func TestSendImage(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	em.reset()

	require.NoError(t, v.Send("", "https://cdn.example/receipt.png"))

	require.Len(t, em.sent, 1)
	sent := em.sent[0].payload.(protocol.SendMessageMsg)
	assert.Equal(t, protocol.MessageTypeImage, sent.MessageType)
	assert.Equal(t, "https://cdn.example/receipt.png", sent.AttachmentURL)
}

func TestSendErrors(t *testing.T) {
	v, em, _ := newViewport(t)

	assert.ErrorIs(t, v.Send("hi", ""), ErrNoSelection)

	v.Select("s1")
	em.reset()
	assert.ErrorIs(t, v.Send("", ""), chat.ErrEmptyMessage)
	assert.ErrorIs(t, v.Send("   \n\t", ""), chat.ErrEmptyMessage)
	assert.Empty(t, em.sent)
}

func TestSendTrimsContent(t *testing.T) {
	v, em, _ := newViewport(t)
	v.Select("s1")
	em.reset()

	require.NoError(t, v.Send("  thanks for waiting \n", ""))

	require.Len(t, em.sent, 1)
	assert.Equal(t, "thanks for waiting", em.sent[0].payload.(protocol.SendMessageMsg).Content)
}
