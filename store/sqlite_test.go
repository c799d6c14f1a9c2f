package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")

	sess, err := s.CreateSession(agentbridge.ChannelChat, sender)
	require.NoError(t, err)
	require.Equal(t, sender, sess.Sender)
	require.Empty(t, sess.History)

	ex := agentbridge.Exchange{Input: "hi", Reply: "hello", Timestamp: time.Now()}
	require.NoError(t, s.AppendSessionExchange(agentbridge.ChannelChat, sender, ex, 10))

	got, ok, err := s.GetSession(agentbridge.ChannelChat, sender)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.History, 1)
	require.Equal(t, "hi", got.History[0].Input)

	require.NoError(t, s.SetSessionWorkspace(agentbridge.ChannelChat, sender, "garden"))
	got, _, err = s.GetSession(agentbridge.ChannelChat, sender)
	require.NoError(t, err)
	require.Equal(t, "garden", got.WorkspaceAlias)

	require.NoError(t, s.ClearSessionContext(agentbridge.ChannelChat, sender))
	got, _, err = s.GetSession(agentbridge.ChannelChat, sender)
	require.NoError(t, err)
	require.Empty(t, got.History)
}

func TestSessionHistoryTrimsToMax(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	for i := 0; i < 5; i++ {
		ex := agentbridge.Exchange{Input: "msg", Reply: "reply", Timestamp: time.Now()}
		require.NoError(t, s.AppendSessionExchange(agentbridge.ChannelChat, sender, ex, 3))
	}
	got, ok, err := s.GetSession(agentbridge.ChannelChat, sender)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.History, 3)
}

func TestRecordMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	msg := StoredMessage{
		Channel:    agentbridge.ChannelChat,
		ExternalID: "abc-123",
		Sender:     sender,
		Direction:  "in",
		Text:       "hello there",
		ReceivedAt: time.Now(),
	}
	inserted, err := s.RecordMessage(msg)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.RecordMessage(msg)
	require.NoError(t, err)
	require.False(t, inserted, "duplicate external id must not be re-inserted")
}

func TestSearchMessagesEscapesLikeMetacharacters(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	_, err := s.RecordMessage(StoredMessage{
		Channel: agentbridge.ChannelChat, Sender: sender, Direction: "in",
		Text: "100% done_deal", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.RecordMessage(StoredMessage{
		Channel: agentbridge.ChannelChat, Sender: sender, Direction: "in",
		Text: "totally unrelated text", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	results, err := s.SearchMessages(sender, "100% done_deal", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	runID, err := s.CreateRun(agentbridge.Run{
		Sender:  sender,
		Channel: agentbridge.ChannelChat,
		Kind:    agentbridge.CommandTask,
		State:   agentbridge.RunReceived,
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, s.UpdateRunState(runID, agentbridge.RunExecuting, "", "ckpt-1"))
	run, err := s.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, agentbridge.RunExecuting, run.State)
	require.Equal(t, 1, run.Attempts)
	require.Equal(t, "ckpt-1", run.CheckpointContext)

	require.NoError(t, s.UpdateRunState(runID, agentbridge.RunCompleted, "done", ""))
	run, err = s.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, agentbridge.RunCompleted, run.State)
	require.True(t, run.State.Terminal())

	runs, err := s.ListRunsBySender(sender, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = s.GetRun("does-not-exist")
	require.ErrorIs(t, err, agentbridge.ErrRunNotFound)
}

func TestApprovalResolutionEnforcesSenderBinding(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	other := agentbridge.Normalize("+15559998888")

	runID, err := s.CreateRun(agentbridge.Run{
		Sender: sender, Channel: agentbridge.ChannelChat,
		Kind: agentbridge.CommandTask, State: agentbridge.RunAwaitingApproval,
	})
	require.NoError(t, err)

	reqID, err := s.CreateApproval(agentbridge.Approval{
		RequestID: "req-1", RunID: runID, Sender: sender,
		Summary: "delete the thing", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = s.ResolveApproval(reqID, other, true)
	var approvalErr *agentbridge.ApprovalError
	require.ErrorAs(t, err, &approvalErr)
	require.Equal(t, agentbridge.ApprovalSubWrongSender, approvalErr.Sub)

	outcome, err := s.ResolveApproval(reqID, sender, true)
	require.NoError(t, err)
	require.Equal(t, agentbridge.ApprovalApproved, outcome.Status)
	require.Equal(t, agentbridge.RunExecuting, outcome.Run.State)

	_, err = s.ResolveApproval(reqID, sender, true)
	require.ErrorAs(t, err, &approvalErr)
	require.Equal(t, agentbridge.ApprovalSubAlreadyResolved, approvalErr.Sub)
}

func TestExpireDueApprovals(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	runID, err := s.CreateRun(agentbridge.Run{
		Sender: sender, Channel: agentbridge.ChannelChat,
		Kind: agentbridge.CommandTask, State: agentbridge.RunAwaitingApproval,
	})
	require.NoError(t, err)
	_, err = s.CreateApproval(agentbridge.Approval{
		RequestID: "req-expired", RunID: runID, Sender: sender,
		Summary: "old request", CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	ids, err := s.ExpireDueApprovals(time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"req-expired"}, ids)

	run, err := s.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, agentbridge.RunFailed, run.State)
}

func TestScheduledActionsFireAndBudget(t *testing.T) {
	s := newTestStore(t)
	sender := agentbridge.Normalize("+15551234567")
	id, err := s.ScheduleAction(agentbridge.ScheduledAction{
		Sender: sender, Channel: agentbridge.ChannelChat,
		FireAt: time.Now().Add(-time.Minute), Kind: agentbridge.ScheduledFollowUp, MaxNudges: 2,
	})
	require.NoError(t, err)

	due, err := s.DueActions(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.MarkActionFired(id, true))
	due, err = s.DueActions(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "one nudge remaining out of budget of two")

	require.NoError(t, s.MarkActionFired(id, true))
	due, err = s.DueActions(time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due, "budget exhausted, row removed")
}

func TestKeyValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.KVGet("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.KVPut("companion.muted", "true"))
	v, ok, err := s.KVGet("companion.muted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", v)

	require.NoError(t, s.KVPut("companion.muted", "false"))
	v, _, _ = s.KVGet("companion.muted")
	require.Equal(t, "false", v)
}

func TestEventsAreAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent("run.created", `{"run_id":"1"}`))
	require.NoError(t, s.AppendEvent("run.completed", `{"run_id":"1"}`))

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "run.completed", events[0].Kind, "most recent first")
}
