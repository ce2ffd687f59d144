package roster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

type linkCall struct {
	op   string
	user domain.UserID
}

type recordingLinks struct {
	mu    sync.Mutex
	calls []linkCall
}

func (l *recordingLinks) EnsureLink(u domain.UserID)  { l.add("ensure", u) }
func (l *recordingLinks) RestartLink(u domain.UserID) { l.add("restart", u) }
func (l *recordingLinks) CloseLink(u domain.UserID)   { l.add("close", u) }

func (l *recordingLinks) add(op string, u domain.UserID) {
	l.mu.Lock()
	l.calls = append(l.calls, linkCall{op, u})
	l.mu.Unlock()
}

func (l *recordingLinks) count(op string, u domain.UserID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.op == op && c.user == u {
			n++
		}
	}
	return n
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRoster(t *testing.T) (*Reconciler, *recordingLinks, *time.Time) {
	t.Helper()
	links := &recordingLinks{}
	r := New("h", links, 30*time.Second)
	clock := t0
	r.now = func() time.Time { return clock }
	r.AdmitLocal(domain.Identity{ID: "h", DisplayName: "Host", Role: domain.RoleHost}, "inst-h", domain.MediaFlags{})
	return r, links, &clock
}

func msgAt(sender domain.UserID, at time.Time, p core.Payload) core.ControlMessage {
	m := core.NewMessage(sender, p)
	m.SentAt = at
	return m
}

func join(sender domain.UserID, role domain.Role, at time.Time) core.ControlMessage {
	return msgAt(sender, at, core.Join{DisplayName: string(sender), Role: role, InstanceID: "inst-" + string(sender)})
}

func TestDuplicateJoinKeepsSingleEntry(t *testing.T) {
	r, links, _ := newRoster(t)

	res, err := r.Apply(join("a", domain.RoleParticipant, t0))
	require.NoError(t, err)
	assert.True(t, res.Admitted)

	for i := 1; i <= 5; i++ {
		_, err := r.Apply(join("a", domain.RoleParticipant, t0.Add(time.Duration(i)*time.Millisecond)))
		assert.ErrorIs(t, err, core.ErrDuplicateJoin)
	}

	assert.Equal(t, 2, r.Len())
	p, ok := r.Participant("a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Millisecond), p.JoinedAt)
	assert.Equal(t, 0, links.count("restart", "a"))
}

func TestDuplicateJoinRefreshesRole(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))

	res, err := r.Apply(join("a", domain.RoleCoHost, t0.Add(time.Second)))
	assert.ErrorIs(t, err, core.ErrDuplicateJoin)
	assert.True(t, res.RoleChanged)

	p, _ := r.Participant("a")
	assert.Equal(t, domain.RoleCoHost, p.Role)
}

func TestDelayedJoinCannotUndoDemotion(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("c", domain.RoleCoHost, t0))

	res, err := r.Apply(msgAt("h", t0.Add(2*time.Second), core.Moderate{Action: core.ModerationDemote, Target: "c"}))
	require.NoError(t, err)
	assert.True(t, res.RoleChanged)

	// A re-announce c sent before the demotion arrives late.
	res, err = r.Apply(join("c", domain.RoleCoHost, t0.Add(time.Second)))
	assert.ErrorIs(t, err, core.ErrDuplicateJoin)
	assert.False(t, res.RoleChanged)
	p, _ := r.Participant("c")
	assert.Equal(t, domain.RoleParticipant, p.Role)

	_, err = r.Apply(msgAt("c", t0.Add(3*time.Second), core.RecordingStart{}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)
	assert.False(t, r.Recording().Active)
}

func TestRoleAssignmentsConvergeInAnyOrder(t *testing.T) {
	first := join("c", domain.RoleParticipant, t0)
	promote := msgAt("h", t0.Add(time.Second), core.Moderate{Action: core.ModerationPromote, Target: "c"})
	reannounce := join("c", domain.RoleCoHost, t0.Add(2*time.Second))
	demote := msgAt("h", t0.Add(3*time.Second), core.Moderate{Action: core.ModerationDemote, Target: "c"})

	for name, order := range map[string][]core.ControlMessage{
		"in order":         {first, promote, reannounce, demote},
		"demote early":     {first, demote, promote, reannounce},
		"reannounce first": {reannounce, demote, first, promote},
	} {
		t.Run(name, func(t *testing.T) {
			r, _, _ := newRoster(t)
			for _, m := range order {
				_, _ = r.Apply(m)
			}
			p, ok := r.Participant("c")
			require.True(t, ok)
			assert.Equal(t, domain.RoleParticipant, p.Role)
		})
	}
}

func TestJoinWithNewInstanceRestartsLink(t *testing.T) {
	r, links, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))

	m := msgAt("a", t0.Add(time.Second), core.Join{DisplayName: "a", Role: domain.RoleParticipant, InstanceID: "second"})
	res, err := r.Apply(m)
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, 1, links.count("restart", "a"))
	assert.Equal(t, 2, r.Len())
}

func TestLeaveIsTerminal(t *testing.T) {
	r, links, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))

	res, err := r.Apply(msgAt("a", t0.Add(2*time.Second), core.Leave{}))
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, 1, links.count("close", "a"))

	// In-flight update sent before the leave.
	_, err = r.Apply(msgAt("a", t0.Add(time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsMuted: true}}))
	assert.ErrorIs(t, err, core.ErrUnknownSender)
	// Even a newer update must not resurrect the entry.
	_, err = r.Apply(msgAt("a", t0.Add(3*time.Second), core.StateUpdate{}))
	assert.ErrorIs(t, err, core.ErrUnknownSender)
	// A duplicated join older than the leave stays dropped.
	_, err = r.Apply(join("a", domain.RoleParticipant, t0))
	assert.ErrorIs(t, err, core.ErrStaleMessage)

	assert.False(t, r.Contains("a"))
	assert.True(t, r.HasLeft("a"))
}

func TestRejoinAfterLeave(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	_, _ = r.Apply(msgAt("a", t0.Add(time.Second), core.Leave{}))

	res, err := r.Apply(join("a", domain.RoleParticipant, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.False(t, r.HasLeft("a"))
}

func TestLeaveForUnknownIsNoop(t *testing.T) {
	r, links, _ := newRoster(t)

	res, err := r.Apply(msgAt("ghost", t0, core.Leave{}))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, links.count("close", "ghost"))

	// A join that was overtaken by its own leave is dropped.
	_, err = r.Apply(join("ghost", domain.RoleParticipant, t0.Add(-time.Second)))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.False(t, r.Contains("ghost"))
}

func TestStaleLeaveFromPreviousInstance(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0.Add(5*time.Second)))

	_, err := r.Apply(msgAt("a", t0, core.Leave{}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.True(t, r.Contains("a"))
}

func TestStateUpdateLastWriteWins(t *testing.T) {
	older := msgAt("a", t0.Add(time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsMuted: true}})
	newer := msgAt("a", t0.Add(2*time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsHandRaised: true}})

	for name, order := range map[string][]core.ControlMessage{
		"in order": {older, newer},
		"reversed": {newer, older},
		"repeated": {newer, newer, older, newer},
	} {
		t.Run(name, func(t *testing.T) {
			r, _, _ := newRoster(t)
			_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
			for _, m := range order {
				_, _ = r.Apply(m)
			}
			p, _ := r.Participant("a")
			assert.Equal(t, domain.MediaFlags{IsHandRaised: true}, p.MediaFlags)
		})
	}
}

func TestStateUpdateIdempotent(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	m := msgAt("a", t0.Add(time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsVideoOff: true}})

	res, err := r.Apply(m)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = r.Apply(m)
	assert.ErrorIs(t, err, core.ErrStaleStateUpdate)
	assert.False(t, res.Changed)
}

func TestModeratorMuteOutranksOlderStateUpdate(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))

	_, err := r.Apply(msgAt("h", t0.Add(2*time.Second), core.Moderate{Action: core.ModerationMute, Target: "a"}))
	require.NoError(t, err)

	// Sent by a before it saw the mute.
	_, err = r.Apply(msgAt("a", t0.Add(time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsHandRaised: true}}))
	assert.ErrorIs(t, err, core.ErrStaleStateUpdate)
	p, _ := r.Participant("a")
	assert.True(t, p.IsMuted)

	// Its own later update is applied as usual.
	_, err = r.Apply(msgAt("a", t0.Add(3*time.Second), core.StateUpdate{MediaFlags: domain.MediaFlags{IsMuted: true, IsHandRaised: true}}))
	require.NoError(t, err)
	p, _ = r.Participant("a")
	assert.Equal(t, domain.MediaFlags{IsMuted: true, IsHandRaised: true}, p.MediaFlags)
}

func TestModerationRequiresTrackedRole(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	_, _ = r.Apply(join("b", domain.RoleParticipant, t0))

	before := r.State()
	_, err := r.Apply(msgAt("a", t0.Add(time.Second), core.Moderate{Action: core.ModerationMute, Target: "b"}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)
	_, err = r.Apply(msgAt("a", t0.Add(time.Second), core.RecordingStart{}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)
	// Unknown senders have no tracked role at all.
	_, err = r.Apply(msgAt("stranger", t0.Add(time.Second), core.Moderate{Action: core.ModerationRemove, Target: "b"}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)

	assert.Equal(t, before, r.State())
}

func TestModerationEffects(t *testing.T) {
	r, links, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	_, _ = r.Apply(join("b", domain.RoleParticipant, t0))

	res, err := r.Apply(msgAt("h", t0.Add(time.Second), core.Moderate{Action: core.ModerationPromote, Target: "a"}))
	require.NoError(t, err)
	assert.True(t, res.RoleChanged)

	// The freshly promoted co-host may now mute.
	_, err = r.Apply(msgAt("a", t0.Add(2*time.Second), core.Moderate{Action: core.ModerationMute, Target: "b"}))
	require.NoError(t, err)
	p, _ := r.Participant("b")
	assert.True(t, p.IsMuted)

	// But cannot remove the host.
	_, err = r.Apply(msgAt("a", t0.Add(3*time.Second), core.Moderate{Action: core.ModerationRemove, Target: "h"}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)

	res, err = r.Apply(msgAt("a", t0.Add(4*time.Second), core.Moderate{Action: core.ModerationRemove, Target: "b"}))
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.False(t, r.Contains("b"))
	assert.Equal(t, 1, links.count("close", "b"))
}

func TestModerationTargetingSelf(t *testing.T) {
	links := &recordingLinks{}
	r := New("a", links, 30*time.Second)
	r.AdmitLocal(domain.Identity{ID: "a", DisplayName: "A", Role: domain.RoleParticipant}, "inst-a", domain.MediaFlags{})
	_, _ = r.Apply(join("h", domain.RoleHost, t0))

	res, err := r.Apply(msgAt("h", t0.Add(time.Second), core.Moderate{Action: core.ModerationMute, Target: "a"}))
	require.NoError(t, err)
	assert.True(t, res.ForceMute)

	res, err = r.Apply(msgAt("h", t0.Add(2*time.Second), core.Moderate{Action: core.ModerationRemove, Target: "a"}))
	require.NoError(t, err)
	assert.True(t, res.Kicked)
}

func TestRecordingScenario(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	_, _ = r.Apply(join("b", domain.RoleParticipant, t0))

	res, err := r.Apply(msgAt("h", t0.Add(time.Second), core.RecordingStart{}))
	require.NoError(t, err)
	assert.True(t, res.RecordingChanged)
	assert.True(t, r.Recording().Active)

	_, err = r.Apply(msgAt("b", t0.Add(2*time.Second), core.RecordingStop{}))
	assert.ErrorIs(t, err, core.ErrUnauthorizedModeration)
	assert.True(t, r.Recording().Active)

	_, err = r.Apply(msgAt("h", t0.Add(3*time.Second), core.RecordingStop{}))
	require.NoError(t, err)
	assert.False(t, r.Recording().Active)
}

func TestConcurrentRecordingStartsCollapse(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("c", domain.RoleCoHost, t0))

	_, err := r.Apply(msgAt("c", t0.Add(time.Second), core.RecordingStart{}))
	require.NoError(t, err)
	res, err := r.Apply(msgAt("h", t0.Add(time.Second+time.Millisecond), core.RecordingStart{}))
	require.NoError(t, err)
	assert.False(t, res.RecordingChanged)

	rec := r.Recording()
	assert.True(t, rec.Active)
	assert.Equal(t, domain.UserID("c"), rec.By)

	// A stop that was overtaken by a later start is stale.
	_, err = r.Apply(msgAt("c", t0.Add(500*time.Millisecond), core.RecordingStop{}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.True(t, r.Recording().Active)
}

func TestRecordingOrderedPerSender(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("c", domain.RoleCoHost, t0))
	_, _ = r.Apply(join("h2", domain.RoleHost, t0))

	// c's clock runs a minute ahead of h2's.
	_, err := r.Apply(msgAt("c", t0.Add(time.Minute), core.RecordingStart{}))
	require.NoError(t, err)
	require.True(t, r.Recording().Active)

	res, err := r.Apply(msgAt("h2", t0.Add(5*time.Second), core.RecordingStop{}))
	require.NoError(t, err)
	assert.True(t, res.RecordingChanged)
	assert.False(t, r.Recording().Active)

	// Replays from either sender stay stale.
	_, err = r.Apply(msgAt("c", t0.Add(time.Minute), core.RecordingStart{}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	_, err = r.Apply(msgAt("h2", t0.Add(4*time.Second), core.RecordingStart{}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.False(t, r.Recording().Active)
}

func TestSweepMarksDisconnectedWithoutRemoving(t *testing.T) {
	r, _, clock := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))
	r.SetConnectionState("a", domain.ConnectionConnected)

	*clock = t0.Add(31 * time.Second)
	assert.Equal(t, []domain.UserID{"a"}, r.Sweep())

	p, ok := r.Participant("a")
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionDisconnected, p.ConnectionState)
	self, _ := r.Participant("h")
	assert.Equal(t, domain.ConnectionConnected, self.ConnectionState)

	// Any message restores presence and the last known link state.
	_, err := r.Apply(msgAt("a", *clock, core.Heartbeat{}))
	require.NoError(t, err)
	p, _ = r.Participant("a")
	assert.Equal(t, domain.ConnectionConnected, p.ConnectionState)
}

func TestUnreachableKeepsParticipantListed(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0))

	assert.True(t, r.SetConnectionState("a", domain.ConnectionDisconnected))
	p, ok := r.Participant("a")
	require.True(t, ok)
	assert.False(t, p.ShowVideo())
}

func TestSnapshotOrder(t *testing.T) {
	r, _, _ := newRoster(t)
	_, _ = r.Apply(join("b", domain.RoleParticipant, t0.Add(time.Second)))
	_, _ = r.Apply(join("a", domain.RoleParticipant, t0.Add(time.Second)))
	_, _ = r.Apply(join("c", domain.RoleParticipant, t0.Add(-time.Second)))

	var ids []domain.UserID
	for _, p := range r.Snapshot() {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []domain.UserID{"c", "h", "a", "b"}, ids)
	assert.ElementsMatch(t, []domain.UserID{"a", "b", "c"}, r.Remote())
}
