package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterNodeState_OneVotePerTerm(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)

	granted, term := s.GrantVote(1, "cand-a", 10, 5)
	require.True(t, granted)
	assert.Equal(t, uint64(1), term)

	// Second candidate in the same term is refused.
	granted, _ = s.GrantVote(1, "cand-b", 10, 5)
	assert.False(t, granted)

	// The same candidate asking again keeps its vote.
	granted, _ = s.GrantVote(1, "cand-a", 10, 5)
	assert.True(t, granted)

	// A new term resets the vote.
	granted, term = s.GrantVote(2, "cand-b", 10, 5)
	assert.True(t, granted)
	assert.Equal(t, uint64(2), term)
}

func TestClusterNodeState_VoteDeniedForShorterLog(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)
	granted, _ := s.GrantVote(1, "cand-a", 3, 7)
	assert.False(t, granted, "candidate behind our log must not win our vote")

	granted, _ = s.GrantVote(1, "cand-a", 7, 7)
	assert.True(t, granted, "equal log length is sufficient")
}

func TestClusterNodeState_VoteDeniedForStaleTerm(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)
	s.RecordHeartbeat(5, "leader")

	granted, term := s.GrantVote(3, "cand-a", 100, 0)
	assert.False(t, granted)
	assert.Equal(t, uint64(5), term)
}

func TestClusterNodeState_HeartbeatAcceptance(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)

	require.True(t, s.RecordHeartbeat(1, "leader1"))
	role, term, leader := s.Snapshot()
	assert.Equal(t, RoleFollower, role)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, "leader1", leader)

	// Stale heartbeat is rejected and changes nothing.
	assert.False(t, s.RecordHeartbeat(0, "old-leader"))
	_, _, leader = s.Snapshot()
	assert.Equal(t, "leader1", leader)

	// Higher-term heartbeat switches leaders.
	require.True(t, s.RecordHeartbeat(3, "leader2"))
	_, term, leader = s.Snapshot()
	assert.Equal(t, uint64(3), term)
	assert.Equal(t, "leader2", leader)
}

func TestClusterNodeState_PrimaryStepsDownOnHigherTermHeartbeat(t *testing.T) {
	s := NewClusterNodeState("node1", RolePrimary)
	assert.Equal(t, "node1", s.LeaderID())

	require.True(t, s.RecordHeartbeat(1, "node2"))
	role, _, leader := s.Snapshot()
	assert.Equal(t, RoleFollower, role)
	assert.Equal(t, "node2", leader)
}

func TestClusterNodeState_ElectionLifecycle(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)

	term := s.BecomeCandidate()
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, RoleCandidate, s.Role())

	// Having voted for itself, it refuses other candidates this term.
	granted, _ := s.GrantVote(term, "node2", 100, 0)
	assert.False(t, granted)

	require.True(t, s.BecomePrimary(term))
	assert.Equal(t, RolePrimary, s.Role())
	assert.Equal(t, "node1", s.LeaderID())
}

func TestClusterNodeState_StalePromotionRefused(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)
	term := s.BecomeCandidate()

	// A higher term arrives before the election result.
	require.True(t, s.StepDownIfStale(term + 1))
	assert.False(t, s.BecomePrimary(term), "old election win must not promote")
	assert.Equal(t, RoleFollower, s.Role())
}

func TestClusterNodeState_StepDownIfStale(t *testing.T) {
	s := NewClusterNodeState("node1", RolePrimary)

	assert.False(t, s.StepDownIfStale(0), "equal or lower term must not demote")
	assert.Equal(t, RolePrimary, s.Role())

	assert.True(t, s.StepDownIfStale(2))
	assert.Equal(t, RoleFollower, s.Role())
	assert.Equal(t, uint64(2), s.Term())
}

func TestClusterNodeState_GrantVoteDefersElectionTimer(t *testing.T) {
	s := NewClusterNodeState("node1", RoleFollower)
	s.mu.Lock()
	s.lastHeartbeat = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	granted, _ := s.GrantVote(1, "cand-a", 1, 0)
	require.True(t, granted)
	assert.Less(t, s.TimeSinceHeartbeat(), time.Minute)
}
