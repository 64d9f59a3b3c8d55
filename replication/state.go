// Package replication implements the cluster side of the store: role and
// term tracking, heartbeat-driven leader election, and in-order shipping and
// application of committed entries between the primary and its secondaries.
package replication

import (
	"sync"
	"time"
)

// Role is a node's current cluster role.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RolePrimary:
		return "primary"
	default:
		return "unknown"
	}
}

// ClusterNodeState holds the node's view of the cluster: role, term, who it
// voted for in the current term, the last known leader, and when it last
// heard from that leader. All transitions go through its methods so the
// invariants (one vote per term, step down on higher term) live in one place.
type ClusterNodeState struct {
	mu sync.Mutex

	nodeID string

	role     Role
	term     uint64
	votedFor string

	leaderID      string
	lastHeartbeat time.Time
}

// NewClusterNodeState creates state for a node starting in the given role.
func NewClusterNodeState(nodeID string, initialRole Role) *ClusterNodeState {
	s := &ClusterNodeState{
		nodeID:        nodeID,
		role:          initialRole,
		lastHeartbeat: time.Now(),
	}
	if initialRole == RolePrimary {
		s.leaderID = nodeID
	}
	return s
}

// Snapshot returns a consistent view of (role, term, leader).
func (s *ClusterNodeState) Snapshot() (Role, uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role, s.term, s.leaderID
}

// Role returns the current role.
func (s *ClusterNodeState) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Term returns the current term.
func (s *ClusterNodeState) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// LeaderID returns the last known leader, which may be empty.
func (s *ClusterNodeState) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// RecordHeartbeat processes a heartbeat from leaderID at the given term.
// A heartbeat at the current term or higher is accepted: the node becomes
// (or stays) a follower of that leader and its election timer resets. A
// stale-term heartbeat is rejected.
func (s *ClusterNodeState) RecordHeartbeat(term uint64, leaderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term < s.term {
		return false
	}
	if term > s.term {
		s.term = term
		s.votedFor = ""
	}
	s.role = RoleFollower
	s.leaderID = leaderID
	s.lastHeartbeat = time.Now()
	return true
}

// GrantVote decides a vote request. The vote is granted when the request's
// term is current or newer, the node has not voted for a different candidate
// this term, and the candidate's log is at least as long as ours. It returns
// the decision and the (possibly advanced) local term.
func (s *ClusterNodeState) GrantVote(term uint64, candidateID string, candidateLastSeq, localLastSeq uint64) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term < s.term {
		return false, s.term
	}
	if term > s.term {
		s.term = term
		s.votedFor = ""
		s.role = RoleFollower
	}
	if s.votedFor != "" && s.votedFor != candidateID {
		return false, s.term
	}
	if candidateLastSeq < localLastSeq {
		return false, s.term
	}
	s.votedFor = candidateID
	// Granting a vote also defers our own election.
	s.lastHeartbeat = time.Now()
	return true, s.term
}

// BecomeCandidate advances the term, votes for self, and returns the new
// term.
func (s *ClusterNodeState) BecomeCandidate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term++
	s.role = RoleCandidate
	s.votedFor = s.nodeID
	s.leaderID = ""
	return s.term
}

// BecomePrimary promotes the node if it is still a candidate in the term it
// won. Returns false when the election result arrived stale.
func (s *ClusterNodeState) BecomePrimary(term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleCandidate || s.term != term {
		return false
	}
	s.role = RolePrimary
	s.leaderID = s.nodeID
	return true
}

// StepDownIfStale demotes the node to follower when a strictly higher term
// has been observed. Returns true if a step-down happened.
func (s *ClusterNodeState) StepDownIfStale(observedTerm uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observedTerm <= s.term {
		return false
	}
	s.term = observedTerm
	s.role = RoleFollower
	s.votedFor = ""
	s.leaderID = ""
	return true
}

// TimeSinceHeartbeat reports how long ago the node last heard from a valid
// leader (or granted a vote).
func (s *ClusterNodeState) TimeSinceHeartbeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}
