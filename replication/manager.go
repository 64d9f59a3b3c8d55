package replication

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuskv/api/wire"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/hooks"
)

const (
	// recentLogCapacity bounds the in-memory buffer of committed entries the
	// primary keeps for retransmission. A secondary further behind than this
	// only catches up through new traffic once it is back within the window.
	recentLogCapacity = 4096

	shipperMaxBackoff = 5 * time.Second
)

// Peer is one remote cluster member.
type Peer struct {
	ID   string
	Addr string
}

// Options configures a replication manager.
type Options struct {
	NodeID string
	Peers  []Peer

	// Bootstrap is the role the node assumes at startup before any election.
	Bootstrap Role

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	DialTimeout        time.Duration
	CallTimeout        time.Duration

	Engine      engine.StorageEngineInterface
	HookManager hooks.HookManager
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 500 * time.Millisecond
	}
	if o.ElectionTimeoutMin <= 0 {
		o.ElectionTimeoutMin = 4 * o.HeartbeatInterval
	}
	if o.ElectionTimeoutMax <= o.ElectionTimeoutMin {
		o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 1 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager runs the node's cluster participation: heartbeats and shipping
// when primary, election timing and in-order application when secondary.
type Manager struct {
	opts    Options
	state   *ClusterNodeState
	applier *Applier
	trans   *transport
	logger  *slog.Logger

	recent   *recentLog
	shippers []*peerShipper

	// electionTimeout is re-rolled after every timer use so split votes
	// desynchronize.
	timeoutMu       sync.Mutex
	electionTimeout time.Duration

	shutdownChan chan struct{}
	wg           sync.WaitGroup
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewManager creates a replication manager. Call Start to begin heartbeat
// and election processing.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:         opts,
		state:        NewClusterNodeState(opts.NodeID, opts.Bootstrap),
		applier:      NewApplier(opts.Engine, opts.Logger),
		trans:        newTransport(opts.DialTimeout, opts.CallTimeout),
		logger:       opts.Logger.With("component", "ReplicationManager", "node_id", opts.NodeID),
		recent:       newRecentLog(recentLogCapacity),
		shutdownChan: make(chan struct{}),
	}
	m.rollElectionTimeout()
	for _, p := range opts.Peers {
		m.shippers = append(m.shippers, newPeerShipper(m, p))
	}
	return m
}

// Start registers the commit listener and launches the role loop and one
// shipper per peer.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.opts.HookManager != nil {
			m.opts.HookManager.Register(hooks.EventPostCommit, hooks.ListenerFunc(m.onPostCommit))
		}
		if m.state.Role() == RolePrimary {
			next := m.opts.Engine.LastSeqNum() + 1
			for _, s := range m.shippers {
				s.resetAfterPromotion(next)
			}
		}
		m.wg.Add(1)
		go m.run()
		for _, s := range m.shippers {
			m.wg.Add(1)
			go s.run()
		}
		m.logger.Info("Replication manager started",
			"role", m.state.Role().String(), "peers", len(m.opts.Peers))
	})
}

// Stop terminates all loops and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdownChan)
	})
	m.wg.Wait()
}

// IsPrimary reports whether this node currently accepts client mutations.
func (m *Manager) IsPrimary() bool {
	return m.state.Role() == RolePrimary
}

// LeaderID returns the last known leader for redirect hints.
func (m *Manager) LeaderID() string {
	return m.state.LeaderID()
}

// State exposes the node state for inspection.
func (m *Manager) State() *ClusterNodeState {
	return m.state
}

// onPostCommit runs under the engine write lock, so entries enter the recent
// log in commit order. Shipping itself happens on the shipper goroutines.
func (m *Manager) onPostCommit(_ context.Context, event hooks.HookEvent) {
	payload, ok := event.Payload().(hooks.PostCommitPayload)
	if !ok {
		return
	}
	if m.state.Role() != RolePrimary {
		return
	}
	m.recent.Append(payload.Entry)
	for _, s := range m.shippers {
		s.notifyCommit()
	}
}

// HandleHeartbeat processes a heartbeat received from a peer.
func (m *Manager) HandleHeartbeat(req wire.Request) wire.Response {
	wasPrimary := m.state.Role() == RolePrimary
	if !m.state.RecordHeartbeat(req.Term, req.LeaderID) {
		return wire.Response{Status: wire.StatusError, Error: "stale term", Term: m.state.Term()}
	}
	if wasPrimary && req.LeaderID != m.opts.NodeID {
		m.logger.Warn("Stepping down: observed another leader",
			"leader_id", req.LeaderID, "term", req.Term)
	}
	return wire.Response{Status: wire.StatusOK, Term: m.state.Term()}
}

// HandleVoteRequest processes a vote request from a candidate.
func (m *Manager) HandleVoteRequest(req wire.Request) wire.Response {
	granted, term := m.state.GrantVote(req.Term, req.CandidateID, req.LastSeq, m.opts.Engine.LastSeqNum())
	if granted {
		m.logger.Info("Granted vote", "candidate_id", req.CandidateID, "term", term)
	}
	return wire.Response{
		Status:  wire.StatusOK,
		Granted: granted,
		Term:    term,
		VoterID: m.opts.NodeID,
	}
}

// HandleReplicate processes a replicated entry from the primary. A valid
// replicate also counts as hearing from the leader.
func (m *Manager) HandleReplicate(ctx context.Context, req wire.Request) wire.Response {
	if req.Entry == nil {
		return wire.ErrorResponse("replicate message missing entry")
	}
	if !m.state.RecordHeartbeat(req.Term, req.LeaderID) {
		return wire.Response{Status: wire.StatusError, Error: "stale term", Term: m.state.Term()}
	}
	entry, err := req.Entry.ToWALEntry()
	if err != nil {
		return wire.ErrorResponse(err.Error())
	}
	nextSeq, err := m.applier.Apply(ctx, entry)
	if err != nil {
		m.logger.Error("Failed to apply replicated entry", "seq", entry.SeqNum, "error", err)
		return wire.Response{Status: wire.StatusError, Error: err.Error(), NextSeq: nextSeq}
	}
	return wire.Response{Status: wire.StatusOK, NextSeq: nextSeq, Term: m.state.Term()}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ticker.C:
		}

		switch m.state.Role() {
		case RolePrimary:
			m.broadcastHeartbeats()
		case RoleFollower, RoleCandidate:
			if len(m.opts.Peers) == 0 {
				continue
			}
			if m.state.TimeSinceHeartbeat() >= m.currentElectionTimeout() {
				m.runElection()
			}
		}
	}
}

func (m *Manager) broadcastHeartbeats() {
	role, term, _ := m.state.Snapshot()
	if role != RolePrimary {
		return
	}
	req := wire.Request{Type: wire.MsgHeartbeat, Term: term, LeaderID: m.opts.NodeID}

	var g errgroup.Group
	for _, peer := range m.opts.Peers {
		peer := peer
		g.Go(func() error {
			resp, err := m.trans.call(peer.Addr, req)
			if err != nil {
				m.logger.Debug("Heartbeat failed", "peer", peer.ID, "error", err)
				return nil
			}
			if m.state.StepDownIfStale(resp.Term) {
				m.logger.Warn("Stepping down: peer reported higher term",
					"peer", peer.ID, "term", resp.Term)
			}
			return nil
		})
	}
	g.Wait()
}

// runElection becomes candidate, solicits votes in parallel, and promotes on
// a majority of all configured nodes (self included).
func (m *Manager) runElection() {
	term := m.state.BecomeCandidate()
	lastSeq := m.opts.Engine.LastSeqNum()
	m.logger.Info("Starting election", "term", term, "last_seq", lastSeq)

	req := wire.Request{
		Type:        wire.MsgVoteRequest,
		Term:        term,
		CandidateID: m.opts.NodeID,
		LastSeq:     lastSeq,
	}

	var mu sync.Mutex
	votes := 1 // own vote

	var g errgroup.Group
	for _, peer := range m.opts.Peers {
		peer := peer
		g.Go(func() error {
			resp, err := m.trans.call(peer.Addr, req)
			if err != nil {
				m.logger.Debug("Vote request failed", "peer", peer.ID, "error", err)
				return nil
			}
			if m.state.StepDownIfStale(resp.Term) {
				return nil
			}
			if resp.Granted && resp.Term == term {
				mu.Lock()
				votes++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	clusterSize := len(m.opts.Peers) + 1
	quorum := (clusterSize + 2) / 2
	if votes >= quorum && m.state.BecomePrimary(term) {
		m.logger.Info("Won election", "term", term, "votes", votes, "quorum", quorum)
		for _, s := range m.shippers {
			s.resetAfterPromotion(lastSeq + 1)
		}
		m.broadcastHeartbeats()
		return
	}
	m.logger.Info("Election not won", "term", term, "votes", votes, "quorum", quorum)
	// Re-roll the timeout so repeated split votes drift apart.
	m.rollElectionTimeout()
}

func (m *Manager) currentElectionTimeout() time.Duration {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()
	return m.electionTimeout
}

func (m *Manager) rollElectionTimeout() {
	span := m.opts.ElectionTimeoutMax - m.opts.ElectionTimeoutMin
	d := m.opts.ElectionTimeoutMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	m.timeoutMu.Lock()
	m.electionTimeout = d
	m.timeoutMu.Unlock()
}

// recentLog is a bounded seq-indexed buffer of recently committed entries
// the primary retransmits from.
type recentLog struct {
	mu      sync.Mutex
	entries map[uint64]core.WALEntry
	minSeq  uint64
	maxSeq  uint64
	cap     int
}

func newRecentLog(capacity int) *recentLog {
	return &recentLog{entries: make(map[uint64]core.WALEntry), cap: capacity}
}

func (l *recentLog) Append(entry core.WALEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minSeq == 0 {
		l.minSeq = entry.SeqNum
	}
	l.entries[entry.SeqNum] = entry
	if entry.SeqNum > l.maxSeq {
		l.maxSeq = entry.SeqNum
	}
	for len(l.entries) > l.cap {
		delete(l.entries, l.minSeq)
		l.minSeq++
	}
}

func (l *recentLog) Get(seq uint64) (core.WALEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	return entry, ok
}

func (l *recentLog) MaxSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeq
}

// peerShipper pushes committed entries to one secondary, strictly in
// sequence order, with capped exponential backoff on failure. Shipping never
// blocks the commit path; the hook only signals the channel.
type peerShipper struct {
	m    *Manager
	peer Peer

	notify chan struct{}

	mu      sync.Mutex
	nextSeq uint64
}

func newPeerShipper(m *Manager, peer Peer) *peerShipper {
	return &peerShipper{m: m, peer: peer, notify: make(chan struct{}, 1)}
}

func (s *peerShipper) notifyCommit() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// resetAfterPromotion points the shipper just past the primary's log end.
// A secondary that is behind announces its real position in its first ack
// and the shipper rewinds from the recent log.
func (s *peerShipper) resetAfterPromotion(nextSeq uint64) {
	s.mu.Lock()
	s.nextSeq = nextSeq
	s.mu.Unlock()
}

func (s *peerShipper) run() {
	defer s.m.wg.Done()
	backoff := s.m.opts.HeartbeatInterval
	logger := s.m.logger.With("peer", s.peer.ID)

	for {
		select {
		case <-s.m.shutdownChan:
			return
		case <-s.notify:
		case <-time.After(backoff):
		}

		if s.m.state.Role() != RolePrimary {
			continue
		}
		if ok := s.shipPending(logger); ok {
			backoff = s.m.opts.HeartbeatInterval
		} else {
			backoff *= 2
			if backoff > shipperMaxBackoff {
				backoff = shipperMaxBackoff
			}
		}
	}
}

// shipPending ships entries from nextSeq through the recent log's end.
// Returns false when the peer is unreachable so the caller backs off.
func (s *peerShipper) shipPending(logger *slog.Logger) bool {
	for {
		select {
		case <-s.m.shutdownChan:
			return true
		default:
		}

		s.mu.Lock()
		seq := s.nextSeq
		s.mu.Unlock()
		if seq == 0 || seq > s.m.recent.MaxSeq() {
			return true
		}

		entry, ok := s.m.recent.Get(seq)
		if !ok {
			// Past the retention window. The peer stays behind until traffic
			// re-enters its range; operators see it here.
			logger.Warn("Peer behind retention window", "next_seq", seq)
			return true
		}

		_, term, _ := s.m.state.Snapshot()
		resp, err := s.m.trans.call(s.peer.Addr, wire.Request{
			Type:     wire.MsgReplicate,
			Seq:      entry.SeqNum,
			Term:     term,
			LeaderID: s.m.opts.NodeID,
			Entry:    wire.NewEntryMessage(entry),
		})
		if err != nil {
			logger.Debug("Replicate failed", "seq", seq, "error", err)
			return false
		}
		if s.m.state.StepDownIfStale(resp.Term) {
			logger.Warn("Stepping down: follower reported higher term", "term", resp.Term)
			return true
		}
		if resp.Status != wire.StatusOK {
			logger.Warn("Follower rejected replicate", "seq", seq, "error", resp.Error)
			return false
		}

		s.mu.Lock()
		if resp.NextSeq > 0 {
			s.nextSeq = resp.NextSeq
		} else {
			s.nextSeq = seq + 1
		}
		s.mu.Unlock()
	}
}
