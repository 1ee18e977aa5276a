package peer

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNoLeader is returned when no node currently holds leadership.
var ErrNoLeader = errors.New("no leader elected")

// Peer is one node of the cluster as seen by the elector.
type Peer struct {
	Node      string    `json:"node"`
	IsLeader  bool      `json:"is_leader"`
	StartedAt time.Time `json:"started_at"`
}

// Elector answers leadership questions. Only the leader fires schedule ticks;
// every node may run queued work.
type Elector interface {
	Node() string
	IsLeader() bool
	LeaderNode(ctx context.Context) (string, error)
	Peers(ctx context.Context) ([]Peer, error)
}

// Static is a fixed topology: either a single node that leads, or a node that
// follows a known leader.
type Static struct {
	node      string
	leader    string
	startedAt time.Time
}

// NewStatic returns a single node that is always the leader.
func NewStatic(node string) *Static {
	return &Static{node: node, leader: node, startedAt: time.Now()}
}

// NewFollower returns a node that never leads and reports leader as the leader.
func NewFollower(node, leader string) *Static {
	return &Static{node: node, leader: leader, startedAt: time.Now()}
}

// Node returns this node's identity.
func (s *Static) Node() string { return s.node }

// IsLeader reports whether this node is the leader.
func (s *Static) IsLeader() bool { return s.node == s.leader }

// LeaderNode returns the configured leader.
func (s *Static) LeaderNode(ctx context.Context) (string, error) {
	if s.leader == "" {
		return "", ErrNoLeader
	}
	return s.leader, nil
}

// Peers lists this node and, for a follower, the leader.
func (s *Static) Peers(ctx context.Context) ([]Peer, error) {
	peers := []Peer{{Node: s.node, IsLeader: s.IsLeader(), StartedAt: s.startedAt}}
	if !s.IsLeader() && s.leader != "" {
		peers = append(peers, Peer{Node: s.leader, IsLeader: true})
	}
	sortPeers(peers)
	return peers, nil
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Node < peers[j].Node })
}
