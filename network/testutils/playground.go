// Package testutils provides an in-process network double for
// exercising the consensus core without sockets, grounded on the
// teacher's MockNet/NewMockNetwork pattern
// (internal/testutils/network/mock_network.go), generalized from its
// protocol-keyed Send/SentMessages bookkeeping to the small
// network.Net surface this core depends on.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/types"
)

// Playground wires a fixed set of peers together in memory: every
// broadcast from one peer is delivered to every other peer's inbound
// channels, and unicast recovery requests are dispatched synchronously
// to the target peer's registered handlers.
type Playground struct {
	mu    sync.Mutex
	peers map[types.Author]*PeerNet
}

// NewPlayground creates an empty Playground; call Join for each
// participating validator before starting the test scenario.
func NewPlayground() *Playground {
	return &Playground{peers: make(map[types.Author]*PeerNet)}
}

// Join registers author as a participant and returns its Net handle.
func (p *Playground) Join(author types.Author) *PeerNet {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := &PeerNet{
		self:      author,
		pg:        p,
		proposals: make(chan *abdrc.ProposalMsg, 64),
		votes:     make(chan *abdrc.VoteMsg, 64),
		timeouts:  make(chan *abdrc.TimeoutMsg, 64),
	}
	p.peers[author] = n
	return n
}

// Partition drops every message sent by or to author until Heal is
// called - used to exercise the "peer falls behind" recovery scenarios.
func (p *Playground) Partition(author types.Author) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.peers[author]; ok {
		n.partitioned = true
	}
}

func (p *Playground) Heal(author types.Author) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.peers[author]; ok {
		n.partitioned = false
	}
}

// PeerNet is one validator's view of the Playground, implementing
// network.Net.
type PeerNet struct {
	self        types.Author
	pg          *Playground
	partitioned bool

	proposals chan *abdrc.ProposalMsg
	votes     chan *abdrc.VoteMsg
	timeouts  chan *abdrc.TimeoutMsg

	HandleRetrieval func(*abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error)
	HandleState     func(*abdrc.StateRequestMsg) (*abdrc.StateMsg, error)
}

func (n *PeerNet) broadcast(deliver func(*PeerNet)) error {
	n.pg.mu.Lock()
	defer n.pg.mu.Unlock()
	if n.partitioned {
		return nil
	}
	for author, peerNet := range n.pg.peers {
		if author == n.self || peerNet.partitioned {
			continue
		}
		deliver(peerNet)
	}
	return nil
}

func (n *PeerNet) BroadcastProposal(_ context.Context, msg *abdrc.ProposalMsg) error {
	return n.broadcast(func(p *PeerNet) { p.proposals <- msg })
}

func (n *PeerNet) BroadcastVote(_ context.Context, msg *abdrc.VoteMsg) error {
	return n.broadcast(func(p *PeerNet) { p.votes <- msg })
}

func (n *PeerNet) BroadcastTimeout(_ context.Context, msg *abdrc.TimeoutMsg) error {
	return n.broadcast(func(p *PeerNet) { p.timeouts <- msg })
}

func (n *PeerNet) Proposals() <-chan *abdrc.ProposalMsg { return n.proposals }
func (n *PeerNet) Votes() <-chan *abdrc.VoteMsg         { return n.votes }
func (n *PeerNet) Timeouts() <-chan *abdrc.TimeoutMsg   { return n.timeouts }

func (n *PeerNet) peerByID(to peer.ID) (*PeerNet, error) {
	n.pg.mu.Lock()
	defer n.pg.mu.Unlock()
	target, ok := n.pg.peers[types.Author(to.String())]
	if !ok || target.partitioned || n.partitioned {
		return nil, fmt.Errorf("peer %s unreachable", to)
	}
	return target, nil
}

func (n *PeerNet) SendBlockRetrievalRequest(_ context.Context, to peer.ID, req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error) {
	target, err := n.peerByID(to)
	if err != nil {
		return nil, err
	}
	if target.HandleRetrieval == nil {
		return nil, errors.New("peer has no retrieval handler registered")
	}
	return target.HandleRetrieval(req)
}

func (n *PeerNet) SendStateRequest(_ context.Context, to peer.ID, req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error) {
	target, err := n.peerByID(to)
	if err != nil {
		return nil, err
	}
	if target.HandleState == nil {
		return nil, errors.New("peer has no state sync handler registered")
	}
	return target.HandleState(req)
}

func (n *PeerNet) Close() error { return nil }
