// Package network adapts libp2p-gossipsub topics and direct streams to
// the typed Network interface the consensus event processor depends
// on. Grounded on the libp2p-pubsub usage found in the pack's
// ControlPlane/internal/p2p/gossip.go (GossipManager's join/subscribe/
// publish split), generalized from a single consensus topic to one
// topic each for proposals, votes and timeouts; there is no sync-info
// topic.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/types"
)

const (
	TopicProposal = "/bftcore/proposal/v1"
	TopicVote     = "/bftcore/vote/v1"
	TopicTimeout  = "/bftcore/timeout/v1"

	retrievalProtocolID protocol.ID = "/bftcore/retrieval/v1"
	stateSyncProtocolID protocol.ID = "/bftcore/statesync/v1"

	// MaxMessageSize bounds any single gossip message this node
	// publishes; received messages are not size-checked here.
	MaxMessageSize = 4 << 20
)

// Net is the collaborator the event processor uses to exchange
// consensus traffic (spec.md §6's Network interface): broadcast for
// proposals/votes/timeouts, unicast for the point-to-point recovery
// protocols.
type Net interface {
	BroadcastProposal(ctx context.Context, msg *abdrc.ProposalMsg) error
	BroadcastVote(ctx context.Context, msg *abdrc.VoteMsg) error
	BroadcastTimeout(ctx context.Context, msg *abdrc.TimeoutMsg) error

	SendBlockRetrievalRequest(ctx context.Context, to peer.ID, req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error)
	SendStateRequest(ctx context.Context, to peer.ID, req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error)

	Proposals() <-chan *abdrc.ProposalMsg
	Votes() <-chan *abdrc.VoteMsg
	Timeouts() <-chan *abdrc.TimeoutMsg

	Close() error
}

// GossipNetwork is the libp2p-gossipsub-backed Net implementation.
type GossipNetwork struct {
	host host.Host
	ps   *pubsub.PubSub
	log  *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	proposals chan *abdrc.ProposalMsg
	votes     chan *abdrc.VoteMsg
	timeouts  chan *abdrc.TimeoutMsg

	handleRetrieval func(*abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error)
	handleState     func(*abdrc.StateRequestMsg) (*abdrc.StateMsg, error)
}

// New creates a GossipNetwork bound to h, joining and subscribing to
// every consensus topic. handleRetrieval and handleState answer peer
// recovery requests on the unicast protocols.
func New(ctx context.Context, h host.Host, log *slog.Logger,
	handleRetrieval func(*abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error),
	handleState func(*abdrc.StateRequestMsg) (*abdrc.StateMsg, error),
) (*GossipNetwork, error) {
	if log == nil {
		log = slog.Default()
	}
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		return nil, fmt.Errorf("creating gossipsub: %w", err)
	}
	n := &GossipNetwork{
		host:            h,
		ps:              ps,
		log:             log,
		topics:          make(map[string]*pubsub.Topic),
		proposals:       make(chan *abdrc.ProposalMsg, 32),
		votes:           make(chan *abdrc.VoteMsg, 32),
		timeouts:        make(chan *abdrc.TimeoutMsg, 32),
		handleRetrieval: handleRetrieval,
		handleState:     handleState,
	}
	if err := n.joinAndListen(ctx, TopicProposal, func(data []byte) error {
		msg := &abdrc.ProposalMsg{}
		if err := cbor.Unmarshal(data, msg); err != nil {
			return err
		}
		n.proposals <- msg
		return nil
	}); err != nil {
		return nil, err
	}
	if err := n.joinAndListen(ctx, TopicVote, func(data []byte) error {
		msg := &abdrc.VoteMsg{}
		if err := cbor.Unmarshal(data, msg); err != nil {
			return err
		}
		n.votes <- msg
		return nil
	}); err != nil {
		return nil, err
	}
	if err := n.joinAndListen(ctx, TopicTimeout, func(data []byte) error {
		msg := &types.TimeoutMsg{}
		if err := cbor.Unmarshal(data, msg); err != nil {
			return err
		}
		n.timeouts <- msg
		return nil
	}); err != nil {
		return nil, err
	}

	h.SetStreamHandler(retrievalProtocolID, n.serveRetrieval)
	h.SetStreamHandler(stateSyncProtocolID, n.serveStateSync)

	return n, nil
}

func (n *GossipNetwork) joinAndListen(ctx context.Context, topicName string, handle func([]byte) error) error {
	topic, err := n.ps.Join(topicName)
	if err != nil {
		return fmt.Errorf("joining topic %s: %w", topicName, err)
	}
	n.mu.Lock()
	n.topics[topicName] = topic
	n.mu.Unlock()
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", topicName, err)
	}
	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				n.log.Debug("topic subscription closed", slog.String("topic", topicName), slog.Any("err", err))
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			if err := handle(msg.Data); err != nil {
				n.log.Warn("discarding malformed message", slog.String("topic", topicName), slog.Any("err", err))
			}
		}
	}()
	return nil
}

func (n *GossipNetwork) publish(ctx context.Context, topicName string, v any) error {
	buf, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for topic %s: %w", topicName, err)
	}
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("message for topic %s exceeds max size %d", topicName, MaxMessageSize)
	}
	n.mu.Lock()
	topic, ok := n.topics[topicName]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}
	return topic.Publish(ctx, buf)
}

func (n *GossipNetwork) BroadcastProposal(ctx context.Context, msg *abdrc.ProposalMsg) error {
	return n.publish(ctx, TopicProposal, msg)
}

func (n *GossipNetwork) BroadcastVote(ctx context.Context, msg *abdrc.VoteMsg) error {
	return n.publish(ctx, TopicVote, msg)
}

func (n *GossipNetwork) BroadcastTimeout(ctx context.Context, msg *abdrc.TimeoutMsg) error {
	return n.publish(ctx, TopicTimeout, msg)
}

func (n *GossipNetwork) Proposals() <-chan *abdrc.ProposalMsg { return n.proposals }
func (n *GossipNetwork) Votes() <-chan *abdrc.VoteMsg         { return n.votes }
func (n *GossipNetwork) Timeouts() <-chan *abdrc.TimeoutMsg   { return n.timeouts }

func (n *GossipNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, topic := range n.topics {
		_ = topic.Close()
		delete(n.topics, name)
	}
	return n.host.Close()
}

func (n *GossipNetwork) serveRetrieval(s network.Stream) {
	defer s.Close()
	req := &abdrc.BlockRetrievalRequest{}
	if err := cbor.NewDecoder(s).Decode(req); err != nil {
		n.log.Warn("decoding block retrieval request", slog.Any("err", err))
		return
	}
	resp, err := n.handleRetrieval(req)
	if err != nil {
		n.log.Warn("handling block retrieval request", slog.Any("err", err))
		return
	}
	if err := cbor.NewEncoder(s).Encode(resp); err != nil {
		n.log.Warn("encoding block retrieval response", slog.Any("err", err))
	}
}

func (n *GossipNetwork) serveStateSync(s network.Stream) {
	defer s.Close()
	req := &abdrc.StateRequestMsg{}
	if err := cbor.NewDecoder(s).Decode(req); err != nil {
		n.log.Warn("decoding state request", slog.Any("err", err))
		return
	}
	resp, err := n.handleState(req)
	if err != nil {
		n.log.Warn("handling state request", slog.Any("err", err))
		return
	}
	if err := cbor.NewEncoder(s).Encode(resp); err != nil {
		n.log.Warn("encoding state response", slog.Any("err", err))
	}
}

func (n *GossipNetwork) SendBlockRetrievalRequest(ctx context.Context, to peer.ID, req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error) {
	s, err := n.host.NewStream(ctx, to, retrievalProtocolID)
	if err != nil {
		return nil, fmt.Errorf("opening retrieval stream to %s: %w", to, err)
	}
	defer s.Close()
	if err := cbor.NewEncoder(s).Encode(req); err != nil {
		return nil, fmt.Errorf("sending retrieval request: %w", err)
	}
	resp := &abdrc.BlockRetrievalResponse{}
	if err := cbor.NewDecoder(s).Decode(resp); err != nil {
		return nil, fmt.Errorf("decoding retrieval response: %w", err)
	}
	return resp, nil
}

func (n *GossipNetwork) SendStateRequest(ctx context.Context, to peer.ID, req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error) {
	s, err := n.host.NewStream(ctx, to, stateSyncProtocolID)
	if err != nil {
		return nil, fmt.Errorf("opening state sync stream to %s: %w", to, err)
	}
	defer s.Close()
	if err := cbor.NewEncoder(s).Encode(req); err != nil {
		return nil, fmt.Errorf("sending state request: %w", err)
	}
	resp := &abdrc.StateMsg{}
	if err := cbor.NewDecoder(s).Decode(resp); err != nil {
		return nil, fmt.Errorf("decoding state response: %w", err)
	}
	return resp, nil
}
