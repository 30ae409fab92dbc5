package abdrc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Status is the outcome code carried by a BlockRetrievalResponse,
// grounded on network/protocol/replication.Status.
type Status int

const (
	Ok Status = iota
	BlocksNotFound
	InvalidRequest
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "OK"
	case BlocksNotFound:
		return "Blocks Not Found"
	case InvalidRequest:
		return "Invalid Request"
	default:
		return "Unknown Status"
	}
}

type (
	// BlockRetrievalRequest asks a peer for up to NumBlocks certified
	// blocks ending at BlockID - the mechanism behind the "missing ancestor"
	// recovery path (spec.md §4.6).
	BlockRetrievalRequest struct {
		_           struct{} `cbor:",toarray"`
		UUID        uuid.UUID
		RequesterID string
		BlockID     [32]byte
		NumBlocks   uint32
	}

	// BlockRetrievalResponse answers a BlockRetrievalRequest with the
	// requested chain, most recent block first.
	BlockRetrievalResponse struct {
		_       struct{} `cbor:",toarray"`
		UUID    uuid.UUID
		Status  Status
		Blocks  []*ProposalMsg
	}
)

var (
	ErrRetrievalRequestIsNil  = errors.New("block retrieval request is nil")
	ErrRetrievalResponseIsNil = errors.New("block retrieval response is nil")
)

func (r *BlockRetrievalRequest) IsValid() error {
	if r == nil {
		return ErrRetrievalRequestIsNil
	}
	if r.RequesterID == "" {
		return errors.New("block retrieval request is missing requester id")
	}
	if r.NumBlocks == 0 {
		return fmt.Errorf("block retrieval request for %d blocks is invalid", r.NumBlocks)
	}
	return nil
}

func (r *BlockRetrievalResponse) IsValid() error {
	if r == nil {
		return ErrRetrievalResponseIsNil
	}
	if r.Status == Ok && len(r.Blocks) == 0 {
		return errors.New("block retrieval response reports ok status with no blocks")
	}
	return nil
}
