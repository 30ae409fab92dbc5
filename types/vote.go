package types

import "errors"

type (
	// Vote is cast by a replica for a proposed block. LedgerCommitInfo is
	// always non-nil; it references a round (Round != 0) only when the
	// voted block's QC certifies the round directly before it.
	Vote struct {
		_                struct{} `cbor:",toarray"`
		Author           Author
		BlockID          BlockID
		Round            uint64
		ParentRound      uint64
		RootHash         []byte
		// VoteInfoHash is the RoundInfo digest this vote's Signature
		// covers (alongside LedgerCommitInfo), carried on the wire so a
		// verifier can check the signature without reconstructing the
		// exact RoundInfo the voter built it from.
		VoteInfoHash     []byte
		LedgerCommitInfo *LedgerInfo
		Signature        []byte
	}

	// Timeout is the (unsigned) payload of a TimeoutMsg: round plus the
	// sender's highest known QC.
	Timeout struct {
		_      struct{} `cbor:",toarray"`
		Round  uint64
		Epoch  uint64
		HighQc *QuorumCert
	}

	// TimeoutVote is one validator's signature inside a TimeoutCert.
	TimeoutVote struct {
		_         struct{} `cbor:",toarray"`
		HqcRound  uint64
		Signature []byte
	}

	// TimeoutCert proves that a round ended without a QC: a quorum of
	// validators signed a Timeout for that round.
	TimeoutCert struct {
		_          struct{} `cbor:",toarray"`
		Timeout    *Timeout
		Signatures map[Author]*TimeoutVote
	}

	// TimeoutMsg is broadcast by the pacemaker when a round's deadline
	// fires. It optionally piggybacks the sender's vote for the current
	// round and the sender's last-known TC, letting receivers assemble a
	// QC or TC purely from timeout traffic (spec.md §4.3, §8 scenario S6).
	TimeoutMsg struct {
		_         struct{} `cbor:",toarray"`
		Timeout   *Timeout
		Author    Author
		Signature []byte
		LastTC    *TimeoutCert
		Vote      *Vote
	}
)

var ErrTimeoutIsNil = errors.New("timeout is nil")

func (t *Timeout) GetRound() uint64 {
	if t == nil {
		return 0
	}
	return t.Round
}

func (t *Timeout) GetHqcRound() uint64 {
	if t == nil || t.HighQc == nil {
		return 0
	}
	return t.HighQc.GetRound()
}

func (tm *TimeoutMsg) GetRound() uint64 {
	if tm == nil || tm.Timeout == nil {
		return 0
	}
	return tm.Timeout.Round
}

func (tc *TimeoutCert) GetRound() uint64 {
	if tc == nil || tc.Timeout == nil {
		return 0
	}
	return tc.Timeout.Round
}

func (tc *TimeoutCert) GetHqcRound() uint64 {
	if tc == nil {
		return 0
	}
	return tc.Timeout.GetHqcRound()
}

// BytesForTimeoutVote returns the canonical bytes a validator signs when
// casting a timeout vote: round, epoch, high-QC round and author.
func BytesForTimeoutVote(round, epoch, hqcRound uint64, author Author) []byte {
	b := make([]byte, 0, 8+8+8+len(author))
	b = append(b, RoundBytes(round)...)
	b = append(b, RoundBytes(epoch)...)
	b = append(b, RoundBytes(hqcRound)...)
	b = append(b, []byte(author)...)
	return b
}
