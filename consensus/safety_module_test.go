package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/types"
)

type mockSafetyStorage struct {
	getHighestVotedRound func() (uint64, error)
	setHighestVotedRound func(uint64) error
	getHighestQcRound    func() (uint64, error)
	setHighestQcRound    func(qcRound, votedRound uint64) error
	getPreferredRound    func() (uint64, error)
	setPreferredRound    func(uint64) error
}

func (m mockSafetyStorage) GetHighestVotedRound() (uint64, error) { return m.getHighestVotedRound() }

func (m mockSafetyStorage) SetHighestVotedRound(round uint64) error {
	return m.setHighestVotedRound(round)
}

func (m mockSafetyStorage) GetHighestQcRound() (uint64, error) { return m.getHighestQcRound() }

func (m mockSafetyStorage) SetHighestQcRound(qcRound, votedRound uint64) error {
	return m.setHighestQcRound(qcRound, votedRound)
}

func (m mockSafetyStorage) GetPreferredRound() (uint64, error) {
	if m.getPreferredRound == nil {
		return 0, nil
	}
	return m.getPreferredRound()
}

func (m mockSafetyStorage) SetPreferredRound(round uint64) error {
	if m.setPreferredRound == nil {
		return nil
	}
	return m.setPreferredRound(round)
}

func dummyVoteInfo(round uint64, hash []byte) *types.RoundInfo {
	return &types.RoundInfo{RoundNumber: round, CurrentRootHash: hash}
}

func initSafetyModule(t *testing.T, id types.Author, db SafetyStorage) *SafetyModule {
	t.Helper()
	signer, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	safety, err := NewSafetyModule(types.NetworkID(1), id, signer, db)
	require.NoError(t, err)
	require.NotNil(t, safety)
	require.NotNil(t, safety.verifier)
	return safety
}

func TestIsConsecutive(t *testing.T) {
	const currentRound = 4
	require.False(t, isConsecutive(4, currentRound))
	require.True(t, isConsecutive(5, currentRound))
	require.False(t, isConsecutive(6, currentRound))
}

func TestSafetyModule_isSafeToVote(t *testing.T) {
	db := mockSafetyStorage{
		getHighestVotedRound: func() (uint64, error) { return 3, nil },
	}
	tests := []struct {
		name        string
		block       *types.BlockData
		lastRoundTC *types.TimeoutCert
		wantErrStr  string
	}{
		{
			name:       "nil",
			block:      nil,
			wantErrStr: "block is nil",
		},
		{
			name:       "invalid block, qc is nil",
			block:      &types.BlockData{Round: 4, Qc: nil},
			wantErrStr: "block round 4 does not extend from block qc round 0",
		},
		{
			name:       "invalid block, round info is nil",
			block:      &types.BlockData{Round: 4, Qc: &types.QuorumCert{}},
			wantErrStr: "block round 4 does not extend from block qc round 0",
		},
		{
			name:  "ok",
			block: &types.BlockData{Round: 4, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
		},
		{
			name:       "already voted for round 3",
			block:      &types.BlockData{Round: 3, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
			wantErrStr: "already voted for round 3, last voted round 3",
		},
		{
			name:       "round does not follow qc round",
			block:      &types.BlockData{Round: 5, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
			wantErrStr: "block round 5 does not extend from block qc round 3",
		},
		{
			name:  "safe to extend from TC, block follows TC round and block QC matches TC hqc",
			block: &types.BlockData{Round: 5, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
			lastRoundTC: &types.TimeoutCert{Timeout: &types.Timeout{
				Round:  4,
				HighQc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)},
			}},
		},
		{
			name:  "not safe, block does not extend TC round",
			block: &types.BlockData{Round: 5, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
			lastRoundTC: &types.TimeoutCert{Timeout: &types.Timeout{
				Round:  3,
				HighQc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)},
			}},
			wantErrStr: "block round 5 does not extend timeout certificate round 3",
		},
		{
			name:  "not safe, block follows TC but TC hqc round exceeds block qc round",
			block: &types.BlockData{Round: 5, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil)}},
			lastRoundTC: &types.TimeoutCert{Timeout: &types.Timeout{
				Round:  4,
				HighQc: &types.QuorumCert{VoteInfo: dummyVoteInfo(4, nil)},
			}},
			wantErrStr: "block qc round 3 is smaller than timeout certificate highest qc round 4",
		},
		{
			name:  "safe to extend from TC",
			block: &types.BlockData{Round: 4, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(2, nil)}},
			lastRoundTC: &types.TimeoutCert{Timeout: &types.Timeout{
				Round:  3,
				HighQc: &types.QuorumCert{VoteInfo: dummyVoteInfo(2, nil)},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SafetyModule{peerID: "test", storage: db}
			err := s.isSafeToVote(tt.block, tt.lastRoundTC)
			if tt.wantErrStr != "" {
				require.ErrorContains(t, err, tt.wantErrStr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSafetyModule_isSafeToVote_preferredRound(t *testing.T) {
	db := mockSafetyStorage{
		getHighestVotedRound: func() (uint64, error) { return 0, nil },
		getPreferredRound:    func() (uint64, error) { return 5, nil },
	}
	s := &SafetyModule{peerID: "test", storage: db}

	block := &types.BlockData{Round: 6, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(4, nil)}}
	err := s.isSafeToVote(block, nil)
	require.ErrorContains(t, err, "block qc round 4 is behind preferred round 5")

	block = &types.BlockData{Round: 6, Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(5, nil)}}
	require.NoError(t, s.isSafeToVote(block, nil))
}

func TestSafetyModule_bumpPreferredRound(t *testing.T) {
	var preferred uint64
	db := mockSafetyStorage{
		getPreferredRound: func() (uint64, error) { return preferred, nil },
		setPreferredRound: func(r uint64) error { preferred = r; return nil },
	}
	s := &SafetyModule{storage: db}

	qc := &types.QuorumCert{VoteInfo: &types.RoundInfo{RoundNumber: 4, ParentRoundNumber: 3}}
	require.NoError(t, s.bumpPreferredRound(qc))
	require.EqualValues(t, 3, preferred)

	// A qc with a lower parent round must never move preferred_round
	// backwards.
	lower := &types.QuorumCert{VoteInfo: &types.RoundInfo{RoundNumber: 3, ParentRoundNumber: 1}}
	require.NoError(t, s.bumpPreferredRound(lower))
	require.EqualValues(t, 3, preferred)

	higher := &types.QuorumCert{VoteInfo: &types.RoundInfo{RoundNumber: 6, ParentRoundNumber: 5}}
	require.NoError(t, s.bumpPreferredRound(higher))
	require.EqualValues(t, 5, preferred)
}

func TestSafetyModule_MakeVote(t *testing.T) {
	var highQCR, highVR uint64
	db := mockSafetyStorage{
		getHighestVotedRound: func() (uint64, error) { return highVR, nil },
		setHighestQcRound: func(qcRound, votedRound uint64) error {
			highQCR, highVR = qcRound, votedRound
			return nil
		},
	}
	s := initSafetyModule(t, "node1", db)
	blockData := &types.BlockData{
		Author:    "test",
		Round:     4,
		Epoch:     0,
		Timestamp: 10000,
		Payload:   &types.Payload{},
	}
	vote, err := s.MakeVote(blockData, []byte{1, 2, 3}, nil, nil)
	require.ErrorContains(t, err, "block is missing quorum certificate")
	require.Nil(t, vote)
	require.Zero(t, highQCR)
	require.Zero(t, highVR)

	blockData.Qc = &types.QuorumCert{VoteInfo: dummyVoteInfo(3, []byte{0, 1, 2, 3})}
	vote, err = s.MakeVote(blockData, []byte{1, 2, 3}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, vote)
	require.EqualValues(t, "node1", vote.Author)
	require.Greater(t, len(vote.Signature), 1)
	require.NotNil(t, vote.LedgerCommitInfo)
	require.Equal(t, blockData.Qc.GetRound(), highQCR)
	require.Equal(t, blockData.Round, highVR)

	vote, err = s.MakeVote(blockData, []byte{1, 2, 3}, nil, nil)
	require.ErrorContains(t, err, "not safe to vote")
	require.Nil(t, vote)
}

func TestSafetyModule_Sign(t *testing.T) {
	s := initSafetyModule(t, "node1", mockSafetyStorage{})
	block := &types.BlockData{Author: "test", Round: 4}
	_, err := s.Sign(block)
	require.ErrorContains(t, err, "missing payload")

	block.Payload = &types.Payload{}
	_, err = s.Sign(block)
	require.ErrorContains(t, err, "missing quorum certificate")

	block.Qc = &types.QuorumCert{VoteInfo: dummyVoteInfo(3, []byte{0, 1, 2, 3}), Signatures: map[types.Author][]byte{"1": {1, 2}}}
	sig, err := s.Sign(block)
	require.NoError(t, err)
	require.Greater(t, len(sig), 1)
}

func TestSafetyModule_SignTimeout(t *testing.T) {
	hQcRound := uint64(2)
	hVotedRound := uint64(3)
	var newHVRound uint64
	db := mockSafetyStorage{
		getHighestVotedRound: func() (uint64, error) { return hVotedRound, nil },
		getHighestQcRound:    func() (uint64, error) { return hQcRound, nil },
		setHighestVotedRound: func(u uint64) error { newHVRound = u; return nil },
	}
	s := initSafetyModule(t, "test", db)

	qc := &types.QuorumCert{VoteInfo: dummyVoteInfo(3, nil), Signatures: map[types.Author][]byte{"1": {1, 2}}}
	tmoMsg := &types.TimeoutMsg{Timeout: &types.Timeout{Epoch: 0, Round: 3, HighQc: qc}}
	err := s.SignTimeout(tmoMsg, nil)
	require.ErrorContains(t, err, "timeout round (3) must be greater than high QC round (3)")
	require.Nil(t, tmoMsg.Signature)
	require.Zero(t, newHVRound)

	tmoMsg.Timeout.Round = 4
	require.NoError(t, s.SignTimeout(tmoMsg, nil))
	require.NotNil(t, tmoMsg.Signature)
	require.Equal(t, tmoMsg.Timeout.Round, newHVRound)
}

func TestSafetyModule_constructCommitInfo(t *testing.T) {
	tests := []struct {
		name       string
		block      *types.BlockData
		voteHash   []byte
		wantRound  uint64
		wantHash   []byte
		wantPrevH  []byte
	}{
		{
			name: "to be committed",
			block: &types.BlockData{Round: 3, Qc: &types.QuorumCert{
				VoteInfo: &types.RoundInfo{RoundNumber: 2, ParentRoundNumber: 1, CurrentRootHash: []byte{0, 1, 2, 3}},
			}},
			voteHash:  []byte{2, 2, 2, 2},
			wantRound: 2,
			wantHash:  []byte{0, 1, 2, 3},
			wantPrevH: []byte{2, 2, 2, 2},
		},
		{
			name: "not to be committed",
			block: &types.BlockData{Round: 3, Qc: &types.QuorumCert{
				VoteInfo: &types.RoundInfo{RoundNumber: 1, ParentRoundNumber: 0, CurrentRootHash: []byte{0, 1, 2, 3}},
			}},
			voteHash:  []byte{2, 2, 2, 2},
			wantRound: 0,
			wantHash:  nil,
			wantPrevH: []byte{2, 2, 2, 2},
		},
	}
	s := &SafetyModule{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.constructCommitInfo(tt.block, tt.voteHash)
			require.Equal(t, tt.wantRound, got.Round)
			require.Equal(t, tt.wantHash, got.Hash)
			require.Equal(t, tt.wantPrevH, got.PreviousHash)
		})
	}
}

func TestSafetyModule_isSafeToTimeout(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := &SafetyModule{storage: mockSafetyStorage{
			getHighestVotedRound: func() (uint64, error) { return 2, nil },
			getHighestQcRound:    func() (uint64, error) { return 1, nil },
		}}
		tc := &types.TimeoutCert{Timeout: &types.Timeout{Round: 2, HighQc: &types.QuorumCert{VoteInfo: dummyVoteInfo(1, nil)}}}
		require.NoError(t, s.isSafeToTimeout(2, 1, tc))
	})

	t.Run("not safe, qc round behind highest qc seen", func(t *testing.T) {
		s := &SafetyModule{storage: mockSafetyStorage{
			getHighestVotedRound: func() (uint64, error) { return 2, nil },
			getHighestQcRound:    func() (uint64, error) { return 2, nil },
		}}
		require.ErrorContains(t, s.isSafeToTimeout(2, 1, nil), "qc round 1 is smaller than highest qc round 2 seen")
	})

	t.Run("ok, already voted for round", func(t *testing.T) {
		s := &SafetyModule{storage: mockSafetyStorage{
			getHighestVotedRound: func() (uint64, error) { return 2, nil },
			getHighestQcRound:    func() (uint64, error) { return 1, nil },
		}}
		require.NoError(t, s.isSafeToTimeout(2, 1, nil))
	})

	t.Run("not safe, round is in the past", func(t *testing.T) {
		s := &SafetyModule{storage: mockSafetyStorage{
			getHighestVotedRound: func() (uint64, error) { return 2, nil },
			getHighestQcRound:    func() (uint64, error) { return 1, nil },
		}}
		require.ErrorContains(t, s.isSafeToTimeout(1, 1, nil), "timeout round 1 is in the past, already signed vote for round 2")
	})

	t.Run("not safe, round does not follow qc or tc", func(t *testing.T) {
		s := &SafetyModule{storage: mockSafetyStorage{
			getHighestVotedRound: func() (uint64, error) { return 2, nil },
			getHighestQcRound:    func() (uint64, error) { return 2, nil },
		}}
		require.ErrorContains(t, s.isSafeToTimeout(4, 2, nil), "round 4 does not follow last qc round 2 or tc round 0")
	})
}
