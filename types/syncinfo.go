package types

// SyncInfo is the passive catch-up bundle of spec.md §3 (highest QC,
// highest commit QC, highest TC). No message in this module carries
// it, and the consensus manager does not read it.
type SyncInfo struct {
	_            struct{} `cbor:",toarray"`
	HighQc       *QuorumCert
	HighCommitQc *QuorumCert
	HighTc       *TimeoutCert
}

// HighestQcRound returns the round of the highest QC carried by this
// bundle, or 0 if none is present.
func (s *SyncInfo) HighestQcRound() uint64 {
	if s == nil {
		return 0
	}
	return s.HighQc.GetRound()
}

func (s *SyncInfo) HighestTcRound() uint64 {
	if s == nil {
		return 0
	}
	return s.HighTc.GetRound()
}
