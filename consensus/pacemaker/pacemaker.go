// Package pacemaker drives round progression: it owns the per-round
// timer, doubles the timeout on repeated failures and reports round
// advances to the consensus event processor, grounded on the round
// synchronizer of the teacher's pipelined consensus design (no direct
// teacher file - the teacher's shard consensus piggybacks round timing
// on partition T2 timeouts; this is built in its idiom for the
// pacemaker spec.md names explicitly).
package pacemaker

import (
	"sync"
	"time"

	"github.com/summachain/bftcore/types"
)

// Status is delivered on the pacemaker's channel whenever the local
// round clock fires, telling the event processor it is time to send a
// TimeoutMsg for the current round.
type Status struct {
	Round   uint64
	Attempt int
}

// Pacemaker tracks the current round and the timer driving it. A round
// advances only on AdvanceRoundQC or AdvanceRoundTC - never by the
// timer alone, matching the pipelined design where only a certificate
// proves a round concluded.
type Pacemaker struct {
	mu             sync.Mutex
	currentRound   uint64
	currentEpoch   uint64
	attempt        int
	initialTimeout time.Duration
	maxTimeout     time.Duration
	timer          *time.Timer
	statusCh       chan Status
}

// New creates a Pacemaker at the genesis round, with exponential
// backoff bounded by maxTimeout; Start sets the round it runs.
func New(initialTimeout, maxTimeout time.Duration) *Pacemaker {
	return &Pacemaker{
		currentRound:   types.GenesisRound,
		initialTimeout: initialTimeout,
		maxTimeout:     maxTimeout,
		statusCh:       make(chan Status, 1),
	}
}

// Start arms the timer for the current round and must be called once
// after construction or after a restart sets the recovered round.
func (p *Pacemaker) Start(round, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentRound = round
	p.currentEpoch = epoch
	p.attempt = 0
	p.resetTimerLocked()
}

func (p *Pacemaker) resetTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	timeout := p.backoffLocked()
	round, attempt := p.currentRound, p.attempt
	p.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		same := p.currentRound == round
		p.mu.Unlock()
		if !same {
			return
		}
		select {
		case p.statusCh <- Status{Round: round, Attempt: attempt}:
		default:
		}
	})
}

func (p *Pacemaker) backoffLocked() time.Duration {
	timeout := p.initialTimeout
	for i := 0; i < p.attempt; i++ {
		timeout *= 2
		if timeout >= p.maxTimeout {
			return p.maxTimeout
		}
	}
	return timeout
}

// StatusChan is fed a Status every time the current round's timer
// fires without the round having advanced.
func (p *Pacemaker) StatusChan() <-chan Status {
	return p.statusCh
}

// CurrentRound returns the round currently being driven.
func (p *Pacemaker) CurrentRound() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRound
}

// AdvanceRoundQC moves the pacemaker to round+1 when qcRound is at
// least the current round, resetting the backoff counter since a QC
// proves the network is making progress.
func (p *Pacemaker) AdvanceRoundQC(qcRound, epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qcRound < p.currentRound {
		return false
	}
	p.currentRound = qcRound + 1
	p.currentEpoch = epoch
	p.attempt = 0
	p.resetTimerLocked()
	return true
}

// AdvanceRoundTC moves the pacemaker past a round that ended in a
// timeout certificate, without resetting the backoff: the network is
// still struggling to make progress.
func (p *Pacemaker) AdvanceRoundTC(tcRound, epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tcRound < p.currentRound {
		return false
	}
	p.currentRound = tcRound + 1
	p.currentEpoch = epoch
	p.attempt++
	p.resetTimerLocked()
	return true
}

// RegisterTimeout bumps the retry counter for the current round after
// the local timer fires, lengthening the next timeout via backoff
// without moving the round - used while waiting for a TC to form.
func (p *Pacemaker) RegisterTimeout(round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if round != p.currentRound {
		return
	}
	p.attempt++
	p.resetTimerLocked()
}

// Stop releases the round timer; callers must call this on shutdown.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}
