package cursor

import (
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
)

const transitionHistory = 10

// Revert describes one rollback applied to a deployment's store.
type Revert struct {
	To    *domain.BlockPtr // nil when every indexed block was unwound
	Depth uint64
	At    time.Time
}

// Metrics summarizes a deployment's recent progress.
type Metrics struct {
	BlocksPerSecond  float64
	AverageBlockTime time.Duration
	LastBlock        uint64
	Reverts          int
	RevertedBlocks   uint64
	LastRevert       *Revert
	StateHistory     []Transition
}

type commit struct {
	number uint64
	at     time.Time
}

// MetricsCollector tracks commits over a sliding window of blocks. Reverted
// heights leave the window, so throughput only counts blocks that are still
// part of the indexed chain.
type MetricsCollector struct {
	window      int
	commits     []commit
	transitions []Transition
	reverts     int
	reverted    uint64
	lastRevert  *Revert
}

// RecordBlock records the commit of a block.
func (mc *MetricsCollector) RecordBlock(number uint64, at time.Time) {
	if len(mc.commits) == mc.window {
		copy(mc.commits, mc.commits[1:])
		mc.commits = mc.commits[:len(mc.commits)-1]
	}
	mc.commits = append(mc.commits, commit{number: number, at: at})
}

// RecordRevert records a rollback to target and drops the unwound heights.
func (mc *MetricsCollector) RecordRevert(target *domain.BlockPtr, depth uint64, at time.Time) {
	keep := mc.commits[:0]
	for _, c := range mc.commits {
		if target != nil && c.number <= target.Number {
			keep = append(keep, c)
		}
	}
	mc.commits = keep

	mc.reverts++
	mc.reverted += depth
	r := &Revert{Depth: depth, At: at}
	if target != nil {
		to := *target
		r.To = &to
	}
	mc.lastRevert = r
}

// RecordTransition records a state change, keeping the most recent ones.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	if len(mc.transitions) == transitionHistory {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions = mc.transitions[:len(mc.transitions)-1]
	}
	mc.transitions = append(mc.transitions, t)
}

// GetMetrics returns a snapshot of the collected figures.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		Reverts:        mc.reverts,
		RevertedBlocks: mc.reverted,
		StateHistory:   append([]Transition(nil), mc.transitions...),
	}
	if mc.lastRevert != nil {
		r := *mc.lastRevert
		m.LastRevert = &r
	}

	n := len(mc.commits)
	if n == 0 {
		return m
	}
	m.LastBlock = mc.commits[n-1].number
	if n < 2 {
		return m
	}
	span := mc.commits[n-1].at.Sub(mc.commits[0].at)
	if span > 0 {
		blocks := float64(n - 1)
		m.BlocksPerSecond = blocks / span.Seconds()
		m.AverageBlockTime = time.Duration(float64(span) / blocks)
	}
	return m
}
