// Package dispatch assigns relay jobs to worker peers. The scheduler is pure
// in-memory state behind one mutex; Schedule, Acknowledge and Fail never
// block on I/O.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hypertuna/observability"
)

// Rejection reason slugs.
const (
	ReasonNoPeers        = "no-peers"
	ReasonNoCandidate    = "no-candidate"
	ReasonPeersSaturated = "peers-saturated"
)

// Result statuses.
const (
	StatusAssigned = "assigned"
	StatusRejected = "rejected"
)

// Config carries the scheduler knobs. Zero values take the defaults.
type Config struct {
	MaxConcurrentJobsPerPeer int
	MaxFailureRate           float64
	ReassignOnLagBlocks      float64
	CircuitBreakerThreshold  int
	CircuitBreakerDuration   time.Duration
	LatencyWeight            float64
	InFlightWeight           float64
	FailureWeight            float64
}

// DefaultConfig returns the stock scheduler tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobsPerPeer: 3,
		MaxFailureRate:           0.4,
		ReassignOnLagBlocks:      500,
		CircuitBreakerThreshold:  5,
		CircuitBreakerDuration:   60 * time.Second,
		LatencyWeight:            1,
		InFlightWeight:           25,
		FailureWeight:            500,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentJobsPerPeer <= 0 {
		c.MaxConcurrentJobsPerPeer = def.MaxConcurrentJobsPerPeer
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = def.MaxFailureRate
	}
	if c.ReassignOnLagBlocks <= 0 {
		c.ReassignOnLagBlocks = def.ReassignOnLagBlocks
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if c.CircuitBreakerDuration <= 0 {
		c.CircuitBreakerDuration = def.CircuitBreakerDuration
	}
	if c.LatencyWeight <= 0 {
		c.LatencyWeight = def.LatencyWeight
	}
	if c.InFlightWeight <= 0 {
		c.InFlightWeight = def.InFlightWeight
	}
	if c.FailureWeight <= 0 {
		c.FailureWeight = def.FailureWeight
	}
	return c
}

// PeerMetrics is the last-known heartbeat sample for a peer. Unknown
// worker-side metrics land in Extra and are informational only.
type PeerMetrics struct {
	LatencyMs   float64            `json:"latencyMs"`
	HyperbeeLag float64            `json:"hyperbeeLag"`
	Extra       map[string]float64 `json:"extra,omitempty"`
}

// Job names the relay work to place and the candidate peers able to serve it.
type Job struct {
	JobID    string
	RelayKey string
	Peers    []string
}

// Result is the outcome of a Schedule call.
type Result struct {
	Status       string `json:"status"`
	JobID        string `json:"jobId"`
	AssignedPeer string `json:"assignedPeer,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type peerState struct {
	metrics             PeerMetrics
	inFlight            int
	failureRate         float64
	consecutiveFailures int
	circuitBrokenUntil  time.Time
	lastAssignedAt      time.Time
}

// PeerSnapshot is the externally visible view of one peer's scheduler state.
type PeerSnapshot struct {
	PeerID              string      `json:"peerId"`
	Metrics             PeerMetrics `json:"metrics"`
	InFlight            int         `json:"inFlight"`
	FailureRate         float64     `json:"failureRate"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	CircuitOpen         bool        `json:"circuitOpen"`
	LastAssignedAt      time.Time   `json:"lastAssignedAt,omitempty"`
}

// Scheduler places jobs on worker peers by composite score and runs a
// per-peer circuit breaker.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
	jobs  map[string]string // jobID -> peerID
}

// NewScheduler builds a scheduler with the supplied tuning.
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "dispatcher")),
		nowFn:  time.Now,
		peers:  make(map[string]*peerState),
		jobs:   make(map[string]string),
	}
}

// Schedule picks the best candidate peer for the job. Peers with an open
// circuit or a full in-flight slot set are skipped; among the rest the lowest
// composite score wins, ties broken by oldest last assignment.
func (s *Scheduler) Schedule(job Job) Result {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	m := observability.DispatchMetrics()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(job.Peers) == 0 {
		m.Rejections.WithLabelValues(ReasonNoPeers).Inc()
		return Result{Status: StatusRejected, JobID: job.JobID, Reason: ReasonNoPeers}
	}

	now := s.nowFn()
	known := 0
	var best *peerState
	var bestID string
	var bestScore float64
	for _, peerID := range job.Peers {
		state, ok := s.peers[peerID]
		if !ok {
			continue
		}
		known++
		if state.circuitBrokenUntil.After(now) {
			continue
		}
		if state.inFlight >= s.cfg.MaxConcurrentJobsPerPeer {
			continue
		}
		score := s.scoreLocked(state)
		if best == nil || score < bestScore ||
			(score == bestScore && state.lastAssignedAt.Before(best.lastAssignedAt)) {
			best, bestID, bestScore = state, peerID, score
		}
	}

	if known == 0 {
		m.Rejections.WithLabelValues(ReasonNoCandidate).Inc()
		return Result{Status: StatusRejected, JobID: job.JobID, Reason: ReasonNoCandidate}
	}
	if best == nil {
		m.Rejections.WithLabelValues(ReasonPeersSaturated).Inc()
		return Result{Status: StatusRejected, JobID: job.JobID, Reason: ReasonPeersSaturated}
	}

	best.inFlight++
	best.lastAssignedAt = now
	s.jobs[job.JobID] = bestID
	m.Assignments.WithLabelValues(job.RelayKey).Inc()
	m.InFlightJobs.Inc()
	m.AssignmentScore.Observe(bestScore)
	return Result{Status: StatusAssigned, JobID: job.JobID, AssignedPeer: bestID}
}

func (s *Scheduler) scoreLocked(state *peerState) float64 {
	lagPenalty := 0.0
	if state.metrics.HyperbeeLag > s.cfg.ReassignOnLagBlocks {
		lagPenalty = state.metrics.HyperbeeLag
	}
	return state.metrics.LatencyMs*s.cfg.LatencyWeight +
		float64(state.inFlight)*s.cfg.InFlightWeight +
		state.failureRate*s.cfg.FailureWeight +
		lagPenalty
}

// Acknowledge records a successful job completion and decays the peer's
// failure rate toward zero.
func (s *Scheduler) Acknowledge(jobID, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peerID, ok := s.jobs[jobID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	observability.DispatchMetrics().InFlightJobs.Dec()
	state, ok := s.peers[peerID]
	if !ok {
		return
	}
	if state.inFlight > 0 {
		state.inFlight--
	}
	state.consecutiveFailures = 0
	state.failureRate *= 0.7
	s.logger.Debug("job acknowledged",
		slog.String("peer_id", peerID),
		slog.String("outcome", outcome))
}

// Fail records a failed job. Enough consecutive failures open the peer's
// circuit for the configured duration.
func (s *Scheduler) Fail(jobID, reason string) {
	m := observability.DispatchMetrics()

	s.mu.Lock()
	defer s.mu.Unlock()
	peerID, ok := s.jobs[jobID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	m.InFlightJobs.Dec()
	m.Failures.WithLabelValues(reason).Inc()
	state, ok := s.peers[peerID]
	if !ok {
		return
	}
	if state.inFlight > 0 {
		state.inFlight--
	}
	state.consecutiveFailures++
	state.failureRate = state.failureRate*0.7 + 0.3
	if state.consecutiveFailures >= s.cfg.CircuitBreakerThreshold {
		state.circuitBrokenUntil = s.nowFn().Add(s.cfg.CircuitBreakerDuration)
		s.logger.Warn("peer circuit opened",
			slog.String("peer_id", peerID),
			slog.Int("consecutive_failures", state.consecutiveFailures),
			slog.String("reason", reason))
	}
	s.updateCircuitGaugeLocked(m)
}

// ReportPeerMetrics overwrites the peer's last-known metrics, registering the
// peer on first sight. A peer whose decayed failure rate has dropped below
// the threshold gets its open circuit restored.
func (s *Scheduler) ReportPeerMetrics(peerID string, metrics PeerMetrics) {
	m := observability.DispatchMetrics()

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	if !ok {
		state = &peerState{}
		s.peers[peerID] = state
	}
	state.metrics = metrics
	if state.circuitBrokenUntil.After(s.nowFn()) && state.failureRate < s.cfg.MaxFailureRate {
		state.circuitBrokenUntil = time.Time{}
		state.consecutiveFailures = 0
		s.logger.Info("peer circuit restored", slog.String("peer_id", peerID))
	}
	s.updateCircuitGaugeLocked(m)
}

// RemovePeer forgets a peer, typically after registry eviction. In-flight
// jobs keep their slots until acknowledged or failed.
func (s *Scheduler) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	s.updateCircuitGaugeLocked(observability.DispatchMetrics())
}

// Snapshot returns the scheduler state for diagnostics.
func (s *Scheduler) Snapshot() []PeerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	out := make([]PeerSnapshot, 0, len(s.peers))
	for peerID, state := range s.peers {
		out = append(out, PeerSnapshot{
			PeerID:              peerID,
			Metrics:             state.metrics,
			InFlight:            state.inFlight,
			FailureRate:         state.failureRate,
			ConsecutiveFailures: state.consecutiveFailures,
			CircuitOpen:         state.circuitBrokenUntil.After(now),
			LastAssignedAt:      state.lastAssignedAt,
		})
	}
	return out
}

func (s *Scheduler) updateCircuitGaugeLocked(m *observability.DispatchMetricsSet) {
	now := s.nowFn()
	open := 0
	for _, state := range s.peers {
		if state.circuitBrokenUntil.After(now) {
			open++
		}
	}
	m.OpenCircuits.Set(float64(open))
}
