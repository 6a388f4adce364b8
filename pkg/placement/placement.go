// Package placement implements the SMS Placement Engine (spec component
// C6): scores and ranks candidate nodes for a request, and tracks per-node
// penalty state fed by invocation-outcome feedback.
package placement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/resources"
)

var (
	ErrEmptyRequestID = errors.New("placement: request_id must not be empty")
	ErrEmptyTaskID    = errors.New("placement: task_id must not be empty")
	ErrDecisionNotFound = errors.New("placement: decision not found")
)

// OutcomeClass classifies a reported invocation outcome.
type OutcomeClass string

const (
	Success     OutcomeClass = "success"
	Overloaded  OutcomeClass = "overloaded"
	Unavailable OutcomeClass = "unavailable"
	Timeout     OutcomeClass = "timeout"
	Internal    OutcomeClass = "internal"
	BadRequest  OutcomeClass = "bad_request"
	Rejected    OutcomeClass = "rejected"
	Unknown     OutcomeClass = "unknown"
)

// retryable reports whether class increments a node's penalty.
func retryable(class OutcomeClass) bool {
	switch class {
	case Overloaded, Unavailable, Timeout:
		return true
	default:
		return false
	}
}

var placementLog = log.WithComponent("placement")

// Decision records the candidates returned for one placement request.
type Decision struct {
	DecisionID string
	RequestID  string
	TaskID     string
	Candidates []string
	CreatedAt  time.Time
}

// Candidate is a scored node returned by Place.
type Candidate struct {
	NodeUUID string
	Score    float64
}

// Engine scores nodes and tracks per-node penalty state.
type Engine struct {
	registry  *noderegistry.Registry
	resources *resources.Service

	heartbeatTimeout time.Duration
	maxCandidates    int

	decisionsMu sync.RWMutex
	decisions   map[string]Decision

	penaltyMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	penalties map[string]*penaltyState

	opCount atomic.Uint64
}

type penaltyState struct {
	blockedUntil  time.Time
	lastFailureAt time.Time
}

// Config configures an Engine.
type Config struct {
	HeartbeatTimeout time.Duration
	MaxCandidates    int
}

func New(registry *noderegistry.Registry, resourceSvc *resources.Service, cfg Config) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	return &Engine{
		registry:         registry,
		resources:        resourceSvc,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		maxCandidates:    cfg.MaxCandidates,
		decisions:        make(map[string]Decision),
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		penalties:        make(map[string]*penaltyState),
	}
}

func (e *Engine) breakerFor(nodeUUID string) *gobreaker.CircuitBreaker {
	e.penaltyMu.Lock()
	defer e.penaltyMu.Unlock()
	cb, ok := e.breakers[nodeUUID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        nodeUUID,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     300 * time.Second,
			// Never trip: opening the breaker would clear Counts and
			// reject later Execute calls, losing the consecutive-failure
			// count the backoff and penalty score are derived from.
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return false
			},
		})
		e.breakers[nodeUUID] = cb
	}
	return cb
}

// consecutiveFailures returns a node's current consecutive-failure count as
// tracked by its gobreaker instance, 0 if the node has never failed.
func (e *Engine) consecutiveFailures(nodeUUID string) uint32 {
	e.penaltyMu.Lock()
	cb, ok := e.breakers[nodeUUID]
	e.penaltyMu.Unlock()
	if !ok {
		return 0
	}
	return cb.Counts().ConsecutiveFailures
}

func (e *Engine) blockedUntil(nodeUUID string) (time.Time, bool) {
	e.penaltyMu.Lock()
	defer e.penaltyMu.Unlock()
	p, ok := e.penalties[nodeUUID]
	if !ok {
		return time.Time{}, false
	}
	return p.blockedUntil, true
}

// penaltyScore is min(consecutive_failures, 10) when not blocked, else 10,
// per spec.md §4.6's scoring formula.
func (e *Engine) penaltyScore(nodeUUID string) float64 {
	if until, ok := e.blockedUntil(nodeUUID); ok && time.Now().Before(until) {
		return 10
	}
	cf := float64(e.consecutiveFailures(nodeUUID))
	if cf > 10 {
		cf = 10
	}
	return cf
}

// Place scores every Active, live, unblocked node and returns the top
// maxCandidates (Config default used if maxCandidates <= 0) along with a
// fresh decision_id.
func (e *Engine) Place(ctx context.Context, requestID, taskID string, maxCandidates int) (string, []Candidate, error) {
	if requestID == "" {
		return "", nil, ErrEmptyRequestID
	}
	if taskID == "" {
		return "", nil, ErrEmptyTaskID
	}
	if maxCandidates <= 0 {
		maxCandidates = e.maxCandidates
	}

	now := time.Now()
	nodes := e.registry.ListNodes(noderegistry.Active)

	type scored struct {
		uuid  string
		score float64
		order int
	}
	var eligible []scored
	for i, n := range nodes {
		if now.Sub(time.Unix(n.LastHeartbeat, 0)) > e.heartbeatTimeout {
			continue
		}
		if until, ok := e.blockedUntil(n.UUID); ok && now.Before(until) {
			continue
		}

		score := 100.0
		if info, err := e.resources.GetResource(n.UUID); err == nil {
			score -= 0.5 * info.CPUPct
			score -= 0.3 * info.MemPct
			score -= 0.1 * info.DiskPct
			load1 := info.Load1
			if load1 > 16 {
				load1 = 16
			}
			score -= (load1 / 16) * 10
		}
		score -= 5 * e.penaltyScore(n.UUID)

		eligible = append(eligible, scored{uuid: n.UUID, score: score, order: i})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].score > eligible[j].score
	})
	if len(eligible) > maxCandidates {
		eligible = eligible[:maxCandidates]
	}

	candidates := make([]Candidate, len(eligible))
	uuids := make([]string, len(eligible))
	for i, s := range eligible {
		candidates[i] = Candidate{NodeUUID: s.uuid, Score: s.score}
		uuids[i] = s.uuid
	}

	decisionID := uuid.NewString()
	e.decisionsMu.Lock()
	e.decisions[decisionID] = Decision{
		DecisionID: decisionID,
		RequestID:  requestID,
		TaskID:     taskID,
		Candidates: uuids,
		CreatedAt:  now,
	}
	e.decisionsMu.Unlock()

	metrics.PlacementDecisionsTotal.Inc()
	metrics.PlacementCandidatesReturned.Observe(float64(len(candidates)))
	e.maybePrune()

	return decisionID, candidates, nil
}

// ReportInvocationOutcome applies spec.md §4.6's feedback rules: Success
// clears the node's penalty; Overloaded/Unavailable/Timeout increment
// consecutive_failures and extend blocked_until with exponential backoff;
// the remaining classes are no-ops.
func (e *Engine) ReportInvocationOutcome(nodeUUID string, class OutcomeClass, errMsg string) {
	cb := e.breakerFor(nodeUUID)

	if class == Success {
		_, _ = cb.Execute(func() (any, error) { return nil, nil })
		e.penaltyMu.Lock()
		delete(e.penalties, nodeUUID)
		e.penaltyMu.Unlock()
		metrics.PlacementOutcomesTotal.WithLabelValues(string(class)).Inc()
		return
	}

	metrics.PlacementOutcomesTotal.WithLabelValues(string(class)).Inc()
	if !retryable(class) {
		return
	}

	_, _ = cb.Execute(func() (any, error) { return nil, fmt.Errorf("%s: %s", class, errMsg) })
	failures := cb.Counts().ConsecutiveFailures

	backoff := math.Min(float64(failures), 5)
	delay := time.Duration(10*math.Pow(2, backoff)) * time.Second
	if delay > 300*time.Second {
		delay = 300 * time.Second
	}

	now := time.Now()
	e.penaltyMu.Lock()
	e.penalties[nodeUUID] = &penaltyState{
		blockedUntil:  now.Add(delay),
		lastFailureAt: now,
	}
	e.penaltyMu.Unlock()

	placementLog.Warn().Str("node_uuid", nodeUUID).Str("class", string(class)).Dur("blocked_for", delay).Msg("node penalized")
	e.refreshBlockedGauge()
}

func (e *Engine) refreshBlockedGauge() {
	now := time.Now()
	e.penaltyMu.Lock()
	defer e.penaltyMu.Unlock()
	blocked := 0
	for _, p := range e.penalties {
		if now.Before(p.blockedUntil) {
			blocked++
		}
	}
	metrics.NodesBlockedGauge.Set(float64(blocked))
}

// GetDecision returns a previously recorded placement decision.
func (e *Engine) GetDecision(decisionID string) (Decision, error) {
	e.decisionsMu.RLock()
	defer e.decisionsMu.RUnlock()
	d, ok := e.decisions[decisionID]
	if !ok {
		return Decision{}, ErrDecisionNotFound
	}
	return d, nil
}

// maybePrune triggers PruneDecisions deterministically every 256 calls, or
// immediately when the table exceeds 10k entries, per spec.md §4.6.
func (e *Engine) maybePrune() {
	count := e.opCount.Add(1)
	e.decisionsMu.RLock()
	size := len(e.decisions)
	e.decisionsMu.RUnlock()

	if count%256 == 0 || size > 10000 {
		e.PruneDecisions(600 * time.Second)
		e.PrunePenalties(time.Hour)
	}
}

// PruneDecisions removes decisions older than ttl.
func (e *Engine) PruneDecisions(ttl time.Duration) int {
	now := time.Now()
	e.decisionsMu.Lock()
	defer e.decisionsMu.Unlock()

	removed := 0
	for id, d := range e.decisions {
		if now.Sub(d.CreatedAt) > ttl {
			delete(e.decisions, id)
			removed++
		}
	}
	return removed
}

// PrunePenalties drops unblocked penalty entries whose last failure is
// older than ttl; currently-blocked entries are always kept.
func (e *Engine) PrunePenalties(ttl time.Duration) int {
	now := time.Now()
	e.penaltyMu.Lock()
	defer e.penaltyMu.Unlock()

	removed := 0
	for nodeUUID, p := range e.penalties {
		if now.Before(p.blockedUntil) {
			continue
		}
		if now.Sub(p.lastFailureAt) > ttl {
			delete(e.penalties, nodeUUID)
			delete(e.breakers, nodeUUID)
			removed++
		}
	}
	return removed
}
