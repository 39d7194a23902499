package coordinator

import (
	"time"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// DefaultMaxRetries is the retry strategy's default retry budget.
const DefaultMaxRetries = 3

// DefaultBackoff is the retry strategy's default initial backoff.
const DefaultBackoff = 1 * time.Second

// NodeFailurePolicy holds the per-node-type (or global default) override
// of the failure strategy, keyed by domain.ErrKind. An empty map means
// every error kind uses FailureStrategy.Default.
type NodeFailurePolicy map[domain.ErrKind]eventbus.FailureStrategyKind

// defaultErrKindStrategy maps each error kind to the strategy that
// applies when no per-node override is configured.
var defaultErrKindStrategy = map[domain.ErrKind]eventbus.FailureStrategyKind{
	domain.ErrTransient:  eventbus.StrategyRetry,
	domain.ErrPermanent:  eventbus.StrategyAbort,
	domain.ErrResource:   eventbus.StrategyReplan,
	domain.ErrPolicy:     eventbus.StrategyAbort,
	domain.ErrValidation: eventbus.StrategyReplan,
}

// FailureStrategy is the Coordinator's owned failure policy: given a
// node's classified error and how many times it has already been
// retried, it decides retry/skip/abort/replan plus retry parameters.
// Default strategy is retry, applied when classification alone would
// not otherwise resolve to a more specific action and retries remain.
type FailureStrategy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64 // 0 or 1 disables exponential growth
	Overrides      NodeFailurePolicy
}

// NewFailureStrategy builds a FailureStrategy with the default retry
// budget and backoff.
func NewFailureStrategy() *FailureStrategy {
	return &FailureStrategy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultBackoff,
		BackoffFactor:  1,
	}
}

// Decide selects the effective strategy for one failure and, for retry,
// the backoff duration before the next attempt.
func (f *FailureStrategy) Decide(kind domain.ErrKind, attempt int) (strategy eventbus.FailureStrategyKind, backoff time.Duration) {
	strategy = defaultErrKindStrategy[kind]
	if strategy == "" {
		strategy = eventbus.StrategyRetry
	}
	if override, ok := f.Overrides[kind]; ok {
		strategy = override
	}
	if strategy == eventbus.StrategyRetry && attempt >= f.MaxRetries {
		// Retry budget exhausted: fall back to abort so the workflow does
		// not loop forever on a node that keeps failing transiently.
		strategy = eventbus.StrategyAbort
	}
	if strategy == eventbus.StrategyRetry {
		backoff = f.computeBackoff(attempt)
	}
	return strategy, backoff
}

func (f *FailureStrategy) computeBackoff(attempt int) time.Duration {
	if f.BackoffFactor <= 1 {
		return f.InitialBackoff
	}
	d := f.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * f.BackoffFactor)
	}
	return d
}
