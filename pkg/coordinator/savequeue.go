package coordinator

import (
	"container/heap"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
	"github.com/nexoraai/orchestrator/pkg/ratelimit"
)

// globalRateKey is the fixed key under which the save queue's
// process-wide limit is tracked in the global Limiter, which otherwise
// only ever sees one key.
const globalRateKey = "global"

// SaveExecutor is the external collaborator that actually performs an
// approved persistence operation. Never invoked for a rejected
// request.
type SaveExecutor interface {
	Execute(ctx context.Context, op domain.SaveOperation, path, content string) (bytesWritten int, err error)
}

func priorityRank(p domain.SavePriority) int {
	switch p {
	case domain.PriorityCritical:
		return 3
	case domain.PriorityHigh:
		return 2
	case domain.PriorityNormal:
		return 1
	default:
		return 0
	}
}

// queueItem is one entry of the save-request min-heap, ordered so Pop
// returns the highest priority, earliest-arrived request first.
type queueItem struct {
	req   domain.SaveRequest
	index int
}

type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	pi, pj := priorityRank(h[i].req.Priority), priorityRank(h[j].req.Priority)
	if pi != pj {
		return pi > pj // higher priority first
	}
	return h[i].req.ArrivalTime.Before(h[j].req.ArrivalTime)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// RateLimit configures one fixed-window request-count limit, applied
// both globally and per session. A key's count resets once its window has
// elapsed; the window does not slide with each request.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// newCountLimiter builds a fixed-window limiter enforcing a single
// request-count rule.
func newCountLimiter(limit RateLimit) *ratelimit.Limiter {
	if limit.Max <= 0 {
		limit = RateLimit{Max: 1 << 30, Window: time.Minute}
	}
	return ratelimit.New(limit.Max, limit.Window)
}

// SaveQueue is the Coordinator's priority-queued save-request processor:
// a single consumer goroutine pops by (priority, arrival_time), applies
// the configured rule set, enforces per-session and global rate limits,
// and dispatches to the SaveExecutor on approval. A single-threaded
// cooperative scheduling model: exactly one goroutine ever touches the
// executor.
type SaveQueue struct {
	mu       sync.Mutex
	heap     priorityHeap
	notify   chan struct{}
	cfgMu    sync.RWMutex
	cfg      RuleConfig
	executor SaveExecutor
	bus      *eventbus.Bus
	logger   *slog.Logger

	globalLimiter  *ratelimit.Limiter
	sessionLimiter *ratelimit.Limiter

	auditMu sync.Mutex
	audit   []AuditEntry
	now     func() time.Time
}

// AuditEntry records one save-request decision for audit
// trail ("every decision is audited").
type AuditEntry struct {
	RequestID string
	SessionID string
	Action    domain.RuleAction
	RuleID    string
	Timestamp time.Time
}

// NewSaveQueue builds a SaveQueue. When zero-valued, the global rate limit
// defaults to 100 requests per minute and the per-session limit to 20.
func NewSaveQueue(cfg RuleConfig, executor SaveExecutor, bus *eventbus.Bus, global RateLimit, perSession RateLimit, logger *slog.Logger) *SaveQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if global.Max <= 0 {
		global = RateLimit{Max: 100, Window: time.Minute}
	}
	if perSession.Max <= 0 {
		perSession = RateLimit{Max: 20, Window: time.Minute}
	}
	cfg.SetDefaults()
	q := &SaveQueue{
		notify:         make(chan struct{}, 1),
		cfg:            cfg,
		executor:       executor,
		bus:            bus,
		logger:         logger,
		globalLimiter:  newCountLimiter(global),
		sessionLimiter: newCountLimiter(perSession),
		now:            time.Now,
	}
	return q
}

// UpdateRules swaps the active rule configuration, taking effect for the
// next request pulled off the queue. Safe to call from the config loader's
// watch goroutine while the consumer goroutine is running. Defaults
// (including the built-in path blacklist) are re-applied, so a reload can
// never strip them.
func (q *SaveQueue) UpdateRules(cfg RuleConfig) {
	cfg.SetDefaults()
	q.cfgMu.Lock()
	q.cfg = cfg
	q.cfgMu.Unlock()
}

// Enqueue adds req to the priority heap and publishes SaveRequestReceived.
func (q *SaveQueue) Enqueue(req domain.SaveRequest) {
	q.mu.Lock()
	heap.Push(&q.heap, &queueItem{req: req})
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(eventbus.SaveRequestReceived{RequestID: req.RequestID, SessionID: req.SessionID})
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ProcessOne pops and evaluates a single request, returning false if the
// queue was empty. Exposed for synchronous/test-driven processing;
// Run drives this in a loop for production use.
func (q *SaveQueue) ProcessOne(ctx context.Context) bool {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	q.mu.Unlock()

	q.evaluate(ctx, item.req)
	return true
}

// Run processes requests as they arrive until ctx is canceled.
func (q *SaveQueue) Run(ctx context.Context) {
	for {
		for q.ProcessOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *SaveQueue) evaluate(ctx context.Context, req domain.SaveRequest) {
	now := q.now()

	if !q.globalLimiter.Allow(globalRateKey) {
		q.reject(req, "rate_limited", "global rate limit exceeded")
		return
	}
	if !q.sessionLimiter.Allow(req.SessionID) {
		q.reject(req, "rate_limited", "per-session rate limit exceeded")
		return
	}

	action, ruleID, msg := q.applyRules(req)
	q.auditMu.Lock()
	q.audit = append(q.audit, AuditEntry{RequestID: req.RequestID, SessionID: req.SessionID, Action: action, RuleID: ruleID, Timestamp: now})
	q.auditMu.Unlock()

	switch action {
	case domain.ActionTerminate:
		q.reject(req, ruleID, msg)
	case domain.ActionReplace:
		q.cfgMu.RLock()
		req.Content = q.cfg.applyReplacement(req.Content, ruleID)
		q.cfgMu.RUnlock()
		q.execute(ctx, req)
	case domain.ActionWarn:
		q.logger.Warn("coordinator: save request matched a warn rule, proceeding",
			"request_id", req.RequestID, "rule_id", ruleID, "message", msg)
		q.execute(ctx, req)
	default: // allow
		q.execute(ctx, req)
	}
}

func (q *SaveQueue) execute(ctx context.Context, req domain.SaveRequest) {
	if q.executor == nil {
		q.reject(req, "", "no save executor configured")
		return
	}
	n, err := q.executor.Execute(ctx, req.Operation, req.TargetPath, req.Content)
	if err != nil {
		q.reject(req, "", err.Error())
		return
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.SaveRequestResult{
			RequestID: req.RequestID, SessionID: req.SessionID,
			Status: eventbus.SaveApproved, BytesWritten: n,
		})
	}
}

// rejectScreened audits and rejects a request that supervision screened
// out before it ever entered the queue, so a terminate-level verdict
// still leaves the same audit trail and SaveRequestResult a queue-level
// rejection would.
func (q *SaveQueue) rejectScreened(req domain.SaveRequest, ruleID, reason string) {
	q.auditMu.Lock()
	q.audit = append(q.audit, AuditEntry{RequestID: req.RequestID, SessionID: req.SessionID, Action: domain.ActionTerminate, RuleID: ruleID, Timestamp: q.now()})
	q.auditMu.Unlock()
	q.reject(req, ruleID, reason)
}

func (q *SaveQueue) reject(req domain.SaveRequest, ruleID, reason string) {
	q.logger.Warn("coordinator: save request rejected", "request_id", req.RequestID, "rule_id", ruleID, "reason", reason)
	if q.bus != nil {
		q.bus.Publish(eventbus.SaveRequestResult{
			RequestID: req.RequestID, SessionID: req.SessionID,
			Status: eventbus.SaveRejected, RuleID: ruleID, Reason: reason,
		})
	}
}

// applyRules runs path, content, user-level, and command rules against
// req and resolves multiple matches to the maximum-priority action
// (terminate > replace > warn > allow)
func (q *SaveQueue) applyRules(req domain.SaveRequest) (domain.RuleAction, string, string) {
	q.cfgMu.RLock()
	cfg := q.cfg
	q.cfgMu.RUnlock()

	best := domain.ActionAllow
	bestRuleID := ""
	bestMsg := ""
	consider := func(action domain.RuleAction, id, msg string) {
		if domain.ActionPriority(action) > domain.ActionPriority(best) {
			best, bestRuleID, bestMsg = action, id, msg
		}
	}

	matchedAny := false
	for _, r := range cfg.Rules.PathRules {
		if pathMatches(r.Pattern, req.TargetPath) {
			matchedAny = true
			consider(domain.RuleAction(r.Action), r.ID, r.Message)
		}
	}
	if !matchedAny {
		consider(domain.RuleAction(cfg.Defaults.UnknownPathAction), "default-unknown-path", "")
	}

	for _, r := range cfg.Rules.ContentRules {
		for _, pat := range r.Patterns {
			if re, err := regexp.Compile(pat); err == nil && re.MatchString(req.Content) {
				consider(domain.RuleAction(r.Action), r.ID, r.Message)
				break
			}
		}
	}

	for _, r := range cfg.Rules.UserLevelRules {
		if userLevelInsufficient(req.UserLevel, r.RequiredLevel) && userLevelPathMatches(r.Paths, req.TargetPath) {
			consider(domain.RuleAction(r.Action), r.ID, r.Message)
		}
	}

	for _, r := range cfg.Rules.CommandRules {
		for _, cmd := range r.Commands {
			if strings.Contains(req.Content, cmd) {
				consider(domain.RuleAction(r.Action), r.ID, r.Message)
				break
			}
		}
	}

	if maxKB := cfg.Defaults.MaxContentSizeKB; maxKB > 0 && len(req.Content) > maxKB*1024 {
		consider(domain.ActionTerminate, "max-content-size", "content exceeds configured size limit")
	}

	return best, bestRuleID, bestMsg
}

// applyReplacement substitutes req content when a content rule with a
// Replacement is the winning rule; falls back to a generic redaction.
func (c RuleConfig) applyReplacement(content, ruleID string) string {
	for _, r := range c.Rules.ContentRules {
		if r.ID == ruleID && r.Replacement != "" {
			for _, pat := range r.Patterns {
				if re, err := regexp.Compile(pat); err == nil {
					content = re.ReplaceAllString(content, r.Replacement)
				}
			}
			return content
		}
	}
	return content
}

// UserLevelRank orders the privilege levels a session's GlobalContext may
// carry, lowest first. A level absent from this map (including the empty
// string, for a session with no level set) ranks below every named level,
// so an unset UserLevel never satisfies a user_level_rules requirement.
var UserLevelRank = map[string]int{
	"guest":    0,
	"standard": 1,
	"admin":    2,
}

// userLevelInsufficient reports whether have's rank is strictly below
// required's rank, i.e. the rule's action should apply. An unrecognized
// required level matches nobody (fails closed rather than open).
func userLevelInsufficient(have, required string) bool {
	requiredRank, ok := UserLevelRank[required]
	if !ok {
		return false
	}
	haveRank, ok := UserLevelRank[have]
	if !ok {
		return true
	}
	return haveRank < requiredRank
}

// userLevelPathMatches reports whether path falls under one of paths, or
// whether paths is empty (a user-level rule with no paths applies to
// every save request).
func userLevelPathMatches(paths []string, path string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if pathMatches(p, path) {
			return true
		}
	}
	return false
}

// pathMatches treats pattern as a glob-ish prefix/suffix match: a
// trailing "*" matches any suffix, otherwise an exact or prefix match is
// required. Kept simple and dependency-free, consistent with the rest of
// the rule engine avoiding a full glob library for a narrow need.
func pathMatches(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path || strings.HasPrefix(path, pattern)
}

// Audit returns a copy of the recorded save-request decisions.
func (q *SaveQueue) Audit() []AuditEntry {
	q.auditMu.Lock()
	defer q.auditMu.Unlock()
	out := make([]AuditEntry, len(q.audit))
	copy(out, q.audit)
	return out
}
