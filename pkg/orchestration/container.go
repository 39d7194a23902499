// Package orchestration wires the eight owning components — event bus,
// context manager, distillation pipeline, knowledge vault, coordinator,
// conversation agent, workflow agent, and flow broker — into one running
// system via plain constructor injection: a Config struct of external
// collaborators in, a fully wired Container out.
package orchestration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nexoraai/orchestrator/pkg/convagent"
	"github.com/nexoraai/orchestrator/pkg/coordinator"
	"github.com/nexoraai/orchestrator/pkg/ctxmgr"
	"github.com/nexoraai/orchestrator/pkg/distill"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
	"github.com/nexoraai/orchestrator/pkg/flowbroker"
	"github.com/nexoraai/orchestrator/pkg/vault"
	"github.com/nexoraai/orchestrator/pkg/workflowagent"
)

// Config bundles every external collaborator and tunable the container
// needs at construction time. NodeExecutor, Summarizer, and SaveExecutor
// are the narrow external-collaborator interfaces owned by the
// Workflow Agent, Memory Distillation Pipeline, and Coordinator
// respectively; this package provides a real SaveExecutor
// (LocalSaveExecutor) but deliberately no NodeExecutor or Summarizer
// implementation — those require a real tool-execution backend or LLM
// call and are supplied by the embedding application, the same way
// pkg/distill.Summarizer is left uninstantiated here and only stubbed
// in tests.
type Config struct {
	NodeExecutor workflowagent.NodeExecutor
	Summarizer   distill.Summarizer
	SaveExecutor coordinator.SaveExecutor
	RuleConfig   coordinator.RuleConfig
	GlobalRate   coordinator.RateLimit
	SessionRate  coordinator.RateLimit
	SubAgents    []coordinator.SubAgentSpec
	Logger       *slog.Logger
}

// Container owns every process-wide singleton: the bus, the Coordinator,
// the single Workflow Agent (session-scoped internally by workflow ID),
// the model registry, the knowledge vault, and the flow broker. One
// Conversation Agent and one ctxmgr.SessionContext are created per
// session by StartSession.
type Container struct {
	Bus            *eventbus.Bus
	Coordinator    *coordinator.Coordinator
	WorkflowAgent  *workflowagent.Agent
	ModelRegistry  *ctxmgr.ModelRegistry
	Vault          *vault.Vault
	VaultRetriever *vault.Retriever
	FlowBroker     *flowbroker.Broker
	distiller      *distill.Pipeline
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds the process-wide container. The Workflow Agent's own
// runNode/reportFailure already routes every node failure to the
// Coordinator's failure strategy synchronously before
// it ever publishes NodeExecutionCompleted, so the container does not
// subscribe to NodeExecutionCompleted itself — doing so would re-report a
// failure the agent already resolved.
func New(cfg Config) *Container {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New(logger)
	v := vault.New()

	subagents := coordinator.NewSubAgentRegistry()
	for _, s := range cfg.SubAgents {
		_ = subagents.Register(s)
	}

	c := coordinator.New(coordinator.Config{
		Bus:          bus,
		RuleConfig:   cfg.RuleConfig,
		SaveExecutor: cfg.SaveExecutor,
		GlobalRate:   cfg.GlobalRate,
		SessionRate:  cfg.SessionRate,
		SubAgents:    subagents,
		Logger:       logger,
	})

	wa := workflowagent.New(bus, cfg.NodeExecutor, logger)
	broker := flowbroker.New()
	flowbroker.Attach(broker, bus)

	container := &Container{
		Bus:            bus,
		Coordinator:    c,
		WorkflowAgent:  wa,
		ModelRegistry:  ctxmgr.NewModelRegistry(logger),
		Vault:          v,
		VaultRetriever: vault.NewRetriever(v),
		FlowBroker:     broker,
		distiller:      distill.New(cfg.Summarizer, distill.DefaultRetainTurns, logger),
		logger:         logger,
		sessions:       make(map[string]*Session),
	}

	return container
}

// Session bundles the per-session owned state: the Context Manager's
// SessionContext and the Conversation Agent bound to it.
type Session struct {
	SessionID string
	Context   *ctxmgr.SessionContext
	Conv      *convagent.Agent
}

// StartSession creates a new per-session SessionContext (with its context
// window looked up from the model registry for provider/model) and a
// Conversation Agent subscribed to the shared bus under sessionID. llm is
// the caller's LLM client adapter, since the container does not own model
// credentials or transport.
func (cnt *Container) StartSession(sessionID string, global ctxmgr.GlobalContext, provider, model string, llm convagent.LLMService) *Session {
	meta := cnt.ModelRegistry.Lookup(provider, model)
	sc := ctxmgr.NewSessionContext(sessionID, global, meta.ContextWindow, cnt.logger)
	conv := convagent.New(sessionID, cnt.Bus, llm, cnt.logger)

	sess := &Session{SessionID: sessionID, Context: sc, Conv: conv}
	cnt.mu.Lock()
	cnt.sessions[sessionID] = sess
	cnt.mu.Unlock()

	return sess
}

// EndSession releases a session's tracked state: a SessionContext is
// destroyed on session end, and this drops the container's reference so
// it becomes eligible for GC.
func (cnt *Container) EndSession(sessionID string) {
	cnt.mu.Lock()
	delete(cnt.sessions, sessionID)
	cnt.mu.Unlock()
}

// RecordTurn appends a turn to sessionID's short-term buffer and, if this
// call crosses the saturation threshold for the first time, publishes
// ShortTermSaturated and synchronously runs the distillation pipeline —
// matching the single-threaded cooperative scheduling model:
// distillation is itself a suspension point, not a background goroutine.
func (cnt *Container) RecordTurn(ctx context.Context, sessionID string, t domain.Turn) error {
	sc := cnt.sessionContext(sessionID)
	if sc == nil {
		return nil
	}
	crossed, err := sc.AddTurn(t)
	if err != nil {
		return err
	}
	if crossed {
		cnt.onSaturated(ctx, sessionID, sc)
	}
	cnt.checkSupervision(sessionID, sc)
	return nil
}

// RecordTokenUsage records one LLM call's token cost and runs the same
// saturation/supervision hook as RecordTurn.
func (cnt *Container) RecordTokenUsage(ctx context.Context, sessionID string, prompt, completion int) {
	sc := cnt.sessionContext(sessionID)
	if sc == nil {
		return
	}
	if sc.UpdateTokenUsage(prompt, completion) {
		cnt.onSaturated(ctx, sessionID, sc)
	}
	cnt.checkSupervision(sessionID, sc)
}

func (cnt *Container) checkSupervision(sessionID string, sc *ctxmgr.SessionContext) {
	buf, usage := sc.Snapshot()
	cnt.Coordinator.CheckContext(sessionID, usage.UsageRatio(), len(buf.Turns))
}

func (cnt *Container) onSaturated(ctx context.Context, sessionID string, sc *ctxmgr.SessionContext) {
	_, usage := sc.Snapshot()
	cnt.Bus.Publish(eventbus.ShortTermSaturated{SessionID: sessionID, UsageRatio: usage.UsageRatio()})
	if err := cnt.distiller.Run(ctx, sc); err != nil {
		cnt.logger.Error("orchestration: distillation failed, saturation latch remains set",
			"session_id", sessionID, "error", err)
	}
}

// InspectVault runs the Coordinator inspector pass: blockers matching a
// resolution keyword are reclassified to
// conclusion, and next_action notes older than ttl are archived, both
// through the vault's lifecycle manager and audit log. RunVaultInspector
// (below) drives this on an interval; callers needing a one-shot sweep
// (e.g. a cron-style external trigger) can call this directly. ttl <= 0
// falls back to vault.DefaultNextActionTTL.
func (cnt *Container) InspectVault(ttl time.Duration) {
	vault.Sweep(cnt.Vault, ttl, time.Now(), "coordinator_inspector")
}

// RunVaultInspector drives InspectVault on a fixed interval until ctx is
// canceled. It is opt-in: nothing in Container.New starts this loop,
// since the interval is a deployment choice (see cmd/orchestratord).
func (cnt *Container) RunVaultInspector(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cnt.InspectVault(ttl)
		}
	}
}

func (cnt *Container) sessionContext(sessionID string) *ctxmgr.SessionContext {
	cnt.mu.Lock()
	defer cnt.mu.Unlock()
	s, ok := cnt.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.Context
}
