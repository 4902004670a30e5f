package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrActionRejected is returned when an approval is denied or
	// resolves fail-closed on timeout.
	ErrActionRejected = errors.New("action rejected by approval gate")

	// ErrApprovalNotFound is returned when resolving an unknown request id.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved is returned when a request is resolved twice.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Config holds the policy knobs read once at startup. Each operation
// treats the snapshot it was given as immutable.
type Config struct {
	// ToolPolicies maps tool name to its configured stance.
	ToolPolicies map[string]ToolPolicy `yaml:"tool_policies"`

	// RiskThreshold is the minimum risk level that requires approval.
	RiskThreshold RiskLevel `yaml:"risk_threshold"`

	// BatchApproval lets one approval cover every action listed on the
	// request instead of one approval per action.
	BatchApproval bool `yaml:"batch_approval"`

	// AutoApproveReadOnly lets pure reads bypass the gate entirely.
	AutoApproveReadOnly bool `yaml:"auto_approve_read_only"`

	// InteractiveTimeout bounds how long an interactive session waits
	// for a human decision.
	InteractiveTimeout time.Duration `yaml:"interactive_timeout"`

	// DevModeTimeout applies instead when DevMode is set.
	DevModeTimeout time.Duration `yaml:"dev_mode_timeout"`

	// DevMode marks elevated sessions.
	DevMode bool `yaml:"dev_mode"`

	// TrustedDomains lists domains commands may contact without being
	// classified high risk.
	TrustedDomains []string `yaml:"trusted_domains"`
}

// DefaultConfig returns conservative defaults: gate at medium, short
// interactive timeout, empty trust list.
func DefaultConfig() Config {
	return Config{
		ToolPolicies:        map[string]ToolPolicy{},
		RiskThreshold:       RiskMedium,
		BatchApproval:       false,
		AutoApproveReadOnly: true,
		InteractiveTimeout:  2 * time.Minute,
		DevModeTimeout:      10 * time.Minute,
		TrustedDomains:      []string{},
	}
}

// Engine classifies proposed actions and arbitrates execution
// permission. It owns the pending-request registry.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*Request
	logger  *zap.Logger

	cfgMu   sync.RWMutex
	config  Config
	trusted map[string]struct{}
}

// NewEngine creates an approval engine from a config snapshot.
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:  config,
		pending: make(map[string]*Request),
		logger:  logger,
		trusted: trustSet(config.TrustedDomains),
	}
}

func trustSet(domains []string) map[string]struct{} {
	trusted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		trusted[strings.ToLower(d)] = struct{}{}
	}
	return trusted
}

// Reconfigure swaps in a new policy snapshot. Requests already pending
// keep the timeout they were created with.
func (e *Engine) Reconfigure(config Config) {
	e.cfgMu.Lock()
	e.config = config
	e.trusted = trustSet(config.TrustedDomains)
	e.cfgMu.Unlock()
	e.logger.Info("approval policy reconfigured",
		zap.String("risk_threshold", string(config.RiskThreshold)),
		zap.Int("trusted_domains", len(config.TrustedDomains)))
}

func (e *Engine) snapshot() (Config, map[string]struct{}) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.config, e.trusted
}

// Evaluate deterministically classifies an action descriptor.
func (e *Engine) Evaluate(d ActionDescriptor) RiskLevel {
	cfg, trusted := e.snapshot()
	risk := baseRisk(cfg, trusted, d)

	// A deny policy escalates whatever the rules produced.
	if toolPolicy(cfg, d.Tool) == PolicyDeny {
		return RiskCritical
	}
	return risk
}

func baseRisk(cfg Config, trusted map[string]struct{}, d ActionDescriptor) RiskLevel {
	switch d.Kind {
	case ActionCommand:
		for _, domain := range d.Domains {
			if _, ok := trusted[strings.ToLower(domain)]; !ok {
				return RiskHigh
			}
		}
		if d.ReadOnly && cfg.AutoApproveReadOnly {
			return RiskLow
		}
		return RiskMedium
	case ActionFileRead:
		return RiskLow
	case ActionFileWrite:
		return RiskMedium
	case ActionPackageInstall:
		return RiskHigh
	case ActionPlan:
		return RiskMedium
	default:
		return RiskMedium
	}
}

func toolPolicy(cfg Config, tool string) ToolPolicy {
	if p, ok := cfg.ToolPolicies[tool]; ok {
		return p
	}
	return PolicyRequireApproval
}

// Gated reports whether the action must obtain a resolution before it
// may execute. Auto-approved tools and (when configured) pure reads
// bypass the gate; everything at or above the threshold is gated.
func (e *Engine) Gated(d ActionDescriptor) bool {
	cfg, _ := e.snapshot()
	switch toolPolicy(cfg, d.Tool) {
	case PolicyAutoApprove:
		return false
	case PolicyDeny:
		return true
	}
	if d.ReadOnly && cfg.AutoApproveReadOnly {
		return false
	}
	return e.Evaluate(d).AtLeast(cfg.RiskThreshold)
}

// RequestApproval creates a pending request for the action and returns
// immediately. The caller suspends only the dependent action, typically
// by calling Wait on the returned request. On timeout the request
// resolves rejected unless the descriptor's sandbox capabilities fully
// cover the action.
func (e *Engine) RequestApproval(d ActionDescriptor) *Request {
	cfg, _ := e.snapshot()
	timeout := cfg.InteractiveTimeout
	if cfg.DevMode {
		timeout = cfg.DevModeTimeout
	}

	req := &Request{
		ID:          uuid.New().String(),
		Title:       fmt.Sprintf("%s: %s", d.Kind, d.Tool),
		Description: d.Summary,
		Risk:        e.Evaluate(d),
		Actions:     actionList(d),
		Category:    categoryFor(d.Kind),
		Timeout:     timeout,
		CreatedAt:   time.Now(),
		descriptor:  d,
		decision:    make(chan Decision, 1),
	}

	e.mu.Lock()
	e.pending[req.ID] = req
	req.timer = time.AfterFunc(timeout, func() { e.expire(req.ID) })
	e.mu.Unlock()

	e.logger.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("category", string(req.Category)),
		zap.String("risk", string(req.Risk)),
		zap.Duration("timeout", timeout))
	return req
}

// Approve resolves a pending request in favor of execution.
func (e *Engine) Approve(id string) error {
	return e.resolve(id, Decision{Approved: true, Reason: "approved"})
}

// Reject resolves a pending request against execution.
func (e *Engine) Reject(id string) error {
	return e.resolve(id, Decision{Approved: false, Reason: "rejected"})
}

// expire applies the timeout policy: fail-closed unless the sandbox's
// fixed capabilities already permit the action without approval.
func (e *Engine) expire(id string) {
	e.mu.Lock()
	req, ok := e.pending[id]
	if !ok || req.resolved {
		e.mu.Unlock()
		return
	}
	decision := Decision{Approved: false, Reason: "timeout"}
	if capabilitiesCover(req.descriptor) {
		decision = Decision{Approved: true, Reason: "capability_scoped"}
	}
	req.resolved = true
	delete(e.pending, id)
	e.mu.Unlock()

	req.decision <- decision
	e.logger.Warn("approval timed out",
		zap.String("id", id),
		zap.Bool("approved", decision.Approved),
		zap.String("reason", decision.Reason))
}

func (e *Engine) resolve(id string, decision Decision) error {
	e.mu.Lock()
	req, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if req.resolved {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(e.pending, id)
	e.mu.Unlock()

	req.decision <- decision
	return nil
}

// Wait blocks until the request resolves or ctx is done.
func (r *Request) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-r.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Gate is the one-call path used by the schedulers: classify the
// action, create a request when gated, and block the dependent action
// until a decision arrives. Denied or timed-out-closed actions return
// ErrActionRejected.
func (e *Engine) Gate(ctx context.Context, d ActionDescriptor) error {
	if !e.Gated(d) {
		return nil
	}
	cfg, _ := e.snapshot()
	if toolPolicy(cfg, d.Tool) == PolicyDeny {
		return fmt.Errorf("%w: tool %q is denied by policy", ErrActionRejected, d.Tool)
	}

	req := e.RequestApproval(d)
	decision, err := req.Wait(ctx)
	if err != nil {
		return err
	}
	if !decision.Approved {
		return fmt.Errorf("%w: %s", ErrActionRejected, decision.Reason)
	}
	return nil
}

// Pending returns a snapshot of unresolved requests, oldest first.
func (e *Engine) Pending() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Request, 0, len(e.pending))
	for _, req := range e.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// capabilitiesCover reports whether the sandbox capability set fixed at
// container creation fully permits the action.
func capabilitiesCover(d ActionDescriptor) bool {
	if len(d.SandboxCapabilities) == 0 {
		return false
	}
	have := make(map[Capability]struct{}, len(d.SandboxCapabilities))
	for _, c := range d.SandboxCapabilities {
		have[c] = struct{}{}
	}
	need := requiredCapabilities(d)
	for _, c := range need {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return len(need) > 0
}

func requiredCapabilities(d ActionDescriptor) []Capability {
	switch d.Kind {
	case ActionCommand:
		need := []Capability{CapabilityExecute}
		if len(d.Domains) > 0 {
			need = append(need, CapabilityNetwork)
		}
		return need
	case ActionFileRead:
		return []Capability{CapabilityRead}
	case ActionFileWrite:
		return []Capability{CapabilityWrite}
	case ActionPackageInstall:
		return []Capability{CapabilityExecute, CapabilityNetwork, CapabilityWrite}
	default:
		return nil
	}
}

func categoryFor(kind ActionKind) Category {
	switch kind {
	case ActionPlan:
		return CategoryPlan
	case ActionFileRead, ActionFileWrite:
		return CategoryFile
	case ActionCommand:
		return CategoryCommand
	case ActionPackageInstall:
		return CategoryPackage
	default:
		return CategoryGeneral
	}
}

func actionList(d ActionDescriptor) []string {
	var actions []string
	if d.Command != "" {
		actions = append(actions, d.Command)
	}
	if d.Path != "" {
		actions = append(actions, d.Path)
	}
	if len(actions) == 0 && d.Summary != "" {
		actions = append(actions, d.Summary)
	}
	return actions
}
