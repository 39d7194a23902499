package coordinator

import (
	"fmt"
	"strings"

	"github.com/nexoraai/orchestrator/pkg/decision"
)

// requiredConfigFields names the config keys that must be present for
// each node type. Kept intentionally small: this is a structural
// presence check, not a full per-type schema (node code semantics are
// the sandbox runtime's concern, an external collaborator).
var requiredConfigFields = map[string][]string{
	"HTTP":      {"url", "method"},
	"LLM":       {"prompt"},
	"PYTHON":    {"code"},
	"DATABASE":  {"query"},
	"CONDITION": {"expression"},
	"LOOP":      {"collection"},
}

// Validator performs the Coordinator's three-stage decision validation:
// payload (already done by decision.Decode before Validator sees it),
// dependency/DAG + required-config-field checks, and safety checks
// (path blacklist/whitelist, forbidden code patterns, size limits).
type Validator struct {
	PathBlacklist    []string
	PathWhitelist    []string // if non-empty, a path must match one entry
	ForbiddenModules []string
	MaxConfigBytes   int
}

// NewValidator builds a Validator with the default safety rule set: a
// path blacklist mirroring pkg/supervision's dangerous-path list, and a
// forbidden-module list for PYTHON node config content.
func NewValidator() *Validator {
	return &Validator{
		PathBlacklist: []string{"/etc/", "/root/.ssh/", "/sys/", "/proc/", "/var/run/"},
		ForbiddenModules: []string{
			"os.system", "subprocess", "eval(", "exec(", "__import__",
		},
		MaxConfigBytes: 256 * 1024,
	}
}

// ValidateNodeConfig checks a single node's config against the required
// fields for its type and the safety rules. Returns a list of structured
// error strings ("structured error list"), empty when valid.
func (v *Validator) ValidateNodeConfig(nodeType string, config map[string]any) []string {
	var errs []string
	for _, field := range requiredConfigFields[nodeType] {
		if _, ok := config[field]; !ok {
			errs = append(errs, fmt.Sprintf("node type %s missing required config field %q", nodeType, field))
		}
	}
	errs = append(errs, v.safetyCheckConfig(nodeType, config)...)
	return errs
}

// safetyCheckConfig scans config values for sensitive file paths and
// forbidden code patterns.
func (v *Validator) safetyCheckConfig(nodeType string, config map[string]any) []string {
	var errs []string
	for key, val := range config {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if len(s) > v.MaxConfigBytes {
			errs = append(errs, fmt.Sprintf("config field %q exceeds max size", key))
			continue
		}
		if isPathLikeKey(key) {
			if err := v.checkPath(s); err != "" {
				errs = append(errs, err)
			}
		}
		if nodeType == "PYTHON" {
			for _, forbidden := range v.ForbiddenModules {
				if strings.Contains(s, forbidden) {
					errs = append(errs, fmt.Sprintf("config field %q contains forbidden pattern %q", key, forbidden))
				}
			}
		}
	}
	return errs
}

func isPathLikeKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "path") || strings.Contains(lower, "file") || strings.Contains(lower, "dir")
}

// checkPath returns a non-empty error string if path is blacklisted, or
// (when a whitelist is configured) not whitelisted.
func (v *Validator) checkPath(path string) string {
	for _, p := range v.PathBlacklist {
		if strings.HasPrefix(path, p) {
			return fmt.Sprintf("path %q is blacklisted", path)
		}
	}
	if len(v.PathWhitelist) > 0 {
		ok := false
		for _, p := range v.PathWhitelist {
			if strings.HasPrefix(path, p) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("path %q is not in the whitelist", path)
		}
	}
	return ""
}

// ValidatePlan runs ValidateNodeConfig over every node of a
// create_workflow_plan payload. DAG acyclicity/referential-integrity is
// already enforced by decision.CreateWorkflowPlanPayload.Check, invoked
// during decision.Decode; ValidatePlan adds the config-level checks that
// payload decoding alone cannot express.
func (v *Validator) ValidatePlan(p decision.CreateWorkflowPlanPayload) []string {
	var errs []string
	for _, n := range p.Nodes {
		errs = append(errs, v.ValidateNodeConfig(n.Type, n.Config)...)
	}
	return errs
}
