package retry

import (
	"fmt"
	"regexp"
	"strings"

	"cadence/internal/workflow"
)

// Signature maps a known failure text to a kind.
type Signature struct {
	Name    string
	Kind    workflow.ErrorKind
	Class   workflow.Class
	Pattern *regexp.Regexp
}

// SignatureConfig is the config form of a Signature.
type SignatureConfig struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Kind    string `json:"kind"`
	// Class overrides the kind's default class ("retryable", "terminal", "needs_user_action").
	Class string `json:"class,omitempty"`
}

// Order matters: needs-action signatures win over transient ones, so
// "usage limit reached, try again later" is not retried.
var defaultSignatures = []Signature{
	{
		Name: "auth",
		Kind: workflow.KindAuth,
		Pattern: regexp.MustCompile(`(?i)(not (logged|signed) in|please (log|sign) ?in|run .*\blogin\b|unauthori[sz]ed|authentication (failed|required|error)|` +
			`invalid (api[ _-]?key|token|credentials)|api[ _-]?key (is )?(missing|invalid|not set)|credentials? (expired|missing|not found)|\b401\b|\b403 forbidden\b)`),
	},
	{
		Name: "usage_limit",
		Kind: workflow.KindUsageLimit,
		Pattern: regexp.MustCompile(`(?i)(usage limit|quota (exceeded|reached)|exceeded your (current )?quota|subscription (expired|required|inactive)|` +
			`plan limit|out of credits|insufficient (credits|quota|balance)|credit balance is too low|billing)`),
	},
	{
		Name:    "not_installed",
		Kind:    workflow.KindNotInstalled,
		Pattern: regexp.MustCompile(`(?i)(command not found|executable file not found|is not installed|not recognized as an internal or external command)`),
	},
	{
		Name:    "rate_limit",
		Kind:    workflow.KindRateLimit,
		Pattern: regexp.MustCompile(`(?i)(rate[ _-]?limit|too many requests|\b429\b|overloaded|slow down)`),
	},
	{
		Name: "network",
		Kind: workflow.KindNetwork,
		Pattern: regexp.MustCompile(`(?i)(connection (refused|reset|aborted|closed)|network is unreachable|no route to host|` +
			`temporary failure in name resolution|no such host|tls handshake|econnreset|econnrefused|` +
			`\b50[234]\b|bad gateway|service unavailable|gateway timeout|unexpected eof)`),
	},
	{
		Name:    "timeout",
		Kind:    workflow.KindTimeout,
		Pattern: regexp.MustCompile(`(?i)(timed out|timeout|deadline exceeded|etimedout)`),
	},
}

func compileSignatures(cfgs []SignatureConfig) ([]Signature, error) {
	out := make([]Signature, 0, len(cfgs))
	for i, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = fmt.Sprintf("custom.%d", i)
		}
		if strings.TrimSpace(c.Pattern) == "" {
			return nil, fmt.Errorf("signature %s: pattern required", name)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", name, err)
		}
		kind, err := ParseKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", name, err)
		}
		class := ClassOf(kind)
		if strings.TrimSpace(c.Class) != "" {
			class, err = ParseClass(c.Class)
			if err != nil {
				return nil, fmt.Errorf("signature %s: %w", name, err)
			}
		}
		out = append(out, Signature{Name: name, Kind: kind, Class: class, Pattern: re})
	}
	return out, nil
}

// ParseKind validates a config error kind.
func ParseKind(raw string) (workflow.ErrorKind, error) {
	k := workflow.ErrorKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case workflow.KindTimeout, workflow.KindNetwork, workflow.KindRateLimit, workflow.KindConfig,
		workflow.KindMissingInput, workflow.KindAuth, workflow.KindUsageLimit, workflow.KindNotInstalled,
		workflow.KindProcess, workflow.KindUnknown:
		return k, nil
	default:
		return "", fmt.Errorf("unknown error kind %q", raw)
	}
}

// ParseClass validates a config class.
func ParseClass(raw string) (workflow.Class, error) {
	c := workflow.Class(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case workflow.ClassRetryable, workflow.ClassTerminal, workflow.ClassNeedsUserAction:
		return c, nil
	default:
		return "", fmt.Errorf("unknown error class %q", raw)
	}
}
