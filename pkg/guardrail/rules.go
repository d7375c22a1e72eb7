package guardrail

import "regexp"

type ruleSpec struct {
	name     string
	typ      CheckType
	severity Severity
	action   Action
	message  string
	pattern  string
}

var injectionSpecs = []ruleSpec{
	{"prompt_injection_ignore", TypeInput, SeverityHigh, ActionBlock,
		"prompt injection attempt detected",
		`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`},
	{"prompt_injection_disregard", TypeInput, SeverityHigh, ActionBlock,
		"prompt injection attempt detected",
		`(?i)disregard\s+(your|all|any)\s+(instructions|guidelines|rules|training)`},
	{"prompt_injection_system", TypeInput, SeverityHigh, ActionBlock,
		"system prompt override attempt detected",
		`(?i)(you\s+are\s+now|pretend\s+(you\s+are|to\s+be))\s+.{0,40}(unrestricted|jailbroken|without\s+(rules|limits|restrictions))`},
	{"prompt_injection_reveal", TypeInput, SeverityMedium, ActionBlock,
		"system prompt extraction attempt detected",
		`(?i)(reveal|print|repeat|show)\s+(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)`},
	{"prompt_injection_dan", TypeInput, SeverityHigh, ActionBlock,
		"jailbreak persona detected",
		`(?i)\b(DAN\s+mode|do\s+anything\s+now|developer\s+mode\s+enabled)\b`},
}

var harmfulSpecs = []ruleSpec{
	{"harmful_weapons", TypeInput, SeverityCritical, ActionBlock,
		"request for weapon construction detected",
		`(?i)how\s+to\s+(make|build|construct|synthesize)\s+(a\s+)?(bomb|explosive|nerve\s+agent|bioweapon)`},
	{"harmful_malware", TypeInput, SeverityCritical, ActionBlock,
		"malware development request detected",
		`(?i)(write|create|generate)\s+.{0,30}(ransomware|keylogger|botnet|rootkit)`},
	{"harmful_self_harm", TypeInput, SeverityCritical, ActionBlock,
		"self-harm content detected",
		`(?i)(best|easiest|painless)\s+(way|method)s?\s+to\s+(kill|harm)\s+(myself|yourself)`},
	{"profanity", TypeOutput, SeverityLow, ActionWarn,
		"profanity detected",
		`(?i)\b(fuck|shit|asshole|bastard)\b`},
}

var piiSpecs = []ruleSpec{
	{"pii_credit_card", TypePII, SeverityHigh, ActionModify,
		"credit card number detected",
		`\b(?:\d[ -]?){13,16}\b`},
	{"pii_ssn", TypePII, SeverityHigh, ActionModify,
		"social security number detected",
		`\b\d{3}-\d{2}-\d{4}\b`},
	{"pii_email", TypePII, SeverityMedium, ActionModify,
		"email address detected",
		`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`},
	{"pii_phone", TypePII, SeverityMedium, ActionModify,
		"phone number detected",
		`\b(\+?1[ -.]?)?\(?\d{3}\)?[ -.]?\d{3}[ -.]?\d{4}\b`},
	{"pii_ip_address", TypePII, SeverityLow, ActionModify,
		"IP address detected",
		`\b(?:\d{1,3}\.){3}\d{1,3}\b`},
	{"pii_api_key", TypePII, SeverityCritical, ActionModify,
		"API key or secret detected",
		`\b(sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{36})\b`},
}

func compile(specs []ruleSpec) []Rule {
	out := make([]Rule, 0, len(specs))
	for _, s := range specs {
		out = append(out, Rule{
			Name:     s.name,
			Type:     s.typ,
			Severity: s.severity,
			Action:   s.action,
			Message:  s.message,
			Pattern:  regexp.MustCompile(s.pattern),
		})
	}
	return out
}

// DefaultRules returns the built-in rule set: injection and harmful-content
// blocks on input, a profanity warning on output, and PII redaction.
// Registration order matters; block rules precede redaction rules.
func DefaultRules() []Rule {
	var rules []Rule
	rules = append(rules, compile(injectionSpecs)...)
	rules = append(rules, compile(harmfulSpecs)...)
	rules = append(rules, compile(piiSpecs)...)
	return rules
}

// RegisterDefaults installs DefaultRules on the engine.
func (e *Engine) RegisterDefaults() error {
	for _, r := range DefaultRules() {
		if err := e.RegisterRule(r); err != nil {
			return err
		}
	}
	return nil
}
