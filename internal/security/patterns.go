package security

import "regexp"

// Pattern categories. Rejection triggers on enough distinct categories or on
// any single high-severity match, so the categories are kept coarse: a rule
// that fires on benign text is worse than one that misses a paraphrase,
// because the classifier layer catches paraphrases.
const (
	CategoryInstructionOverride = "instruction_override"
	CategoryRoleManipulation    = "role_manipulation"
	CategorySystemProbe         = "system_probe"
	CategoryDelimiterBreaking   = "delimiter_breaking"
	CategoryJailbreak           = "jailbreak"
	CategoryToolSmuggling       = "tool_smuggling"
)

type severity int

const (
	severityMedium severity = iota
	severityHigh
)

type patternRule struct {
	category string
	severity severity
	re       *regexp.Regexp
}

var patternRules = []patternRule{
	// Instruction overrides.
	{CategoryInstructionOverride, severityMedium, regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\b.{0,40}\b(previous|prior|above|earlier|all|any|your)\b.{0,30}\b(instructions?|rules?|directives?|prompts?|guidelines?)\b`)},
	{CategoryInstructionOverride, severityMedium, regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`)},
	{CategoryInstructionOverride, severityMedium, regexp.MustCompile(`(?i)\bfrom\s+now\s+on\b.{0,40}\b(you|respond|answer|reply)\b`)},

	// Role manipulation.
	{CategoryRoleManipulation, severityMedium, regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b`)},
	{CategoryRoleManipulation, severityMedium, regexp.MustCompile(`(?i)\b(act|behave|operate)\s+as\s+(the\s+)?(system|root|admin(istrator)?|developer|an?\s+unrestricted)`)},
	{CategoryRoleManipulation, severityMedium, regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are|that\s+you)\b`)},
	{CategoryRoleManipulation, severityMedium, regexp.MustCompile(`(?i)\badopt\s+(a\s+)?new\s+persona\b`)},

	// System-prompt and credential probes.
	{CategorySystemProbe, severityMedium, regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|leak)\b.{0,30}\b(system\s+prompt|initial\s+instructions?|hidden\s+(instructions?|rules?)|your\s+(prompt|instructions?))\b`)},
	{CategorySystemProbe, severityMedium, regexp.MustCompile(`(?i)\bwhat\s+(are|were)\s+your\s+(original\s+)?instructions\b`)},
	{CategorySystemProbe, severityHigh, regexp.MustCompile(`(?i)\b(reveal|show|print|output|send)\b.{0,30}\b(api[_\s-]?keys?|credentials?|secrets?|passwords?|tokens?)\b`)},

	// Delimiter breaking. Attempts to close or forge our own context tags
	// are unambiguous, so a single hit rejects.
	{CategoryDelimiterBreaking, severityHigh, regexp.MustCompile(`(?i)</?\s*(untrusted_content|instruction|system)\b`)},
	{CategoryDelimiterBreaking, severityHigh, regexp.MustCompile(`(?i)\[/?(INST|SYS)\]`)},
	{CategoryDelimiterBreaking, severityMedium, regexp.MustCompile("(?i)```\\s*(system|assistant)\\b")},

	// Jailbreak framing.
	{CategoryJailbreak, severityMedium, regexp.MustCompile(`(?i)\b(DAN|jailbreak|developer)\s+mode\b`)},
	{CategoryJailbreak, severityMedium, regexp.MustCompile(`(?i)\bwithout\s+(any\s+)?(restrictions?|filters?|limitations?|censorship)\b`)},
	{CategoryJailbreak, severityMedium, regexp.MustCompile(`(?i)\bbypass\b.{0,30}\b(safety|guardrails?|content\s+policy|filters?)\b`)},

	// Tool-call smuggling inside content.
	{CategoryToolSmuggling, severityMedium, regexp.MustCompile(`(?i)<(tool_use|tool_call|function_call)\b`)},
	{CategoryToolSmuggling, severityMedium, regexp.MustCompile(`(?i)\b(call|invoke|run|execute)\s+the\s+\w+_tool\b`)},
}

// matchPatterns returns the distinct categories matched in content and
// whether any match was high severity. Categories come back in rule order.
func matchPatterns(content string) (categories []string, high bool) {
	seen := make(map[string]bool, len(patternRules))
	for _, rule := range patternRules {
		if seen[rule.category] {
			continue
		}
		if rule.re.MatchString(content) {
			seen[rule.category] = true
			categories = append(categories, rule.category)
			if rule.severity == severityHigh {
				high = true
			}
		}
	}
	// A medium rule may be shadowed by an earlier match of its category;
	// re-check high severity across all rules so ordering cannot hide it.
	if !high {
		for _, rule := range patternRules {
			if rule.severity == severityHigh && rule.re.MatchString(content) {
				high = true
				break
			}
		}
	}
	return categories, high
}
