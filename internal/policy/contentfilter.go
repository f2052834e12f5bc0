package policy

import (
	"regexp"
	"sync/atomic"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Killea/AgentChatBus/internal/buserrors"
)

// htmlPolicy strips markup from any free-text field that ends up
// rendered by an HTML-capable console (thread topics, metadata,
// message content), grounded on the teacher's plantitle.go use of the
// same strict policy for plan titles.
var htmlPolicy = bluemonday.StrictPolicy()

// SanitizeHTML strips HTML tags from user/agent-supplied text. Applied
// at write time so stored content is already safe to render.
func SanitizeHTML(s string) string {
	return htmlPolicy.Sanitize(s)
}

// secretPattern pairs a high-confidence secret regex with the label
// surfaced in ContentBlocked errors. Ported verbatim from the source
// bus's src/content_filter.py SECRET_PATTERNS table: conservative by
// design, only high-specificity patterns, to minimize false positives
// in ordinary technical conversation.
type secretPattern struct {
	re    *regexp.Regexp
	label string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS Access Key ID"},
	{regexp.MustCompile(`ASIA[0-9A-Z]{16}`), "AWS Temporary Access Key"},
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]{20,}\.eyJ[A-Za-z0-9_-]{20,}`), "JWT Token"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), "GitHub Personal Access Token"},
	{regexp.MustCompile(`gho_[A-Za-z0-9]{36}`), "GitHub OAuth Token"},
	{regexp.MustCompile(`ghs_[A-Za-z0-9]{36}`), "GitHub App Token"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`), "Private Key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}T3BlbkFJ[A-Za-z0-9]{20,}`), "OpenAI API Key"},
	{regexp.MustCompile(`xox[bprs]-[0-9A-Za-z\-]{10,}`), "Slack Token"},
	{regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), "Google API Key"},
	{regexp.MustCompile(`[Aa][Zz][Uu][Rr][Ee][A-Za-z0-9_]{10,}=[A-Za-z0-9+/]{43}=`), "Azure Storage Key"},
}

// ContentFilter scans message text for secret patterns. It can be
// toggled at runtime (config reload) without restarting.
type ContentFilter struct {
	enabled atomic.Bool
}

// NewContentFilter creates a ContentFilter with the given initial
// enabled state.
func NewContentFilter(enabled bool) *ContentFilter {
	f := &ContentFilter{}
	f.enabled.Store(enabled)
	return f
}

// SetEnabled updates the toggle at runtime.
func (f *ContentFilter) SetEnabled(enabled bool) { f.enabled.Store(enabled) }

// Check scans text and fails with ContentBlocked on the first matching
// pattern. A disabled filter always passes.
func (f *ContentFilter) Check(text string) error {
	if !f.enabled.Load() {
		return nil
	}
	for _, p := range secretPatterns {
		if p.re.MatchString(text) {
			return buserrors.NewContentBlocked(p.label)
		}
	}
	return nil
}
