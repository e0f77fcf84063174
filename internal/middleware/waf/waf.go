package waf

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/wudi/bankgate/internal/config"
)

// Reason codes reported for blocked requests. They are written to logs only.
const (
	ReasonMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ReasonHiddenFile       = "HIDDEN_FILE"
	ReasonSQLInjection     = "SQL_INJECTION"
	ReasonXSS              = "XSS"
	ReasonPathTraversal    = "PATH_TRAVERSAL"
	ReasonCommandInjection = "COMMAND_INJECTION"
	ReasonCodeExecution    = "CODE_EXECUTION"
)

// inspectedHeaders are the request headers attack rules look at.
var inspectedHeaders = []string{"Referer", "Cookie", "User-Agent"}

// maxDecodePasses bounds how many times percent-encoding is peeled off.
const maxDecodePasses = 2

// Verdict is the result of classifying one request.
type Verdict struct {
	Blocked bool
	Reason  string
	Target  string // path, query, body or a header name
}

type rule struct {
	reason   string
	pathOnly bool
	match    func(s string) bool
}

func anyOf(patterns ...string) func(string) bool {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return func(s string) bool {
		for _, re := range res {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
}

var hiddenSuffix = regexp.MustCompile(`(?i)(\.(bak|backup|old|orig|save|swp|swo|tmp|sql|env|ini|conf|cfg|log|pem|key|htaccess|htpasswd)|~)$`)

// hiddenFile reports dotfile segments and backup or config artefacts.
// Well-known URIs and relative segments are left to the traversal rule.
func hiddenFile(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." || seg == ".well-known" {
			continue
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return hiddenSuffix.MatchString(path)
}

// rules are evaluated in order and the first match wins.
var rules = []rule{
	{
		reason:   ReasonHiddenFile,
		pathOnly: true,
		match:    hiddenFile,
	},
	{
		reason: ReasonSQLInjection,
		match: anyOf(
			`(?i)\bunion(\s|/\*.*?\*/|\+)+(all(\s|/\*.*?\*/|\+)+)?select\b`,
			`(?i)['"]\s*\)?\s*\b(or|and)\b\s*['"(\w]+\s*(=|<|>|\blike\b)`,
			`(?i)\b(or|and)\s+\d+\s*=\s*\d+`,
			`(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec|shutdown)\b`,
			`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`,
			`(?i)\bwaitfor\s+delay\b`,
			`(?i)\binformation_schema\b`,
			`(?i)'\s*(--|#|/\*)`,
		),
	},
	{
		reason: ReasonXSS,
		match: anyOf(
			`(?i)<\s*/?\s*script\b`,
			`(?i)\b(java|vb)script\s*:`,
			`(?i)\bon(error|load|click|dblclick|mouseover|mouseenter|focus|blur|submit|change|keyup|keydown)\s*=`,
			`(?i)<\s*(iframe|object|embed|frameset|applet)\b`,
			`(?i)\bdocument\s*\.\s*(cookie|location|write|domain)\b`,
			`(?i)<\s*(img|svg|body|input)\b[^>]*\bsrc\s*=\s*['"]?\s*data:`,
		),
	},
	{
		reason: ReasonPathTraversal,
		match: anyOf(
			`\.\.[/\\]`,
			`[/\\]\.\.$`,
			`(?i)/etc/(passwd|shadow|hosts|group)\b`,
			`(?i)\b(c:|%systemroot%)\\+windows\b`,
			`(?i)/proc/self/`,
		),
	},
	{
		reason: ReasonCommandInjection,
		match: anyOf(
			`(?i)(;|\|\|?|&&|\x60|\$\()\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|zsh|rm|chmod|chown|ping|nslookup|powershell|cmd)(\s|$|;|\||&)`,
			"`[^`]+`",
			`\$\([^)]*\)`,
		),
	},
	{
		reason: ReasonCodeExecution,
		match: anyOf(
			`(?i)\b(eval|exec|system|passthru|shell_exec|popen|proc_open|assert|phpinfo|create_function|call_user_func(_array)?|base64_decode)\s*\(`,
			`(?i)\bruntime\s*\.\s*getruntime\b`,
			`(?i)\bprocessbuilder\b`,
			`(?i)\b__import__\s*\(`,
			`(?i)\$\{\s*jndi\s*:`,
		),
	},
}

// Filter classifies requests against an ordered list of attack rules.
// It holds no per-request state and is safe for concurrent use.
type Filter struct {
	enabled        bool
	blockedMethods map[string]struct{}
	maxInspect     int
	blocked        atomic.Int64
}

// New creates a Filter from the security configuration.
func New(cfg config.SecurityConfig) *Filter {
	f := &Filter{
		enabled:        cfg.Enabled,
		blockedMethods: make(map[string]struct{}, len(cfg.BlockedMethods)),
		maxInspect:     cfg.MaxInspectBytes,
	}
	if f.maxInspect <= 0 {
		f.maxInspect = 8 << 10
	}
	for _, m := range cfg.BlockedMethods {
		f.blockedMethods[strings.ToUpper(m)] = struct{}{}
	}
	return f
}

// MaxInspectBytes is the body prefix length the filter examines.
func (f *Filter) MaxInspectBytes() int { return f.maxInspect }

// Classify checks the method, then path, query, body prefix and selected
// headers against each rule in order. Percent-encoded input is checked both
// raw and decoded.
func (f *Filter) Classify(method, path, rawQuery string, headers http.Header, body []byte) Verdict {
	if !f.enabled {
		return Verdict{}
	}
	if _, ok := f.blockedMethods[strings.ToUpper(method)]; ok {
		f.blocked.Add(1)
		return Verdict{Blocked: true, Reason: ReasonMethodNotAllowed, Target: "method"}
	}

	if len(body) > f.maxInspect {
		body = body[:f.maxInspect]
	}

	type target struct {
		name   string
		values []string
	}
	targets := []target{
		{"path", decodedVariants(path, url.PathUnescape)},
		{"query", decodedVariants(rawQuery, url.QueryUnescape)},
	}
	if len(body) > 0 {
		targets = append(targets, target{"body", decodedVariants(string(body), url.QueryUnescape)})
	}
	for _, h := range inspectedHeaders {
		if v := headers.Get(h); v != "" {
			targets = append(targets, target{h, decodedVariants(v, url.QueryUnescape)})
		}
	}

	for _, r := range rules {
		for _, t := range targets {
			if r.pathOnly && t.name != "path" {
				continue
			}
			for _, v := range t.values {
				if r.match(v) {
					f.blocked.Add(1)
					return Verdict{Blocked: true, Reason: r.reason, Target: t.name}
				}
			}
		}
	}
	return Verdict{}
}

// Blocked returns the number of blocked requests.
func (f *Filter) Blocked() int64 {
	return f.blocked.Load()
}

// decodedVariants returns s followed by up to maxDecodePasses distinct
// decodings of it.
func decodedVariants(s string, unescape func(string) (string, error)) []string {
	out := []string{s}
	cur := s
	for i := 0; i < maxDecodePasses; i++ {
		if !strings.ContainsAny(cur, "%+") {
			break
		}
		next, err := unescape(cur)
		if err != nil || next == cur {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}
