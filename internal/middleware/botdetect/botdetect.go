package botdetect

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/wudi/bankgate/internal/config"
)

// Class is the classification of a User-Agent.
type Class int

const (
	Normal Class = iota
	KnownGood
	Suspicious
	KnownBad
)

func (c Class) String() string {
	switch c {
	case KnownGood:
		return "known_good"
	case Suspicious:
		return "suspicious"
	case KnownBad:
		return "known_bad"
	default:
		return "normal"
	}
}

// Default pattern lists. Operator-supplied patterns are appended.
var (
	defaultAllow = []string{
		`(?i)googlebot`, `(?i)bingbot`, `(?i)duckduckbot`, `(?i)yandexbot`,
		`(?i)baiduspider`, `(?i)applebot`, `(?i)slurp`,
	}
	defaultDeny = []string{
		`(?i)sqlmap`, `(?i)nikto`, `(?i)nmap`, `(?i)masscan`, `(?i)zgrab`,
		`(?i)acunetix`, `(?i)nessus`, `(?i)dirbuster`, `(?i)gobuster`,
		`(?i)wpscan`, `(?i)havij`, `(?i)netsparker`, `(?i)scrapy`,
		`(?i)httrack`, `(?i)semrushbot`, `(?i)ahrefsbot`, `(?i)mj12bot`,
	}
	defaultSuspicious = []string{
		`(?i)^curl/`, `(?i)^wget/`, `(?i)python-requests`, `(?i)python-urllib`,
		`(?i)go-http-client`, `(?i)^java/`, `(?i)libwww-perl`, `(?i)okhttp`,
		`(?i)^axios/`, `(?i)httpclient`,
	}
)

// BotDetector classifies User-Agent strings against allow, deny and
// suspicious regex lists. The allow list is consulted first.
type BotDetector struct {
	allow      []*regexp.Regexp
	deny       []*regexp.Regexp
	suspicious []*regexp.Regexp
	blocked    atomic.Int64
}

func compile(defaults, extra []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(defaults)+len(extra))
	for _, p := range append(append([]string(nil), defaults...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bot pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// New compiles a BotDetector from config.
func New(cfg config.SecurityConfig) (*BotDetector, error) {
	bd := &BotDetector{}
	var err error
	if bd.allow, err = compile(defaultAllow, cfg.AllowAgents); err != nil {
		return nil, err
	}
	if bd.deny, err = compile(defaultDeny, cfg.DenyAgents); err != nil {
		return nil, err
	}
	if bd.suspicious, err = compile(defaultSuspicious, cfg.SuspiciousAgents); err != nil {
		return nil, err
	}
	return bd, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Classify returns the class of a User-Agent. An empty agent is suspicious.
func (bd *BotDetector) Classify(ua string) Class {
	if ua != "" && matchAny(bd.allow, ua) {
		return KnownGood
	}
	if ua != "" && matchAny(bd.deny, ua) {
		bd.blocked.Add(1)
		return KnownBad
	}
	if ua == "" || matchAny(bd.suspicious, ua) {
		return Suspicious
	}
	return Normal
}

// Blocked returns the number of known-bad agents seen.
func (bd *BotDetector) Blocked() int64 {
	return bd.blocked.Load()
}
