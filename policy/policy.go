// Package policy decides what happens to a request: forwarded, blocked
// against the declarative lists, or held for human review.
package policy

import (
	"strings"

	"github.com/warden-proxy/warden/httpmsg"
)

// Mode selects between interactive review and list-only filtering.
type Mode string

const (
	// ModeIntercept holds every request passing the blocklists for
	// human review.
	ModeIntercept Mode = "intercept"
	// ModeFilter decides every request from the blocklists alone.
	ModeFilter Mode = "filter"
)

// Decision is the outcome of an evaluation.
type Decision int

const (
	Allow Decision = iota
	Block
	Review
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Review:
		return "review"
	default:
		return "unknown"
	}
}

// Blocklists carries a consistent snapshot of the block configuration.
// Patterns are evaluated in insertion order; the first match wins.
type Blocklists struct {
	Domains  []string
	Keywords []string
}

// Evaluate is pure: the same request, mode and lists always produce
// the same decision.
func Evaluate(req *httpmsg.Request, mode Mode, lists Blocklists) Decision {
	if matchDomain(req.Host, lists.Domains) {
		return Block
	}
	if matchKeyword(req, lists.Keywords) {
		return Block
	}
	if mode == ModeIntercept {
		return Review
	}
	return Allow
}

// matchDomain tests host against each pattern. A bare name matches
// only itself; "*.example.com" matches any strict subdomain of
// example.com. Comparison ignores case. An IP-literal host can only
// match a pattern spelled identically.
func matchDomain(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(p, "*."); ok {
			if strings.HasSuffix(host, "."+rest) && len(host) > len(rest)+1 {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

// matchKeyword scans the path, every header value and the body for any
// keyword substring, case-insensitively and bytewise over UTF-8.
func matchKeyword(req *httpmsg.Request, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	path := strings.ToLower(req.Path())
	body := strings.ToLower(string(req.Body))
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(path, kw) || strings.Contains(body, kw) {
			return true
		}
		for _, f := range req.Header.Fields() {
			if strings.Contains(strings.ToLower(f.Value), kw) {
				return true
			}
		}
	}
	return false
}
