// Package deeplink converts raw callback URLs delivered by the OS into
// token payloads. Callbacks arrive in several encodings depending on the
// platform and the browser that closed the OAuth handshake.
package deeplink

import (
	"net/url"
	"regexp"
	"strings"

	"modli.app/internal/obs"
)

const (
	// Scheme is the app's production deep-link scheme.
	Scheme = "modli"

	// Dev-tooling schemes open the development client, never a real callback.
	devScheme       = "exp"
	devSchemeSecure = "exps"
)

// Payload is the parsed result of one raw URL. Token fields are either both
// set or both empty; FlowType may survive alone (e.g. a recovery link whose
// tokens were stripped).
type Payload struct {
	AccessToken  string
	RefreshToken string
	FlowType     string
}

// HasTokens reports whether the payload carries a usable token pair.
func (p Payload) HasTokens() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

var (
	accessRe  = regexp.MustCompile(`access_token=([^&#\s]+)`)
	refreshRe = regexp.MustCompile(`refresh_token=([^&#\s]+)`)
	typeRe    = regexp.MustCompile(`(?:^|[?&#])type=([^&#\s]+)`)
)

// Parse extracts a token payload from a raw URL string. It tolerates
// malformed input: any internal failure degrades to an empty payload and a
// log line, never a panic.
func Parse(raw string) (p Payload) {
	defer func() {
		if r := recover(); r != nil {
			obs.LogEvent("deeplink.parse_panic", map[string]any{"recovered": r})
			p = Payload{}
		}
	}()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		obs.CountParse("none")
		return Payload{}
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, devScheme+"://") || strings.HasPrefix(lower, devSchemeSecure+"://") {
		obs.CountParse("dev_ignored")
		return Payload{}
	}

	switch {
	case strings.HasPrefix(lower, "intent://"):
		p = parseIntent(raw)
		obs.CountParse("intent")
	case strings.HasPrefix(lower, Scheme+"://"):
		var encoding string
		p, encoding = parseCustomScheme(raw)
		obs.CountParse(encoding)
	case strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://"):
		var encoding string
		p, encoding = parseUniversal(raw)
		obs.CountParse(encoding)
	default:
		obs.CountParse("none")
	}

	if !p.HasTokens() && looksLikeCallback(lower) {
		obs.LogEvent("deeplink.unparsed_callback", map[string]any{"url_prefix": prefixForLog(raw)})
	}
	return p
}

// parseIntent handles Android intent URIs: the token parameters sit in the
// query segment between the path and the trailing "#Intent;...;end" block.
func parseIntent(raw string) Payload {
	body := raw
	if i := strings.Index(body, "#Intent"); i >= 0 {
		body = body[:i]
	}
	q := ""
	if i := strings.Index(body, "?"); i >= 0 {
		q = body[i+1:]
	}
	return fromQueryString(q)
}

func parseCustomScheme(raw string) (Payload, string) {
	rest := raw[len(Scheme)+len("://"):]
	if i := strings.Index(rest, "?"); i >= 0 {
		q := rest[i+1:]
		frag := ""
		if j := strings.Index(q, "#"); j >= 0 {
			q, frag = q[:j], q[j+1:]
		}
		p := fromQueryString(q)
		if p.FlowType == "" && frag != "" {
			if fp := fromQueryString(frag); fp.FlowType != "" {
				p.FlowType = fp.FlowType
			}
		}
		return p, "scheme_query"
	}
	if i := strings.Index(rest, "#"); i >= 0 {
		return fromQueryString(rest[i+1:]), "scheme_fragment"
	}
	return Payload{}, "scheme_query"
}

// parseUniversal handles HTTPS universal links. The fragment takes priority
// over the query string; unparseable URLs fall back to a raw regex scan.
func parseUniversal(raw string) (Payload, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return regexScan(raw), "fallback"
	}
	if frag := u.EscapedFragment(); frag != "" {
		if p := fromQueryString(frag); p.HasTokens() {
			return p, "universal"
		}
	}
	p := fromQueryString(u.RawQuery)
	if !p.HasTokens() && p.FlowType == "" {
		// Preserve a flow-type marker found in the fragment.
		if fp := fromQueryString(u.EscapedFragment()); fp.FlowType != "" {
			p.FlowType = fp.FlowType
		}
	}
	return p, "universal"
}

func fromQueryString(q string) Payload {
	if q == "" {
		return Payload{}
	}
	vals, err := url.ParseQuery(q)
	if err != nil {
		return regexScan(q)
	}
	return normalize(vals.Get("access_token"), vals.Get("refresh_token"), vals.Get("type"))
}

// regexScan is the last-resort strategy: pull the token substrings straight
// out of the raw string and URL-decode them.
func regexScan(raw string) Payload {
	access := decodeMatch(accessRe, raw)
	refresh := decodeMatch(refreshRe, raw)
	flowType := decodeMatch(typeRe, raw)
	return normalize(access, refresh, flowType)
}

func decodeMatch(re *regexp.Regexp, raw string) string {
	m := re.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	if decoded, err := url.QueryUnescape(m[1]); err == nil {
		return decoded
	}
	return m[1]
}

// normalize enforces the all-or-nothing token rule: a payload with only one
// of the two tokens is a malformed link, not a usable session.
func normalize(access, refresh, flowType string) Payload {
	if access == "" || refresh == "" {
		return Payload{FlowType: flowType}
	}
	return Payload{AccessToken: access, RefreshToken: refresh, FlowType: flowType}
}

func looksLikeCallback(lower string) bool {
	return strings.Contains(lower, "auth/callback") || strings.Contains(lower, "access_token")
}

// prefixForLog truncates the URL so tokens never land in logs whole.
func prefixForLog(raw string) string {
	const max = 48
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "..."
}
