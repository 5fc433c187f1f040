package intel

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{7,18}\d`)
	urlRe   = regexp.MustCompile(`(?i)https?://[^\s"'<>)\]]+`)
	upiRe   = regexp.MustCompile(`(?i)\b[a-z0-9._-]{2,}@(?:ybl|ibl|axl|apl|upi|paytm|okaxis|oksbi|okhdfcbank|okicici|airtel|freecharge|sbi|yapl|ptsbi|ptaxis|pthdfc|ptyes)\b`)
	ifscRe  = regexp.MustCompile(`\b[A-Za-z]{4}0[A-Za-z0-9]{6}\b`)
	emailRe = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	digitRe = regexp.MustCompile(`\b\d{9,18}\b`)
	sepRe   = regexp.MustCompile(`[\s\-().]`)
)

// canonicalPhone strips separators and keeps 10–15 digit runs.
func canonicalPhone(raw string) string {
	digits := sepRe.ReplaceAllString(raw, "")
	digits = strings.TrimPrefix(digits, "+")
	if n := len(digits); n < 10 || n > 15 {
		return ""
	}
	return digits
}

// canonicalURL lowercases scheme and host, preserving path and query casing.
func canonicalURL(raw string) string {
	raw = strings.TrimRight(raw, ".,;:!?")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// regexFindings holds the stage-A output before canonical merge.
type regexFindings struct {
	entities    []Entity
	keywordHits []keywordHit
}

type keywordHit struct {
	word     string
	severity float64
}

// regexExtract applies the deterministic recognisers to one utterance.
func regexExtract(text, language string) regexFindings {
	var out regexFindings
	add := func(kind EntityKind, value string, conf float64) {
		if value == "" {
			return
		}
		for _, e := range out.entities {
			if e.Kind == kind && e.Value == value {
				return
			}
		}
		out.entities = append(out.entities, Entity{Kind: kind, Value: value, Confidence: conf})
	}

	masked := text
	for _, m := range urlRe.FindAllString(text, -1) {
		add(EntityURL, canonicalURL(m), 0.95)
		masked = strings.Replace(masked, m, " ", 1)
	}
	for _, m := range emailRe.FindAllString(masked, -1) {
		add(EntityEmail, strings.ToLower(m), 0.9)
	}
	for _, m := range upiRe.FindAllString(masked, -1) {
		add(EntityUPIHandle, strings.ToLower(m), 0.9)
	}
	for _, m := range ifscRe.FindAllString(masked, -1) {
		add(EntityIFSCCode, strings.ToUpper(m), 0.9)
	}

	phones := map[string]bool{}
	for _, m := range phoneRe.FindAllString(masked, -1) {
		if c := canonicalPhone(m); c != "" {
			phones[c] = true
			add(EntityPhone, c, 0.85)
		}
	}
	// Bare digit runs not already claimed as phones read as account numbers.
	for _, m := range digitRe.FindAllString(masked, -1) {
		if phones[m] {
			continue
		}
		claimed := false
		for p := range phones {
			if strings.Contains(p, m) || strings.Contains(m, p) {
				claimed = true
				break
			}
		}
		if !claimed {
			add(EntityBankAccount, m, 0.6)
		}
	}

	norm := normalizeText(text)
	for word, severity := range lexiconFor(language) {
		if strings.Contains(norm, word) {
			add(EntityKeyword, word, 0.8)
			out.keywordHits = append(out.keywordHits, keywordHit{word: word, severity: severity})
		}
	}
	return out
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeText lowercases and collapses whitespace before keyword matching.
func normalizeText(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(text), " "))
}
