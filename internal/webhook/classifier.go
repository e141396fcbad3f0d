package webhook

import (
	"net/netip"
	"strings"
	"time"
)

// Reason codes for rejected open events, in rule order.
const (
	RejectNotYetSent        = "not-yet-sent"
	RejectInvalidBeforeSend = "invalid-before-send"
	RejectLikelyPrefetch    = "likely-prefetch"
	RejectProviderFlagged   = "provider-flagged"
	RejectUAPattern         = "ua-pattern"
	RejectIPPattern         = "ip-pattern"
)

// PrefetchWindow is how soon after send an open is presumed to be a client
// pre-fetching the tracking pixel rather than a person reading the mail.
const PrefetchWindow = 2 * time.Minute

// OpenSignal is what the classifier sees for one open event.
type OpenSignal struct {
	Timestamp   time.Time
	SentAt      *time.Time
	MachineOpen bool
	UserAgent   string
	IP          string
}

// OpenRule is a named rejection predicate. Rules are evaluated in order and
// the first that fires decides the reason code.
type OpenRule struct {
	Name   string
	Reject func(OpenSignal) bool
}

// OpenClassifier decides whether an open event reflects a human reading the
// email. Everything it rejects is noise from privacy proxies, spam scanners
// and pixel pre-fetchers; rejected opens never touch open_count.
type OpenClassifier struct {
	rules []OpenRule
}

// User-agent substrings of known proxies, scanners and link-preview bots.
var proxyUserAgents = []string{
	"googleimageproxy",
	"ggpht.com",
	"yahoomailproxy",
	"mail.ru",
	"bot",
	"crawler",
	"spider",
	"slurp",
	"preview",
	"proxy",
	"scanner",
	"barracuda",
	"mimecast",
	"proofpoint",
}

// Source prefixes of known crawler/privacy-proxy fleets (Apple Mail Privacy
// Protection egress, Google image proxy fetchers).
var proxyPrefixes = []string{
	"17.57.144.0/22",
	"17.58.0.0/16",
	"66.102.0.0/20",
	"66.249.80.0/20",
	"64.233.160.0/19",
}

// NewOpenClassifier builds the default rule chain. Order matters: data
// integrity checks run before heuristics so a backwards timestamp is always
// reported as such, whatever else is wrong with the event.
func NewOpenClassifier() *OpenClassifier {
	prefixes := make([]netip.Prefix, 0, len(proxyPrefixes))
	for _, p := range proxyPrefixes {
		if pfx, err := netip.ParsePrefix(p); err == nil {
			prefixes = append(prefixes, pfx)
		}
	}

	return &OpenClassifier{
		rules: []OpenRule{
			{
				Name: RejectNotYetSent,
				Reject: func(s OpenSignal) bool {
					return s.SentAt == nil
				},
			},
			{
				Name: RejectInvalidBeforeSend,
				Reject: func(s OpenSignal) bool {
					return s.Timestamp.Before(*s.SentAt)
				},
			},
			{
				Name: RejectLikelyPrefetch,
				Reject: func(s OpenSignal) bool {
					return s.Timestamp.Sub(*s.SentAt) < PrefetchWindow
				},
			},
			{
				Name: RejectProviderFlagged,
				Reject: func(s OpenSignal) bool {
					return s.MachineOpen
				},
			},
			{
				Name: RejectUAPattern,
				Reject: func(s OpenSignal) bool {
					ua := strings.ToLower(s.UserAgent)
					for _, pattern := range proxyUserAgents {
						if strings.Contains(ua, pattern) {
							return true
						}
					}
					return false
				},
			},
			{
				Name: RejectIPPattern,
				Reject: func(s OpenSignal) bool {
					addr, err := netip.ParseAddr(s.IP)
					if err != nil {
						return false
					}
					for _, pfx := range prefixes {
						if pfx.Contains(addr) {
							return true
						}
					}
					return false
				},
			},
		},
	}
}

// Classify returns (true, "") for a genuine open, or (false, reason) with the
// name of the first rule that rejected it.
func (c *OpenClassifier) Classify(s OpenSignal) (bool, string) {
	for _, rule := range c.rules {
		if rule.Reject(s) {
			return false, rule.Name
		}
	}
	return true, ""
}
