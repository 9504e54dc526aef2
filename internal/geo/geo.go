// Package geo derives network-level quality signals for a session: VPN/proxy
// indicators, datacenter origin, blacklisted referrers, bot user agents and
// timezone mismatch. In production, pair the CIDR heuristics with a proper IP
// intelligence database such as MaxMind or IPinfo.
package geo

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Signals is the immutable network analysis for one session. Missing inputs
// leave the corresponding signal false; analysis never fails.
type Signals struct {
	VPN                 bool   `json:"vpn"`
	Datacenter          bool   `json:"datacenter"`
	BlacklistedReferrer bool   `json:"blacklistedReferrer"`
	BotUserAgent        bool   `json:"botUserAgent"`
	TimezoneMismatch    bool   `json:"timezoneMismatch"`
	ReferrerHost        string `json:"referrerHost,omitempty"`
}

// Known datacenter/cloud CIDR ranges. The list is coarse; a datacenter
// origin is one signal among several, never a verdict on its own.
var datacenterCIDRs = []string{
	// AWS
	"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "34.0.0.0/8", "35.0.0.0/8",
	"52.0.0.0/8", "54.0.0.0/8",
	// Google Cloud
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	// Azure
	"13.64.0.0/11", "20.0.0.0/8", "40.64.0.0/10", "52.224.0.0/11",
	// DigitalOcean
	"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
	"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
	"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "164.90.0.0/16",
	"165.22.0.0/16", "165.227.0.0/16", "167.71.0.0/16", "167.99.0.0/16",
	"178.128.0.0/16", "188.166.0.0/16", "192.241.0.0/16", "206.189.0.0/16",
	// Linode
	"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "139.162.0.0/16",
	"172.104.0.0/15", "173.255.192.0/18",
	// Vultr
	"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16",
	"108.61.0.0/16", "140.82.0.0/16", "144.202.0.0/16", "149.28.0.0/16",
	// Hetzner
	"5.9.0.0/16", "23.88.0.0/14", "46.4.0.0/14", "78.46.0.0/15",
	"88.99.0.0/16", "95.216.0.0/14", "116.202.0.0/15", "135.181.0.0/16",
	"136.243.0.0/16", "138.201.0.0/16", "144.76.0.0/16", "148.251.0.0/16",
	"157.90.0.0/16", "159.69.0.0/16", "168.119.0.0/16", "176.9.0.0/16",
	"178.63.0.0/16", "188.40.0.0/16", "195.201.0.0/16",
	// OVH
	"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16",
	"51.83.0.0/16", "51.91.0.0/16", "54.36.0.0/16", "54.37.0.0/16",
	"54.38.0.0/16", "91.134.0.0/16", "135.125.0.0/16", "137.74.0.0/16",
	"139.99.0.0/16", "141.94.0.0/16", "144.217.0.0/16", "145.239.0.0/16",
	"147.135.0.0/16", "149.56.0.0/16", "151.80.0.0/16", "158.69.0.0/16",
	"164.132.0.0/16", "167.114.0.0/16", "176.31.0.0/16", "178.32.0.0/15",
	"188.165.0.0/16", "192.99.0.0/16", "193.70.0.0/16", "213.186.32.0/19",
}

var datacenterNets []*net.IPNet

func init() {
	for _, cidr := range datacenterCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil {
			datacenterNets = append(datacenterNets, ipNet)
		}
	}
}

// Common VPN/proxy indicators in reverse DNS.
var vpnProxyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)vpn`),
	regexp.MustCompile(`(?i)proxy`),
	regexp.MustCompile(`(?i)tor-exit`),
	regexp.MustCompile(`(?i)exit-?node`),
	regexp.MustCompile(`(?i)anonymizer`),
	regexp.MustCompile(`(?i)hide-?my`),
	regexp.MustCompile(`(?i)tunnel`),
	regexp.MustCompile(`(?i)relay`),
}

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)webdriver`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java\/`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)axios`),
}

// Resolver abstracts reverse DNS so the analyzer is testable without network
// access.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	var r net.Resolver
	return r.LookupAddr(ctx, ip)
}

// Analyzer computes Signals for a session.
type Analyzer struct {
	resolver      Resolver
	lookupTimeout time.Duration
}

// NewAnalyzer returns an analyzer using the system resolver.
func NewAnalyzer() *Analyzer {
	return &Analyzer{resolver: netResolver{}, lookupTimeout: 2 * time.Second}
}

// NewAnalyzerWithResolver injects a resolver, for tests.
func NewAnalyzerWithResolver(r Resolver) *Analyzer {
	return &Analyzer{resolver: r, lookupTimeout: 2 * time.Second}
}

// Input carries the raw network facts known at session start.
type Input struct {
	IP             string
	Referrer       string
	UserAgent      string
	ClientTimezone string // reported by the browser, e.g. "Europe/Istanbul"
	IPTimezone     string // derived from IP geolocation, empty when unknown
	Blacklist      []string
	VPNDetection   bool
}

// Analyze derives the network signals. A reverse-DNS failure (or VPN
// detection being disabled) simply leaves the VPN signal false.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Signals {
	var sig Signals

	sig.ReferrerHost = referrerHost(in.Referrer)
	sig.BlacklistedReferrer = MatchesBlacklist(in.Referrer, in.Blacklist)
	sig.BotUserAgent = IsBotUserAgent(in.UserAgent)
	sig.Datacenter = IsDatacenterIP(in.IP)
	sig.TimezoneMismatch = in.IPTimezone != "" && in.ClientTimezone != "" &&
		!strings.EqualFold(in.IPTimezone, in.ClientTimezone)

	if in.VPNDetection && in.IP != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
		defer cancel()
		names, err := a.resolver.LookupAddr(lookupCtx, in.IP)
		if err == nil {
		outer:
			for _, name := range names {
				for _, pattern := range vpnProxyPatterns {
					if pattern.MatchString(name) {
						sig.VPN = true
						break outer
					}
				}
			}
		}
		// Datacenter origin doubles as a proxy hint when enabled.
		if sig.Datacenter {
			sig.VPN = true
		}
	}

	return sig
}

// IsDatacenterIP checks whether an IP belongs to a known hosting range.
func IsDatacenterIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range datacenterNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBotUserAgent reports whether the UA matches a known automation pattern.
func IsBotUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	for _, pattern := range botUAPatterns {
		if pattern.MatchString(ua) {
			return true
		}
	}
	return false
}

// MatchesBlacklist checks the referrer host (falling back to the raw string
// for non-URL referrers) against the configured blacklist. Matching is
// case-insensitive on host suffixes, so "suspicious.com" also covers
// "www.suspicious.com".
func MatchesBlacklist(referrer string, blacklist []string) bool {
	if referrer == "" || len(blacklist) == 0 {
		return false
	}

	host := referrerHost(referrer)
	if host == "" {
		host = strings.ToLower(referrer)
	}

	for _, entry := range blacklist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) || strings.Contains(host, entry) {
			return true
		}
	}
	return false
}

func referrerHost(referrer string) string {
	if referrer == "" {
		return ""
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Host == "" {
		return strings.ToLower(referrer)
	}
	return strings.ToLower(u.Hostname())
}
