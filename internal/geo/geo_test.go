package geo

import (
	"context"
	"errors"
	"testing"
)

type fakeResolver struct {
	names map[string][]string
}

func (f fakeResolver) LookupAddr(_ context.Context, ip string) ([]string, error) {
	if names, ok := f.names[ip]; ok {
		return names, nil
	}
	return nil, errors.New("nxdomain")
}

func TestVPNDetectionViaReverseDNS(t *testing.T) {
	a := NewAnalyzerWithResolver(fakeResolver{names: map[string][]string{
		"203.0.113.9": {"customer.fast-vpn.example.net."},
		"203.0.113.7": {"host7.residential.example.net."},
	}})

	sig := a.Analyze(context.Background(), Input{IP: "203.0.113.9", VPNDetection: true})
	if !sig.VPN {
		t.Error("expected VPN signal for vpn hostname")
	}

	sig = a.Analyze(context.Background(), Input{IP: "203.0.113.7", VPNDetection: true})
	if sig.VPN {
		t.Error("unexpected VPN signal for residential hostname")
	}

	// Detection disabled: signal stays false even for a VPN hostname.
	sig = a.Analyze(context.Background(), Input{IP: "203.0.113.9", VPNDetection: false})
	if sig.VPN {
		t.Error("VPN signal set while detection disabled")
	}
}

func TestDatacenterIP(t *testing.T) {
	if !IsDatacenterIP("52.10.20.30") {
		t.Error("AWS range not recognized as datacenter")
	}
	if IsDatacenterIP("80.1.2.3") {
		t.Error("non-datacenter IP misclassified")
	}
	if IsDatacenterIP("not-an-ip") {
		t.Error("garbage input misclassified")
	}
}

func TestMatchesBlacklist(t *testing.T) {
	blacklist := []string{"suspicious.com"}

	cases := []struct {
		referrer string
		want     bool
	}{
		{"https://suspicious.com/landing", true},
		{"https://www.suspicious.com/", true},
		{"http://SUSPICIOUS.COM", true},
		{"suspicious.com", true},
		{"https://legit.example.org/", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := MatchesBlacklist(tc.referrer, blacklist); got != tc.want {
			t.Errorf("MatchesBlacklist(%q) = %v, want %v", tc.referrer, got, tc.want)
		}
	}

	if MatchesBlacklist("https://suspicious.com/", nil) {
		t.Error("empty blacklist must match nothing")
	}
}

func TestBotUserAgent(t *testing.T) {
	bots := []string{
		"Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/119.0",
		"python-requests/2.31.0",
		"curl/8.4.0",
		"Googlebot/2.1",
	}
	for _, ua := range bots {
		if !IsBotUserAgent(ua) {
			t.Errorf("UA %q not flagged as bot", ua)
		}
	}

	human := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	if IsBotUserAgent(human) {
		t.Errorf("human UA flagged as bot")
	}
	if IsBotUserAgent("") {
		t.Error("empty UA flagged as bot")
	}
}

func TestTimezoneMismatch(t *testing.T) {
	a := NewAnalyzerWithResolver(fakeResolver{})

	sig := a.Analyze(context.Background(), Input{
		ClientTimezone: "Europe/Istanbul",
		IPTimezone:     "Europe/Amsterdam",
	})
	if !sig.TimezoneMismatch {
		t.Error("expected timezone mismatch")
	}

	sig = a.Analyze(context.Background(), Input{
		ClientTimezone: "Europe/Berlin",
		IPTimezone:     "europe/berlin",
	})
	if sig.TimezoneMismatch {
		t.Error("case-insensitive equality misreported as mismatch")
	}

	// Missing IP-side timezone: condition is not evaluated.
	sig = a.Analyze(context.Background(), Input{ClientTimezone: "Europe/Berlin"})
	if sig.TimezoneMismatch {
		t.Error("mismatch reported with missing IP timezone")
	}
}
