package ratelimit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SirClappington/docpipe/internal/domain"
)

// Window is a sliding-window ceiling.
type Window struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// Limits holds the per-dimension ceilings for one tier.
type Limits struct {
	User Window `yaml:"user"`
	IP   Window `yaml:"ip"`
}

// Policy maps tiers to limits, with tighter overrides per endpoint class.
// Tiers missing from a map fall back to the anonymous entry.
type Policy struct {
	Tiers     map[domain.Tier]Limits            `yaml:"tiers"`
	Endpoints map[string]map[domain.Tier]Limits `yaml:"endpoints"`

	mu    sync.RWMutex
	cache map[string]Limits
}

func minute(n int) Window { return Window{Window: time.Minute, MaxRequests: n} }

// DefaultPolicy is used when no policy file is configured. The auth class is
// not routed by this service; it is kept for the gateway's login endpoints,
// which share the limiter through Middleware.
func DefaultPolicy() *Policy {
	return &Policy{
		Tiers: map[domain.Tier]Limits{
			domain.TierAnonymous: {User: minute(10), IP: minute(20)},
			domain.TierFree:      {User: minute(10), IP: minute(60)},
			domain.TierBasic:     {User: minute(25), IP: minute(100)},
			domain.TierPro:       {User: minute(50), IP: minute(200)},
			domain.TierPremium:   {User: minute(120), IP: minute(400)},
		},
		Endpoints: map[string]map[domain.Tier]Limits{
			"auth": {
				domain.TierAnonymous: {User: minute(5), IP: minute(10)},
			},
			"submit": {
				domain.TierAnonymous: {User: minute(5), IP: minute(10)},
				domain.TierFree:      {User: minute(10), IP: minute(30)},
				domain.TierBasic:     {User: minute(20), IP: minute(60)},
				domain.TierPro:       {User: minute(30), IP: minute(120)},
				domain.TierPremium:   {User: minute(60), IP: minute(240)},
			},
			"webhooks": {
				domain.TierAnonymous: {User: minute(10), IP: minute(30)},
				domain.TierPro:       {User: minute(30), IP: minute(60)},
				domain.TierPremium:   {User: minute(60), IP: minute(120)},
			},
		},
	}
}

// LoadPolicyFile reads a YAML policy. Durations use Go syntax ("1m", "30s").
func LoadPolicyFile(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse rate limit policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit policy %s: %w", path, err)
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	if _, ok := p.Tiers[domain.TierAnonymous]; !ok {
		return domain.Invalid("tiers", "an anonymous entry is required as the fallback")
	}
	check := func(where string, l Limits) error {
		for dim, w := range map[string]Window{"user": l.User, "ip": l.IP} {
			if w.Window <= 0 || w.MaxRequests <= 0 {
				return domain.Invalid(where+"."+dim, "window and max_requests must be positive")
			}
		}
		return nil
	}
	for t, l := range p.Tiers {
		if err := check(string(t), l); err != nil {
			return err
		}
	}
	for ep, tiers := range p.Endpoints {
		for t, l := range tiers {
			if err := check(ep+"."+string(t), l); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve returns the limits for endpoint and tier. The endpoint override is
// taken from the tier entry, then the anonymous entry; otherwise the global
// tier table applies. Results are cached per process.
func (p *Policy) Resolve(endpoint string, tier domain.Tier) Limits {
	key := endpoint + "|" + string(tier)
	p.mu.RLock()
	l, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return l
	}

	l = p.resolve(endpoint, tier)
	p.mu.Lock()
	if p.cache == nil {
		p.cache = map[string]Limits{}
	}
	p.cache[key] = l
	p.mu.Unlock()
	return l
}

func (p *Policy) resolve(endpoint string, tier domain.Tier) Limits {
	if overrides, ok := p.Endpoints[endpoint]; ok {
		if l, ok := overrides[tier]; ok {
			return l
		}
		if l, ok := overrides[domain.TierAnonymous]; ok {
			base, found := p.Tiers[tier]
			if !found {
				return l
			}
			return Limits{User: tighter(base.User, l.User), IP: tighter(base.IP, l.IP)}
		}
	}
	if l, ok := p.Tiers[tier]; ok {
		return l
	}
	return p.Tiers[domain.TierAnonymous]
}

// tighter picks the window allowing the lower request rate.
func tighter(a, b Window) Window {
	if float64(a.MaxRequests)/a.Window.Seconds() <= float64(b.MaxRequests)/b.Window.Seconds() {
		return a
	}
	return b
}
