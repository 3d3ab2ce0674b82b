package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	dnsforwarder "github.com/lifenjoiner/dnsforwarder"
)

// fileConfig mirrors spec.md §6's recognized configuration options, laid
// out as TOML sections the way the teacher's cmd/routedns/config.go lays
// out its resolver configuration.
type fileConfig struct {
	Cache    cacheConfig    `toml:"cache"`
	Upstream upstreamConfig `toml:"upstream"`
	Syslog   *syslogConfig  `toml:"syslog"`
}

type cacheConfig struct {
	Path         string              `toml:"path"`
	Size         int                 `toml:"size"`
	Reload       bool                `toml:"reload"`
	Overwrite    bool                `toml:"overwrite"`
	IgnoreTTL    bool                `toml:"ignore-ttl"`
	Parallel     bool                `toml:"parallel"`
	TTLState     string              `toml:"ttl-state"` // "no-cache", "original", "variable", "fixed"
	Coefficient  float64             `toml:"ttl-coefficient"`
	Increment    int32               `toml:"ttl-increment"`
	Fixed        uint32              `toml:"ttl-fixed"`
	EDNS         bool                `toml:"edns"`
	CacheControl []cacheControlRule  `toml:"cache-control"`
}

// cacheControlRule is one [[cache.cache-control]] entry: a per-domain TTL
// override with its own infection level, matching spec.md §4.7.
type cacheControlRule struct {
	Domain      string  `toml:"domain"`
	TTLState    string  `toml:"ttl-state"`
	Infection   string  `toml:"infection"` // "none", "passive", "aggressive"
	Coefficient float64 `toml:"ttl-coefficient"`
	Increment   int32   `toml:"ttl-increment"`
	Fixed       uint32  `toml:"ttl-fixed"`
}

type upstreamConfig struct {
	Services     []string `toml:"services"`
	SocksProxies []string `toml:"socks-proxies"`
	Parallel     bool     `toml:"parallel"`
	KeepAlive    bool     `toml:"keep-alive"`
}

type syslogConfig struct {
	Network  string `toml:"network"`
	Address  string `toml:"address"`
	Priority int    `toml:"priority"`
	Tag      string `toml:"tag"`
}

func loadConfig(path string) (*fileConfig, error) {
	var c fileConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = dnsforwarder.MinCacheSize
	}
	return &c, nil
}

func (c cacheConfig) ttlPolicy() dnsforwarder.TTLPolicy {
	return ttlState(c.TTLState, c.Coefficient, c.Increment, c.Fixed, dnsforwarder.InfectionNone)
}

// ttlTable builds the CacheControl rule table from the config's
// cache-control array, in file order (first match wins).
func (c cacheConfig) ttlTable() dnsforwarder.TTLTable {
	if len(c.CacheControl) == 0 {
		return nil
	}
	rules := make(dnsforwarder.TTLTable, 0, len(c.CacheControl))
	for _, r := range c.CacheControl {
		rules = append(rules, dnsforwarder.TTLRule{
			Pattern: r.Domain,
			Policy:  ttlState(r.TTLState, r.Coefficient, r.Increment, r.Fixed, infectionLevel(r.Infection)),
		})
	}
	return rules
}

func ttlState(state string, coefficient float64, increment int32, fixed uint32, infection dnsforwarder.Infection) dnsforwarder.TTLPolicy {
	switch state {
	case "no-cache":
		return dnsforwarder.TTLPolicy{State: dnsforwarder.TTLNoCache, Infection: infection}
	case "variable":
		return dnsforwarder.TTLPolicy{State: dnsforwarder.TTLVariable, Coefficient: coefficient, Increment: increment, Infection: infection}
	case "fixed":
		return dnsforwarder.TTLPolicy{State: dnsforwarder.TTLFixed, Fixed: fixed, Infection: infection}
	default:
		p := dnsforwarder.DefaultTTLPolicy()
		p.Infection = infection
		return p
	}
}

func infectionLevel(s string) dnsforwarder.Infection {
	switch s {
	case "aggressive":
		return dnsforwarder.InfectionAggressive
	case "passive":
		return dnsforwarder.InfectionPassive
	default:
		return dnsforwarder.InfectionNone
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
