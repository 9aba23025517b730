// Package rates maps endpoint identifiers and account tiers to credit costs
// against an immutable, versioned rate configuration.
package rates

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meterline/creditledger/pkg/credits"
)

var (
	ErrInvalidRate       = errors.New("invalid rate")
	ErrInvalidRateConfig = errors.New("invalid rate config")
)

// Rate prices a single endpoint. TierDiscountPercent maps an account tier to
// a discount percentage in [0,100] applied to the base cost.
type Rate struct {
	Endpoint            string
	Cost                credits.Credits
	Active              bool
	TierDiscountPercent map[string]int
}

// Validate checks a rate row.
func (rate Rate) Validate() error {
	if strings.TrimSpace(rate.Endpoint) == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidRate)
	}
	if rate.Cost <= 0 {
		return fmt.Errorf("%w: cost must be positive for %q", ErrInvalidRate, rate.Endpoint)
	}
	for tier, discount := range rate.TierDiscountPercent {
		if discount < 0 || discount > 100 {
			return fmt.Errorf("%w: discount %d out of range for %q tier %q", ErrInvalidRate, discount, rate.Endpoint, tier)
		}
	}
	return nil
}

// Config is an immutable snapshot of the rate configuration. Snapshots are
// replaced wholesale; the version distinguishes one snapshot from the next.
type Config struct {
	version     int64
	defaultCost credits.Credits
	override    bool
	rates       map[string]Rate
}

// NewConfig validates and builds a snapshot.
func NewConfig(version int64, defaultCost credits.Credits, override bool, rateList []Rate) (Config, error) {
	if version <= 0 {
		return Config{}, fmt.Errorf("%w: version must be positive", ErrInvalidRateConfig)
	}
	if defaultCost <= 0 {
		return Config{}, fmt.Errorf("%w: default cost must be positive", ErrInvalidRateConfig)
	}
	rateMap := make(map[string]Rate, len(rateList))
	for _, rate := range rateList {
		if err := rate.Validate(); err != nil {
			return Config{}, err
		}
		if _, exists := rateMap[rate.Endpoint]; exists {
			return Config{}, fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidRateConfig, rate.Endpoint)
		}
		rateMap[rate.Endpoint] = rate
	}
	return Config{version: version, defaultCost: defaultCost, override: override, rates: rateMap}, nil
}

// DefaultConfig is the snapshot used before any rate sheet is applied: every
// resolution falls through to a default cost of one credit.
func DefaultConfig() Config {
	return Config{version: 1, defaultCost: 1, rates: map[string]Rate{}}
}

// Version returns the snapshot version.
func (config Config) Version() int64 {
	return config.version
}

// DefaultCost returns the cost applied when no active rate matches.
func (config Config) DefaultCost() credits.Credits {
	return config.defaultCost
}

// Override reports whether the administrative override flag is set, which
// bypasses cost resolution entirely.
func (config Config) Override() bool {
	return config.override
}

// Rates returns the configured rates in unspecified order.
func (config Config) Rates() []Rate {
	rateList := make([]Rate, 0, len(config.rates))
	for _, rate := range config.rates {
		rateList = append(rateList, rate)
	}
	return rateList
}

func (config Config) lookup(endpoint string) (Rate, bool) {
	rate, ok := config.rates[endpoint]
	return rate, ok
}
