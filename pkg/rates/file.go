package rates

import (
	"fmt"
	"os"

	"github.com/meterline/creditledger/pkg/credits"
	"gopkg.in/yaml.v3"
)

type rateSheet struct {
	Version     int64           `yaml:"version"`
	DefaultCost int64           `yaml:"default_cost"`
	Override    bool            `yaml:"override"`
	Rates       []rateSheetRate `yaml:"rates"`
}

type rateSheetRate struct {
	Endpoint      string         `yaml:"endpoint"`
	Cost          int64          `yaml:"cost"`
	Active        *bool          `yaml:"active"`
	TierDiscounts map[string]int `yaml:"tier_discounts"`
}

// LoadFile parses a YAML rate sheet into a Config snapshot. Rates without an
// explicit active flag are active.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read rate sheet: %w", err)
	}
	return ParseSheet(raw)
}

// ParseSheet parses raw YAML rate sheet contents.
func ParseSheet(raw []byte) (Config, error) {
	var sheet rateSheet
	if err := yaml.Unmarshal(raw, &sheet); err != nil {
		return Config{}, fmt.Errorf("parse rate sheet: %w", err)
	}
	rateList := make([]Rate, 0, len(sheet.Rates))
	for _, row := range sheet.Rates {
		active := true
		if row.Active != nil {
			active = *row.Active
		}
		rateList = append(rateList, Rate{
			Endpoint:            row.Endpoint,
			Cost:                credits.Credits(row.Cost),
			Active:              active,
			TierDiscountPercent: row.TierDiscounts,
		})
	}
	return NewConfig(sheet.Version, credits.Credits(sheet.DefaultCost), sheet.Override, rateList)
}
