package registrar

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Tier prices names of exactly Length characters; the longest configured
// tier also covers everything above it.
type Tier struct {
	Length     int     `yaml:"length"`
	USDPerYear float64 `yaml:"usd_per_year"`
}

// Schedule is the length-tiered flat price list for registrations and
// renewals. Short names are scarce and priced accordingly.
type Schedule struct {
	Tiers []Tier `yaml:"tiers"`
}

// DefaultSchedule returns the standard 640/160/5 price ladder.
func DefaultSchedule() *Schedule {
	return &Schedule{Tiers: []Tier{
		{Length: 3, USDPerYear: 640},
		{Length: 4, USDPerYear: 160},
		{Length: 5, USDPerYear: 5},
	}}
}

// LoadSchedule reads a tier schedule from a YAML file.
func LoadSchedule(path string) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registrar: read pricing schedule: %w", err)
	}
	schedule := &Schedule{}
	if err := yaml.Unmarshal(raw, schedule); err != nil {
		return nil, fmt.Errorf("registrar: parse pricing schedule: %w", err)
	}
	if err := schedule.validate(); err != nil {
		return nil, err
	}
	sort.Slice(schedule.Tiers, func(i, j int) bool {
		return schedule.Tiers[i].Length < schedule.Tiers[j].Length
	})
	return schedule, nil
}

func (s *Schedule) validate() error {
	if len(s.Tiers) == 0 {
		return fmt.Errorf("registrar: pricing schedule has no tiers")
	}
	seen := make(map[int]struct{}, len(s.Tiers))
	for _, tier := range s.Tiers {
		if tier.Length <= 0 {
			return fmt.Errorf("registrar: tier length %d must be positive", tier.Length)
		}
		if tier.USDPerYear < 0 {
			return fmt.Errorf("registrar: tier %d has negative price", tier.Length)
		}
		if _, dup := seen[tier.Length]; dup {
			return fmt.Errorf("registrar: duplicate tier for length %d", tier.Length)
		}
		seen[tier.Length] = struct{}{}
	}
	return nil
}

// PriceUSD returns the yearly schedule price for the label multiplied by the
// requested number of years. Labels longer than the last tier use the last
// tier's rate; labels shorter than the first tier use the first tier's rate.
func (s *Schedule) PriceUSD(label string, years float64) float64 {
	if s == nil || len(s.Tiers) == 0 || years <= 0 {
		return 0
	}
	length := len([]rune(label))
	rate := s.Tiers[len(s.Tiers)-1].USDPerYear
	for _, tier := range s.Tiers {
		if length <= tier.Length {
			rate = tier.USDPerYear
			break
		}
	}
	return rate * years
}
