package collection

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTier          = errors.New("unknown tier")
	ErrInvalidTierPromotion = errors.New("target tier must outrank current tier")
)

// Tier describes one rung of the collection's rarity ladder.
type Tier struct {
	Name         string      `json:"name"`
	Level        uint8       `json:"level"` // higher outranks lower
	Attributes   []Attribute `json:"attributes"`
	Requirements []string    `json:"requirements"`
}

// The ladder is fixed. Handlers look tiers up by name and never invent
// new ones, so an unknown name is a hard error rather than a default.
var tiers = map[string]Tier{
	"Bronze": {
		Name:  "Bronze",
		Level: 1,
		Attributes: []Attribute{
			{Key: "Boost", Value: "5%"},
			{Key: "Benefits", Value: "Basic Access"},
		},
		Requirements: []string{"Hold for 30 days"},
	},
	"Silver": {
		Name:  "Silver",
		Level: 2,
		Attributes: []Attribute{
			{Key: "Boost", Value: "15%"},
			{Key: "Benefits", Value: "Priority Support"},
		},
		Requirements: []string{"Hold for 90 days", "Active participation"},
	},
	"Gold": {
		Name:  "Gold",
		Level: 3,
		Attributes: []Attribute{
			{Key: "Boost", Value: "30%"},
			{Key: "Benefits", Value: "VIP Access"},
		},
		Requirements: []string{"Hold for 180 days", "Community contributor"},
	},
	"Platinum": {
		Name:  "Platinum",
		Level: 4,
		Attributes: []Attribute{
			{Key: "Boost", Value: "50%"},
			{Key: "Benefits", Value: "Exclusive Events"},
		},
		Requirements: []string{"Hold for 365 days", "Top 1% holder"},
	},
}

// TierByName resolves a tier or fails with ErrInvalidTier.
func TierByName(name string) (Tier, error) {
	tier, ok := tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrInvalidTier, name)
	}
	return tier, nil
}

// ValidatePromotion checks that moving from one tier to another goes
// strictly up the ladder.
func ValidatePromotion(fromName, toName string) (from, to Tier, err error) {
	from, err = TierByName(fromName)
	if err != nil {
		return Tier{}, Tier{}, err
	}
	to, err = TierByName(toName)
	if err != nil {
		return Tier{}, Tier{}, err
	}
	if to.Level <= from.Level {
		return Tier{}, Tier{}, fmt.Errorf("%w: %s(%d) -> %s(%d)", ErrInvalidTierPromotion, from.Name, from.Level, to.Name, to.Level)
	}
	return from, to, nil
}
