package merge

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy names a policy for turning a conflict into one new version.
type Strategy string

const (
	StrategyManual        Strategy = "manual"
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategySmartMerge    Strategy = "smart-merge"
	StrategySemanticMerge Strategy = "semantic-merge"
)

var ErrUnknownStrategy = errors.New("merge: unknown strategy")

// Strategies lists every supported strategy.
var Strategies = []Strategy{StrategyManual, StrategyLastWriteWins, StrategySmartMerge, StrategySemanticMerge}

// ParseStrategy accepts the canonical names case-insensitively, with '_' in
// place of '-' tolerated.
func ParseStrategy(s string) (Strategy, error) {
	norm := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, st := range Strategies {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

func (s Strategy) String() string { return string(s) }
