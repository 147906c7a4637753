package merge

import (
	"errors"
	"testing"
)

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"manual":          StrategyManual,
		"last-write-wins": StrategyLastWriteWins,
		"LAST_WRITE_WINS": StrategyLastWriteWins,
		" smart-merge ":   StrategySmartMerge,
		"semantic_merge":  StrategySemanticMerge,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		if err != nil {
			t.Fatalf("ParseStrategy(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseStrategy(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseStrategy("ours"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("ParseStrategy(ours) error = %v, want ErrUnknownStrategy", err)
	}
}
