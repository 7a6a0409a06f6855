package broker

import (
	"testing"
)

// The full cross-product of {supports unattended true/false} x {record
// present/absent}. No device may ever produce both a direct URI and a
// brokered session in the same attempt, so the selector must be total and
// unambiguous.
func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name   string
		device *Device
		want   Strategy
	}{
		{"unattended device", &Device{RemoteID: "579487224", SupportsUnattended: true}, StrategyDirectUnattended},
		{"attended device", &Device{RemoteID: "579487224", SupportsUnattended: false}, StrategyBrokeredSession},
		{"no record", nil, StrategyManualDirect},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SelectStrategy(c.device)
			if got != c.want {
				t.Errorf("SelectStrategy = %q, want %q", got, c.want)
			}
			// pure: calling again gives the same answer and mutates nothing
			if again := SelectStrategy(c.device); again != got {
				t.Errorf("SelectStrategy not stable: %q then %q", got, again)
			}
		})
	}
}
