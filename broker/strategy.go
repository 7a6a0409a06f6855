package broker

// Strategy is how a connection attempt reaches the device.
type Strategy string

const (
	// StrategyDirectUnattended connects straight to the device identifier
	// without minting an upstream session. Only valid for devices which
	// accept connections without a human on the far end.
	StrategyDirectUnattended Strategy = "DirectUnattended"
	// StrategyBrokeredSession mints a time-boxed session via the provider
	// API and connects using the returned links.
	StrategyBrokeredSession Strategy = "BrokeredSession"
	// StrategyManualDirect is a direct connection to a manually entered
	// identifier. There is no device record so no capability inference
	// happens; the operator may supply a password, and is otherwise
	// expected to accept the connection on the far end.
	StrategyManualDirect Strategy = "ManualDirect"
)

// SelectStrategy decides how to connect to a device. Pure: no side effects.
// A nil device means the operator typed an identifier by hand.
func SelectStrategy(device *Device) Strategy {
	if device == nil {
		return StrategyManualDirect
	}
	if device.SupportsUnattended {
		return StrategyDirectUnattended
	}
	return StrategyBrokeredSession
}
