package events

// GPIOConfig maps peripheral-detect lines on one chip to event kinds.
type GPIOConfig struct {
	Chip      string
	Lines     map[Kind]int
	ActiveLow bool
	// DebounceMS filters contact bounce on the detect switches; 0 disables.
	DebounceMS int
}
