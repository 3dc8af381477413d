package demoapi

// Config holds configuration for the demo API.
type Config struct {
	// Port is the port on which the demo API listens.
	Port int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Port: 9999}
}
