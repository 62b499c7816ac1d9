package chainsync

import "time"

const MinTickerDuration = 100 * time.Millisecond

type Config struct {
	// FrequencyToCheckNewBlocks is the polling interval for new chain
	// head observations
	FrequencyToCheckNewBlocks time.Duration

	// StartBlock is where a chain with no stored cursor begins; 0 means
	// the current head at startup
	StartBlock uint64
}

func (cfg Config) withDefaults() Config {
	if cfg.FrequencyToCheckNewBlocks < MinTickerDuration {
		cfg.FrequencyToCheckNewBlocks = time.Second
	}
	return cfg
}
