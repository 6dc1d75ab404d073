package main

import (
	"strings"
	"time"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// durationFlagOrEnv prefers an explicitly set flag, then the environment, so
// zero-valued flags do not shadow deployed config.
func durationFlagOrEnv(flag time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return env.Duration(envKey, fallback)
}

func intFlagOrEnv(flag int, envKey string, fallback int) int {
	if flag > 0 {
		return flag
	}
	return env.Int(envKey, fallback)
}
