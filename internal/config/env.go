package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BULBFLOW_"

func envString(key string, def string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		return d, nil
	}
	return def, nil
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		return b, nil
	}
	return def, nil
}

func envInt(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		return i, nil
	}
	return def, nil
}

func envFloat(key string, def float64) (float64, error) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		return f, nil
	}
	return def, nil
}
