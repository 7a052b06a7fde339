// Package config handles loading and validating carrelay configuration.
//
// This package manages:
//   - Built-in defaults that run the relay with no file at all
//   - Loading overrides from a YAML file
//   - Loading a local .env file before reading the environment
//   - Overriding with CARRELAY_* environment variables
//   - Validation of the combined result
//
// Optional integrations (mqtt, influxdb, redis) are disabled by default.
// Credentials for them should come from the environment, not the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/carrelay.yaml", true)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Addr())
package config
