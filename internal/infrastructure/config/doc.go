// Package config handles loading and validating thermostatd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with THERMOSTAT_* environment variables
//   - Validation of required fields, collecting every problem at once
//   - Default value handling
//
// Security Considerations:
//   - Secrets (MQTT password, InfluxDB token, JWT secret) should be set via
//     environment variables rather than committed in the YAML file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.GetReconcileInterval())
package config
