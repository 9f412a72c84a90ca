// Package config handles loading and validating aquacore configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (AQUACORE_*)
//   - Validation of required fields
//   - Default value handling
//
// Both binaries (aquacore and aquabridge) read the same file so that channel
// names, Redis settings and command timeouts agree across processes.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The JWT secret is shared with the web tier that issues tokens
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Commands.TimeoutSeconds)
package config
