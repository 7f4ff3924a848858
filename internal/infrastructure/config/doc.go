// Package config handles loading and validating chainkeeper configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (CHAINKEEPER_*)
//   - Validation of required fields
//   - Default value handling
//
// The chain definitions table is not part of this package; it lives in its
// own file (paths.chains_file) and is loaded by the chain package.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Paths.InstallRoot)
package config
