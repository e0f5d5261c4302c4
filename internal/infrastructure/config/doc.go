// Package config handles loading and validating Odemis backend configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (ODEMIS_*)
//   - Validation of required fields and component declarations
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - An empty security.jwt.secret leaves container connections unauthenticated,
//     which is only suitable for a single-user microscope PC
//
// Usage:
//
//	cfg, err := config.Load("/etc/odemis/odemisd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Backend.Container)
package config
