// Package config loads the dashlink YAML configuration.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so secrets such as the journal database password can stay out of the file.
package config
