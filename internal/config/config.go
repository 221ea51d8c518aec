// Package config is the thin environment-variable layer shared by every
// service binary. All knobs default to sane local-dev values.
package config

import "os"

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
