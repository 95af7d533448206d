package config

import (
	"strconv"
	"strings"
)

// SecurityConfig holds the admin API hardening settings
type SecurityConfig struct {
	AdminRateLimit     float64 // requests per second per IP
	AdminRateBurst     int
	CORSAllowedOrigins []string
	UseHSTS            bool
}

// LoadSecurityConfig loads security configuration from environment variables.
// Origins default to the frontend URL.
func LoadSecurityConfig(frontendURL, environment string) SecurityConfig {
	return SecurityConfig{
		AdminRateLimit:     getEnvFloat("ADMIN_RATE_LIMIT", 10),
		AdminRateBurst:     getEnvInt("ADMIN_RATE_BURST", 20),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{frontendURL}),
		UseHSTS:            getEnvBool("USE_HSTS", environment == "production"),
	}
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return defaultValue
	}
	return f
}

func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
