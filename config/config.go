// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
)

var (
	resetTokens    = pflag.Bool("reset-tokens", false, "Revokes every issued agent token on startup")
	validLogLevels = []string{"debug", "info", "warn", "error", "fatal"}
)

func genSecret() string {
	b := make([]byte, 64)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ResetTokens reports whether the --reset-tokens flag was passed.
func ResetTokens() bool {
	return *resetTokens
}

// Setup prepares everything config-related so that the app can
// start working. Function will return an error if something
// is critically wrong and the application can't run because of
// that.
func Setup() error {
	pflag.Parse()
	v.BindPFlags(pflag.CommandLine)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	//
	// ENVS
	//
	v.BindEnv("app.log_level", "app_log_level")

	v.BindEnv("host.port", "host_port")
	v.BindEnv("host.domain", "host_domain")

	v.BindEnv("host.ssl.enabled", "host_ssl_enabled")
	v.BindEnv("host.ssl.certificate_path", "host_ssl_certificate_path")
	v.BindEnv("host.ssl.certificate_key_path", "host_ssl_certificate_key_path")

	v.BindEnv("jwt.secret", "jwt_secret")

	v.BindEnv("jobs.history_cap", "jobs_history_cap")

	v.BindEnv("presence.stale_after", "presence_stale_after")
	v.BindEnv("presence.sweep_every", "presence_sweep_every")

	v.BindEnv("ratelimit.http_max", "ratelimit_http_max")
	v.BindEnv("ratelimit.http_window", "ratelimit_http_window")
	v.BindEnv("ratelimit.jobs_max", "ratelimit_jobs_max")
	v.BindEnv("ratelimit.jobs_window", "ratelimit_jobs_window")
	v.BindEnv("ratelimit.compact_every", "ratelimit_compact_every")

	v.BindEnv("cors.origins", "cors_origins")

	//
	// Defaults
	//
	v.SetDefault("app.log_level", "info")

	v.SetDefault("host.port", 8080)
	v.SetDefault("host.domain", "localhost")

	v.SetDefault("host.ssl.enabled", false)

	v.SetDefault("jobs.history_cap", 1000)

	v.SetDefault("presence.stale_after", "5m")
	v.SetDefault("presence.sweep_every", "60s")

	v.SetDefault("ratelimit.http_max", 100)
	v.SetDefault("ratelimit.http_window", "60s")
	v.SetDefault("ratelimit.jobs_max", 50)
	v.SetDefault("ratelimit.jobs_window", "60s")
	v.SetDefault("ratelimit.compact_every", "5m")

	v.SetDefault("cors.origins", []string{"http://localhost:5173"})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(v.ConfigFileNotFoundError); ok {
			return errors.New("config.toml file is missing")
		}

		return fmt.Errorf("failed to read config file, %w", err)
	}

	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return errors.New("invalid log level provided")
	}

	if v.GetInt("host.port") <= 0 {
		return errors.New("invalid port provided")
	}

	if v.GetBool("host.ssl.enabled") {
		if v.GetString("host.ssl.certificate_path") == "" {
			return errors.New("no ssl certificate path provided")
		}

		if v.GetString("host.ssl.certificate_key_path") == "" {
			return errors.New("no ssl certificate key path provided")
		}
	}

	if v.GetString("jwt.secret") == "" {
		fmt.Println("WARNING: You haven't set a JWT secret, so it has been generated for you. Please set it as an environment variable or in the config.toml file.\nYour random JWT secret:\n\n" + genSecret() + "\n\nPaste it into your config.toml file.")
		os.Exit(0)
	}

	if v.GetInt("jobs.history_cap") <= 0 {
		return errors.New("jobs.history_cap must be bigger than 0")
	}

	if v.GetDuration("presence.stale_after") <= 0 {
		return errors.New("presence.stale_after must be a positive duration")
	}

	if v.GetDuration("presence.sweep_every") <= 0 {
		return errors.New("presence.sweep_every must be a positive duration")
	}

	if v.GetInt("ratelimit.http_max") <= 0 || v.GetInt("ratelimit.jobs_max") <= 0 {
		return errors.New("rate limits must be bigger than 0")
	}

	if v.GetDuration("ratelimit.http_window") <= 0 || v.GetDuration("ratelimit.jobs_window") <= 0 {
		return errors.New("rate limit windows must be positive durations")
	}

	if v.GetDuration("ratelimit.compact_every") <= 0 {
		return errors.New("ratelimit.compact_every must be a positive duration")
	}

	return nil
}
