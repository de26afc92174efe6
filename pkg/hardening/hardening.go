// Package hardening refuses to start a production deployment with an
// unsafe configuration: plaintext database or Redis links, permissive
// CORS, or a missing audit signing key. Development environments skip
// all of it.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be set before the service
// may serve production traffic.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries raw environment values; parsing happens here so the
// caller can pass os.Getenv results straight through.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns an error describing the first unsafe
// setting, or nil outside production-like environments or when
// STRICT_PROD_SECURITY is explicitly disabled.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolSetting(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}

	if !boolSetting(o.DatabaseRequireTLS, false) {
		return hardeningError(service, "requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !boolSetting(o.RedisRequireTLS, false) {
		return hardeningError(service, "requires REDIS_REQUIRE_TLS=true")
	}
	if err := checkCORSOrigins(service, o.CORSAllowedOrigins); err != nil {
		return err
	}
	for _, secret := range o.RequiredServiceSecrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return hardeningError(service, "requires "+secret.Name)
		}
	}
	return nil
}

// checkCORSOrigins enforces an explicit HTTPS allowlist. The wildcard
// and loopback origins are startup errors, not warnings, because a
// decision service exposed cross-origin to anything defeats the audit
// trail's value.
func checkCORSOrigins(service, raw string) error {
	explicit := 0
	for _, item := range strings.Split(raw, ",") {
		origin := strings.ToLower(strings.TrimSpace(item))
		if origin == "" {
			continue
		}
		explicit++
		switch {
		case origin == "*":
			return hardeningError(service, "forbids CORS wildcard origin")
		case isLoopbackOrigin(origin):
			return hardeningError(service, fmt.Sprintf("forbids localhost CORS origin %q", strings.TrimSpace(item)))
		case !strings.HasPrefix(origin, "https://"):
			return hardeningError(service, fmt.Sprintf("requires HTTPS CORS origin, got %q", strings.TrimSpace(item)))
		}
	}
	if explicit == 0 {
		return hardeningError(service, "requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isLoopbackOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func hardeningError(service, detail string) error {
	return fmt.Errorf("%s: strict production hardening %s", service, detail)
}

func boolSetting(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
