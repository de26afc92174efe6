package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config carries the static policy tables. It is injected at
// construction and never mutated afterwards; tests may build their own.
type Config struct {
	// RolePermissions maps a role to the resource types it may access.
	// The wildcard entry "*" grants every resource type.
	RolePermissions map[string][]string `json:"rolePermissions"`
	// SensitivityLevels maps a resource sensitivity label to the
	// clearance level required to access it.
	SensitivityLevels map[string]int `json:"sensitivityLevels"`
	// DefaultRequiredClearance applies when neither the resource nor
	// its sensitivity label specifies a requirement.
	DefaultRequiredClearance int `json:"defaultRequiredClearance"`
	// AllowedClassifications are the classification labels that pass
	// the classification policy.
	AllowedClassifications []string `json:"allowedClassifications"`
	// SharedOwner is the owner label that opens a resource to every
	// department and user.
	SharedOwner string `json:"sharedOwner"`
	// OpenDepartment is the department granted cross-owner access.
	OpenDepartment string `json:"openDepartment"`
}

const Wildcard = "*"

// DefaultConfig returns the fixed policy tables.
func DefaultConfig() Config {
	return Config{
		RolePermissions: map[string][]string{
			"developer":        {"code", "documentation", "api"},
			"senior_developer": {"code", "documentation", "api", "config", "deployment"},
			"qa_engineer":      {"code", "documentation", "test-results"},
			"intern":           {"documentation"},
			"admin":            {Wildcard},
			"system":           {Wildcard},
		},
		SensitivityLevels: map[string]int{
			"low":          1,
			"medium":       2,
			"high":         3,
			"critical":     4,
			"confidential": 3,
			"secret":       4,
			"top_secret":   5,
		},
		DefaultRequiredClearance: 1,
		AllowedClassifications:   []string{"internal", "public"},
		SharedOwner:              "shared",
		OpenDepartment:           "engineering",
	}
}

// LoadConfig layers a JSON file over DefaultConfig. Absent fields keep
// their defaults, so a deployment can ship only the clearance mapping.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read policy config: %w", err)
	}
	var overlay Config
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return Config{}, fmt.Errorf("parse policy config: %w", err)
	}
	if len(overlay.RolePermissions) > 0 {
		cfg.RolePermissions = overlay.RolePermissions
	}
	if len(overlay.SensitivityLevels) > 0 {
		cfg.SensitivityLevels = overlay.SensitivityLevels
	}
	if overlay.DefaultRequiredClearance > 0 {
		cfg.DefaultRequiredClearance = overlay.DefaultRequiredClearance
	}
	if len(overlay.AllowedClassifications) > 0 {
		cfg.AllowedClassifications = overlay.AllowedClassifications
	}
	if overlay.SharedOwner != "" {
		cfg.SharedOwner = overlay.SharedOwner
	}
	if overlay.OpenDepartment != "" {
		cfg.OpenDepartment = overlay.OpenDepartment
	}
	return cfg, nil
}

// RequiredClearance resolves the clearance a resource demands: an
// explicit requirement wins, then the sensitivity table, then the
// default.
func (c Config) RequiredClearance(required *int, sensitivity string) int {
	if required != nil {
		return *required
	}
	if lvl, ok := c.SensitivityLevels[sensitivity]; ok {
		return lvl
	}
	return c.DefaultRequiredClearance
}
