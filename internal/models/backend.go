package models

import "strings"

// ServiceStatus is a backend's serving state as published in the catalog.
type ServiceStatus string

const (
	ServiceStatusAvailable   ServiceStatus = "available"
	ServiceStatusUnavailable ServiceStatus = "unavailable"
	ServiceStatusMaintenance ServiceStatus = "maintenance"
)

// ParseServiceStatus normalizes a catalog status string. Anything
// unrecognized is treated as unavailable.
func ParseServiceStatus(s string) ServiceStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return ServiceStatusAvailable
	case "maintenance":
		return ServiceStatusMaintenance
	default:
		return ServiceStatusUnavailable
	}
}

// Backend is one entry of the backend-status catalog document.
type Backend struct {
	Name        string   `toml:"name" json:"name"`
	Aliases     []string `toml:"aliases" json:"aliases,omitempty"`
	Status      string   `toml:"status" json:"status"`
	Description string   `toml:"description" json:"description,omitempty"`
}

// BackendCatalogDoc is the TOML document held in the parameter store:
// repeated [[backend]] tables.
type BackendCatalogDoc struct {
	Backends []Backend `toml:"backend"`
}

// BackendStatus is a resolved catalog answer for one requested name.
type BackendStatus struct {
	Requested   string        `json:"requested"`
	Canonical   string        `json:"canonical"`
	Status      ServiceStatus `json:"status"`
	Description string        `json:"description,omitempty"`
}

// DispatchEligible reports whether submissions may target the backend.
func (b BackendStatus) DispatchEligible() bool {
	return b.Status == ServiceStatusAvailable
}
