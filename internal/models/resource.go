package models

import (
	"strings"
	"time"
)

// Collection names a resource collection held by the store.
type Collection string

const (
	Deployments   Collection = "deployments"
	LocalServers  Collection = "local_servers"
	RemoteServers Collection = "remote_servers"
	Configs       Collection = "configs"
)

// AllCollections lists every collection in refresh order.
var AllCollections = []Collection{Deployments, LocalServers, RemoteServers, Configs}

// HasEndpoint reports whether resources in c get a provider-allocated
// endpoint. Only deployments do.
func (c Collection) HasEndpoint() bool {
	return c == Deployments
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range AllCollections {
		if c == known {
			return true
		}
	}
	return false
}

// Well-known status values reported by the platform or assigned locally.
const (
	StatusCreating  = "creating"
	StatusDeploying = "deploying"
	StatusActive    = "active"
	StatusIdle      = "idle"
	StatusError     = "error"
	StatusFailed    = "failed"
)

// HealthState is the outcome of the last liveness probe.
type HealthState string

const (
	HealthUnknown   HealthState = ""
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Resource is a deployment or server tracked by the console.
type Resource struct {
	ID              string      `json:"id"`
	Name            string      `json:"name,omitempty"`
	Status          string      `json:"status,omitempty"`
	EndpointURL     string      `json:"endpoint_url,omitempty"`
	ConfigLoaded    bool        `json:"config_loaded,omitempty"`
	StatusMessage   string      `json:"status_message,omitempty"`
	Health          HealthState `json:"health,omitempty"`
	LastHealthCheck time.Time   `json:"last_health_check,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at,omitempty"`
}

// NormalizedStatus lower-cases and trims the status.
func (r Resource) NormalizedStatus() string {
	return NormalizeStatus(r.Status)
}

// HasEndpoint reports whether an endpoint URL has been allocated.
func (r Resource) HasEndpoint() bool {
	return strings.TrimSpace(r.EndpointURL) != ""
}

// NormalizeStatus lower-cases and trims a raw status string.
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// IsTerminalError reports whether status is a terminal provider error.
func IsTerminalError(status string) bool {
	switch NormalizeStatus(status) {
	case StatusError, StatusFailed:
		return true
	}
	return false
}

// IsProvisioning reports whether status names an in-flight provisioning phase.
func IsProvisioning(status string) bool {
	switch NormalizeStatus(status) {
	case StatusCreating, StatusDeploying:
		return true
	}
	return false
}

// Patch is a partial update. Nil fields are left untouched on merge.
type Patch struct {
	Name            *string
	Status          *string
	EndpointURL     *string
	ConfigLoaded    *bool
	StatusMessage   *string
	Health          *HealthState
	LastHealthCheck *time.Time
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Apply merges the set fields of p into r.
func (p Patch) Apply(r *Resource) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.EndpointURL != nil {
		r.EndpointURL = *p.EndpointURL
	}
	if p.ConfigLoaded != nil {
		r.ConfigLoaded = *p.ConfigLoaded
	}
	if p.StatusMessage != nil {
		r.StatusMessage = *p.StatusMessage
	}
	if p.Health != nil {
		r.Health = *p.Health
	}
	if p.LastHealthCheck != nil {
		r.LastHealthCheck = *p.LastHealthCheck
	}
}

// Fields names the fields p sets, using their wire names.
func (p Patch) Fields() []string {
	var fields []string
	if p.Name != nil {
		fields = append(fields, "name")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.EndpointURL != nil {
		fields = append(fields, "endpoint_url")
	}
	if p.ConfigLoaded != nil {
		fields = append(fields, "config_loaded")
	}
	if p.StatusMessage != nil {
		fields = append(fields, "status_message")
	}
	if p.Health != nil {
		fields = append(fields, "health")
	}
	if p.LastHealthCheck != nil {
		fields = append(fields, "last_health_check")
	}
	return fields
}

// IsEmpty reports whether p sets nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// PatchFrom builds a patch carrying every populated field of r. Empty
// strings and false are treated as "not reported".
func PatchFrom(r Resource) Patch {
	var p Patch
	if r.Name != "" {
		p.Name = Ptr(r.Name)
	}
	if r.Status != "" {
		p.Status = Ptr(r.Status)
	}
	if r.EndpointURL != "" {
		p.EndpointURL = Ptr(r.EndpointURL)
	}
	if r.ConfigLoaded {
		p.ConfigLoaded = Ptr(true)
	}
	if r.StatusMessage != "" {
		p.StatusMessage = Ptr(r.StatusMessage)
	}
	if r.Health != HealthUnknown {
		p.Health = Ptr(r.Health)
	}
	if !r.LastHealthCheck.IsZero() {
		p.LastHealthCheck = Ptr(r.LastHealthCheck)
	}
	return p
}
