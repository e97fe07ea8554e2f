// Package domain contains the core domain models shared by the license codec,
// the activation engine and the status adapters. These types are the single
// source of truth for every layer of the module.
package domain

import (
	"fmt"
	"time"
)

// UnboundFingerprint marks a license that is not locked to a machine.
const UnboundFingerprint = "unbound"

// CurrentSchemaType is the type tag carried by records in the current schema.
const CurrentSchemaType = "plugin-license"

// CurrentSchemaVersion is stamped on every record produced or normalized here.
const CurrentSchemaVersion = 2

// MachineFingerprint identifies a physical host. Only Full is used for
// equality; Short is for display.
type MachineFingerprint struct {
	Short string `json:"short"`
	Full  string `json:"full"`
}

// Equal reports whether two fingerprints identify the same host.
func (f MachineFingerprint) Equal(other MachineFingerprint) bool {
	return f.Full != "" && f.Full == other.Full
}

// LicenseRecord is the decrypted license payload.
type LicenseRecord struct {
	LicenseID     string    `json:"licenseId" validate:"required"`
	PluginID      string    `json:"pluginId" validate:"required"`
	Type          string    `json:"type,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	GeneratedAt   time.Time `json:"generatedAt" validate:"required"`
	DurationDays  int       `json:"durationDays" validate:"gt=0"`
	Features      []string  `json:"features,omitempty"`
	Issuer        string    `json:"issuer,omitempty"`
	SchemaVersion int       `json:"schemaVersion,omitempty"`
}

// IsBound reports whether the record is locked to a specific machine.
func (r LicenseRecord) IsBound() bool {
	return r.Fingerprint != "" && r.Fingerprint != UnboundFingerprint
}

// HasFeature reports whether the record grants the given capability tag.
func (r LicenseRecord) HasFeature(feature string) bool {
	for _, f := range r.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Envelope is the encrypted, integrity-tagged container for a LicenseRecord.
type Envelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Digest     []byte `json:"digest"`
	CreatedAt  int64  `json:"createdAt"`
}

// ActivationState is the single persisted activation record of an installation.
type ActivationState struct {
	ActiveTier         int        `json:"activeTier"`
	TierActivationDate *time.Time `json:"tierActivationDate"`
	ActivatedPlugins   []string   `json:"activatedPlugins"`
}

// ExpiresAt returns the deadline of the active tier, or the zero time when
// no tier has been established.
func (s ActivationState) ExpiresAt() time.Time {
	if s.ActiveTier <= 0 || s.TierActivationDate == nil {
		return time.Time{}
	}
	return s.TierActivationDate.Add(time.Duration(s.ActiveTier) * 24 * time.Hour)
}

// HasPlugin reports whether a product identifier has been activated before.
func (s ActivationState) HasPlugin(pluginID string) bool {
	for _, p := range s.ActivatedPlugins {
		if p == pluginID {
			return true
		}
	}
	return false
}

// LicenseStatus represents the status string reported to UI collaborators.
type LicenseStatus string

const (
	LicenseStatusActive           LicenseStatus = "active"
	LicenseStatusExpiringSoon     LicenseStatus = "expiring_soon"
	LicenseStatusExpired          LicenseStatus = "expired"
	LicenseStatusNotActivated     LicenseStatus = "not_activated"
	LicenseStatusInvalidFormat    LicenseStatus = "invalid_format"
	LicenseStatusTampered         LicenseStatus = "tampered"
	LicenseStatusDecryptionFailed LicenseStatus = "decryption_failed"
	LicenseStatusMachineMismatch  LicenseStatus = "machine_mismatch"
	LicenseStatusInvalidRecord    LicenseStatus = "invalid_record"
	LicenseStatusError            LicenseStatus = "error"
)

// ExpiringSoonDays is the remaining-days threshold for LicenseStatusExpiringSoon.
const ExpiringSoonDays = 7

// Standard tier durations in days.
const (
	TierTrial     = 7
	TierMonthly   = 30
	TierBimonthly = 60
	TierQuarterly = 90
)

// LicenseTypeName returns the display name of a tier duration.
func LicenseTypeName(durationDays int) string {
	switch durationDays {
	case 0:
		return "none"
	case TierTrial:
		return "trial"
	case TierMonthly:
		return "monthly"
	case TierBimonthly:
		return "bimonthly"
	case TierQuarterly:
		return "quarterly"
	default:
		return fmt.Sprintf("custom-%dd", durationDays)
	}
}

// VerificationResult is the outcome of a single verification call. It is
// never persisted.
type VerificationResult struct {
	Success          bool          `json:"success"`
	Record           LicenseRecord `json:"record"`
	DaysRemaining    int           `json:"daysRemaining"`
	CurrentTier      int           `json:"currentTier"`
	ExpiresAt        time.Time     `json:"expiresAt"`
	Status           LicenseStatus `json:"status"`
	Message          string        `json:"message"`
	ErrorKind        string        `json:"errorKind,omitempty"`
	ActivatedPlugins []string      `json:"activatedPlugins"`
	CheckedAt        time.Time     `json:"checkedAt"`
}

// LicenseStatusResponse is the flat status shape consumed by widgets and UI
// collaborators. Field names are a stable contract.
type LicenseStatusResponse struct {
	Success          bool          `json:"success"`
	Licensed         bool          `json:"licensed"`
	Status           LicenseStatus `json:"status"`
	DaysRemaining    *int          `json:"daysRemaining"`
	LicenseType      string        `json:"licenseType"`
	ExpiresAt        *string       `json:"expiresAt"`
	Message          string        `json:"message"`
	CurrentTier      int           `json:"currentTier"`
	ActivatedPlugins []string      `json:"activatedPlugins"`
	Features         []string      `json:"features,omitempty"`
	ErrorCode        string        `json:"errorCode,omitempty"`
	CheckedAt        time.Time     `json:"checkedAt"`
}

// ToStatusResponse flattens a result into the consumed status shape.
func (r *VerificationResult) ToStatusResponse() LicenseStatusResponse {
	resp := LicenseStatusResponse{
		Success:          r.Success,
		Licensed:         r.Success && r.DaysRemaining > 0,
		Status:           r.Status,
		LicenseType:      LicenseTypeName(r.CurrentTier),
		Message:          r.Message,
		CurrentTier:      r.CurrentTier,
		ActivatedPlugins: r.ActivatedPlugins,
		Features:         r.Record.Features,
		ErrorCode:        r.ErrorKind,
		CheckedAt:        r.CheckedAt,
	}
	if resp.ActivatedPlugins == nil {
		resp.ActivatedPlugins = []string{}
	}
	if r.CurrentTier > 0 && !r.ExpiresAt.IsZero() {
		days := r.DaysRemaining
		expires := r.ExpiresAt.UTC().Format(time.RFC3339)
		resp.DaysRemaining = &days
		resp.ExpiresAt = &expires
	}
	return resp
}
