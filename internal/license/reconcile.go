package license

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"licensekit/internal/clock"
	"licensekit/internal/security"
	"licensekit/pkg/contracts/domain"
)

const day = 24 * time.Hour

// Phase is the activation state machine position.
type Phase string

const (
	PhaseUnset   Phase = "unset"
	PhaseActive  Phase = "active"
	PhaseExpired Phase = "expired"
)

// Transition describes what reconciliation did to the stored tier.
type Transition string

const (
	TransitionAdopted   Transition = "adopted"
	TransitionUpgraded  Transition = "upgraded"
	TransitionUnchanged Transition = "unchanged"
)

// Policy holds the business rules of tier reconciliation.
type Policy struct {
	// UpgradeTiers lists the durations allowed to replace an active tier.
	UpgradeTiers []int
}

// DefaultPolicy makes the two longest standard durations upgrade-eligible.
func DefaultPolicy() Policy {
	return Policy{UpgradeTiers: []int{domain.TierBimonthly, domain.TierQuarterly}}
}

// IsUpgradeEligible reports whether a duration may replace an active tier.
func (p Policy) IsUpgradeEligible(durationDays int) bool {
	return slices.Contains(p.UpgradeTiers, durationDays)
}

// PhaseOf returns the phase of state at now.
func PhaseOf(state domain.ActivationState, now time.Time) Phase {
	if state.ActiveTier <= 0 || state.TierActivationDate == nil {
		return PhaseUnset
	}
	if !now.Before(state.ExpiresAt()) {
		return PhaseExpired
	}
	return PhaseActive
}

// DaysRemaining returns whole days left until expiresAt, rounded up and
// floored at zero.
func DaysRemaining(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / day)
	if remaining%day != 0 {
		days++
	}
	return days
}

// Reconciliation is the outcome of merging one record into the state.
type Reconciliation struct {
	State         domain.ActivationState
	Previous      Phase
	Transition    Transition
	PluginAdded   bool
	StateHealed   bool
	DaysRemaining int
	ExpiresAt     time.Time
}

// Reconcile merges a normalized record into state at now. It does no I/O
// and never fails; binding and validation are checked before it runs.
func Reconcile(state domain.ActivationState, record domain.LicenseRecord, now time.Time, policy Policy) Reconciliation {
	out := Reconciliation{
		Previous:   PhaseOf(state, now),
		Transition: TransitionUnchanged,
	}
	next := domain.ActivationState{
		ActiveTier:         state.ActiveTier,
		TierActivationDate: state.TierActivationDate,
		ActivatedPlugins:   slices.Clone(state.ActivatedPlugins),
	}

	adopt := func() {
		activated := now
		next.ActiveTier = record.DurationDays
		next.TierActivationDate = &activated
	}

	switch out.Previous {
	case PhaseUnset, PhaseExpired:
		adopt()
		out.Transition = TransitionAdopted
	case PhaseActive:
		if policy.IsUpgradeEligible(record.DurationDays) && record.DurationDays > state.ActiveTier {
			adopt()
			out.Transition = TransitionUpgraded
		}
	}

	if !next.HasPlugin(record.PluginID) {
		next.ActivatedPlugins = append(next.ActivatedPlugins, record.PluginID)
		out.PluginAdded = true
	}
	if next.ActivatedPlugins == nil {
		next.ActivatedPlugins = []string{}
	}

	out.State = next
	out.ExpiresAt = next.ExpiresAt()
	out.DaysRemaining = DaysRemaining(out.ExpiresAt, now)
	return out
}

// Engine is the only writer of ActivationState. It checks machine binding,
// normalizes and validates the record, then reconciles it against the
// store inside the store's critical section.
type Engine struct {
	store        *StateStore
	policy       Policy
	clock        clock.Clock
	fingerprints *security.FingerprintManager
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewEngine wires an engine. Nil clock, fingerprint manager or logger fall
// back to the system implementations.
func NewEngine(store *StateStore, policy Policy, clk clock.Clock, fingerprints *security.FingerprintManager, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if fingerprints == nil {
		fingerprints = security.NewFingerprintManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		policy:       policy,
		clock:        clk,
		fingerprints: fingerprints,
		validate:     newRecordValidator(),
		logger:       logger.With(slog.String("component", "license_reconciler")),
	}
}

// Apply runs the full reconciliation for a decoded record. On an expired
// outcome the state is still persisted and both the result and an
// ErrExpired-wrapping error are returned.
func (e *Engine) Apply(ctx context.Context, record domain.LicenseRecord) (*domain.VerificationResult, Reconciliation, error) {
	if record.IsBound() && !e.fingerprints.ValidateFingerprint(record.Fingerprint) {
		e.logger.WarnContext(ctx, "License bound to another machine",
			slog.String("license_id", record.LicenseID),
			slog.String("license_fingerprint", security.ShortFingerprint(record.Fingerprint)),
		)
		return nil, Reconciliation{}, &VerificationError{Kind: ErrCodeMachineMismatch, Op: "reconcile", Err: ErrBindingMismatch}
	}

	normalized := NormalizeRecord(record)
	if normalized.PluginID != record.PluginID || normalized.Type != record.Type {
		e.logger.InfoContext(ctx, "Normalized legacy license record",
			slog.String("license_id", record.LicenseID),
			slog.String("legacy_type", record.Type),
			slog.String("plugin_id", normalized.PluginID),
		)
	}

	if err := e.validateRecord(normalized); err != nil {
		return nil, Reconciliation{}, &VerificationError{Kind: ErrCodeInvalidRecord, Op: "reconcile", Err: err}
	}

	var rec Reconciliation
	now := e.clock.Now().UTC()
	_, healed, err := e.store.Update(ctx, func(state *domain.ActivationState) error {
		rec = Reconcile(*state, normalized, now, e.policy)
		*state = rec.State
		return nil
	})
	if err != nil {
		return nil, Reconciliation{}, newVerificationError("reconcile", err)
	}
	rec.StateHealed = healed

	e.logger.InfoContext(ctx, "License reconciled",
		slog.String("license_id", normalized.LicenseID),
		slog.String("plugin_id", normalized.PluginID),
		slog.String("previous_phase", string(rec.Previous)),
		slog.String("transition", string(rec.Transition)),
		slog.Int("active_tier", rec.State.ActiveTier),
		slog.Int("days_remaining", rec.DaysRemaining),
	)

	result := buildResult(normalized, rec.State, now)
	if result.DaysRemaining <= 0 {
		return result, rec, &VerificationError{Kind: ErrCodeExpired, Op: "reconcile", Err: ErrExpired}
	}
	return result, rec, nil
}

// Snapshot derives a result from persisted state without mutating it.
func (e *Engine) Snapshot(ctx context.Context) *domain.VerificationResult {
	state, _ := e.store.Load(ctx)
	return buildResult(domain.LicenseRecord{}, state, e.clock.Now().UTC())
}

func (e *Engine) validateRecord(record domain.LicenseRecord) error {
	if err := e.validate.Struct(record); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// newRecordValidator reports fields by their JSON names.
func newRecordValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// buildResult assembles the caller-facing result for state at now.
func buildResult(record domain.LicenseRecord, state domain.ActivationState, now time.Time) *domain.VerificationResult {
	result := &domain.VerificationResult{
		Record:           record,
		CurrentTier:      state.ActiveTier,
		ExpiresAt:        state.ExpiresAt(),
		ActivatedPlugins: slices.Clone(state.ActivatedPlugins),
		CheckedAt:        now,
	}
	if result.ActivatedPlugins == nil {
		result.ActivatedPlugins = []string{}
	}

	tierName := domain.LicenseTypeName(state.ActiveTier)
	switch PhaseOf(state, now) {
	case PhaseUnset:
		result.Status = domain.LicenseStatusNotActivated
		result.Message = MessageForKind(ErrCodeNotFound)
		result.ErrorKind = string(ErrCodeNotFound)
	case PhaseExpired:
		result.Status = domain.LicenseStatusExpired
		result.Message = fmt.Sprintf("Your %s license expired on %s. Please renew to continue.",
			tierName, result.ExpiresAt.Format("2006-01-02"))
		result.ErrorKind = string(ErrCodeExpired)
	default:
		result.Success = true
		result.DaysRemaining = DaysRemaining(result.ExpiresAt, now)
		if result.DaysRemaining <= domain.ExpiringSoonDays {
			result.Status = domain.LicenseStatusExpiringSoon
			result.Message = fmt.Sprintf("License expires in %d day(s) (%s). Please renew soon.", result.DaysRemaining, tierName)
		} else {
			result.Status = domain.LicenseStatusActive
			result.Message = fmt.Sprintf("License active: %d days remaining (%s)", result.DaysRemaining, tierName)
		}
	}
	return result
}
