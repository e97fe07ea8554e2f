package license

import (
	"errors"
	"fmt"

	"licensekit/internal/security"
	"licensekit/pkg/contracts/domain"
)

// Sentinel errors for license operations. Codec errors are shared with the
// security package so errors.Is works across both.
var (
	ErrEnvelopeFormat  = security.ErrEnvelopeFormat
	ErrIntegrity       = security.ErrIntegrity
	ErrDecryption      = security.ErrDecryption
	ErrRecordFormat    = security.ErrRecordFormat
	ErrBindingMismatch = errors.New("license is bound to a different machine")
	ErrExpired         = errors.New("license expired")
	ErrInvalidRecord   = errors.New("license record is missing required fields")
	ErrNotFound        = errors.New("license file not found")
)

// ErrorKind classifies a verification failure.
type ErrorKind string

// Error codes for license operations
const (
	ErrCodeInvalidFormat   ErrorKind = "INVALID_FORMAT"
	ErrCodeTampered        ErrorKind = "INTEGRITY_FAILED"
	ErrCodeDecryption      ErrorKind = "DECRYPTION_FAILED"
	ErrCodeInvalidPayload  ErrorKind = "INVALID_PAYLOAD"
	ErrCodeMachineMismatch ErrorKind = "MACHINE_MISMATCH"
	ErrCodeExpired         ErrorKind = "LICENSE_EXPIRED"
	ErrCodeInvalidRecord   ErrorKind = "INVALID_RECORD"
	ErrCodeNotFound        ErrorKind = "LICENSE_NOT_FOUND"
	ErrCodeStateIO         ErrorKind = "STATE_IO_ERROR"
	ErrCodeInternal        ErrorKind = "INTERNAL_ERROR"
)

// VerificationError is the typed failure returned by verification calls.
type VerificationError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("license %s: %v", e.Op, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func newVerificationError(op string, err error) *VerificationError {
	var existing *VerificationError
	if errors.As(err, &existing) {
		return existing
	}
	return &VerificationError{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	var verr *VerificationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr) && verr.Kind != "":
		return verr.Kind
	case errors.Is(err, ErrIntegrity):
		return ErrCodeTampered
	case errors.Is(err, ErrEnvelopeFormat):
		return ErrCodeInvalidFormat
	case errors.Is(err, ErrDecryption):
		return ErrCodeDecryption
	case errors.Is(err, ErrRecordFormat):
		return ErrCodeInvalidPayload
	case errors.Is(err, ErrBindingMismatch):
		return ErrCodeMachineMismatch
	case errors.Is(err, ErrExpired):
		return ErrCodeExpired
	case errors.Is(err, ErrInvalidRecord):
		return ErrCodeInvalidRecord
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, errStateIO):
		return ErrCodeStateIO
	default:
		return ErrCodeInternal
	}
}

// StatusForKind returns the status string reported for a failure kind.
func StatusForKind(kind ErrorKind) domain.LicenseStatus {
	switch kind {
	case ErrCodeInvalidFormat:
		return domain.LicenseStatusInvalidFormat
	case ErrCodeTampered:
		return domain.LicenseStatusTampered
	case ErrCodeDecryption:
		return domain.LicenseStatusDecryptionFailed
	case ErrCodeInvalidPayload, ErrCodeInvalidRecord:
		return domain.LicenseStatusInvalidRecord
	case ErrCodeMachineMismatch:
		return domain.LicenseStatusMachineMismatch
	case ErrCodeExpired:
		return domain.LicenseStatusExpired
	case ErrCodeNotFound:
		return domain.LicenseStatusNotActivated
	default:
		return domain.LicenseStatusError
	}
}

// MessageForKind returns a user-facing explanation of a failure kind.
func MessageForKind(kind ErrorKind) string {
	switch kind {
	case ErrCodeInvalidFormat:
		return "The license file is malformed. Please reinstall the license file you received."
	case ErrCodeTampered:
		return "The license file has been modified or corrupted and cannot be trusted."
	case ErrCodeDecryption:
		return "The license could not be decrypted. It was issued for a different application."
	case ErrCodeInvalidPayload, ErrCodeInvalidRecord:
		return "The license contents are incomplete or invalid."
	case ErrCodeMachineMismatch:
		return "This license is registered to a different machine."
	case ErrCodeExpired:
		return "Your license has expired. Please renew to continue."
	case ErrCodeNotFound:
		return "No license has been installed."
	case ErrCodeStateIO:
		return "The activation state could not be saved."
	default:
		return "An unexpected error occurred while verifying the license."
	}
}
