package errors

import (
	"errors"
	"net/http"

	"licensekit/internal/license"
)

type licenseProblem struct {
	status int
	typ    string
	title  string
}

var licenseProblems = map[license.ErrorKind]licenseProblem{
	license.ErrCodeInvalidFormat:   {http.StatusBadRequest, TypeLicenseInvalidFormat, "Invalid License Format"},
	license.ErrCodeTampered:        {http.StatusUnprocessableEntity, TypeLicenseTampered, "License Integrity Check Failed"},
	license.ErrCodeDecryption:      {http.StatusUnprocessableEntity, TypeLicenseDecryption, "License Decryption Failed"},
	license.ErrCodeInvalidPayload:  {http.StatusUnprocessableEntity, TypeLicenseInvalidRecord, "Invalid License Contents"},
	license.ErrCodeInvalidRecord:   {http.StatusUnprocessableEntity, TypeLicenseInvalidRecord, "Invalid License Record"},
	license.ErrCodeMachineMismatch: {http.StatusForbidden, TypeLicenseMismatch, "License Machine Mismatch"},
	license.ErrCodeExpired:         {http.StatusForbidden, TypeLicenseExpired, "License Expired"},
	license.ErrCodeNotFound:        {http.StatusNotFound, TypeLicenseNotFound, "License Not Found"},
	license.ErrCodeStateIO:         {http.StatusInternalServerError, TypeLicenseStateIO, "Activation State Unavailable"},
}

// LicenseProblem is a ProblemMapper for license verification failures.
func LicenseProblem(err error, r *http.Request) *ProblemDetails {
	var verr *license.VerificationError
	if !errors.As(err, &verr) {
		return nil
	}
	return ProblemForKind(verr.Kind, r.URL.Path)
}

// ProblemForKind builds the problem details reported for a failure kind.
// Unknown kinds map to an internal error.
func ProblemForKind(kind license.ErrorKind, instance string) *ProblemDetails {
	lp, ok := licenseProblems[kind]
	if !ok {
		kind = license.ErrCodeInternal
		lp = licenseProblem{http.StatusInternalServerError, TypeInternal, "License Verification Error"}
	}
	return NewProblemDetails(lp.status, lp.typ, lp.title, license.MessageForKind(kind), instance).
		WithExtension("error_code", string(kind)).
		WithExtension("license_status", string(license.StatusForKind(kind)))
}
