// Package license implements offline license verification and activation
// tracking. A license is an encrypted envelope produced by EncodeLicense and
// verified entirely on the local machine; no network access is involved.
//
// # Architecture Overview
//
// The license system consists of several components:
//
//   - Manager: programmatic boundary used by CLI tools and UI adapters
//   - Engine: the activation state machine, sole writer of the state file
//   - StateStore: JSON persistence of ActivationState under a file lock
//   - VerificationCache: single-slot memoization of the last success
//   - EnvelopeWatcher: invalidates the cache when the license file changes
//   - Health: license system health monitoring
//
// The envelope codec and the machine fingerprint live in package security.
//
// # Verification Flow
//
// DecodeAndVerify follows these steps:
//
//  1. Strip the armor and check the envelope digest (tamper check)
//  2. Derive the key and decrypt the record
//  3. Reject records bound to a different machine, without touching state
//  4. Normalize legacy records to the current schema
//  5. Validate required fields
//  6. Reconcile the record against the activation state and persist it
//  7. Cache the result if successful
//
// # Tier Reconciliation
//
// The state is Unset, Active or Expired. Unset and Expired adopt the
// presented duration as the new tier. An Active tier is replaced only by a
// longer, upgrade-eligible duration (60 and 90 days by default); any other
// valid license is accepted without changing the tier. Every accepted
// license records its product identifier in activatedPlugins.
//
// # Error Handling
//
// Failures are returned as *VerificationError with an ErrorKind and wrap
// one of the sentinel errors:
//
//   - ErrEnvelopeFormat: malformed armor or envelope structure
//   - ErrIntegrity: digest mismatch, the envelope was modified
//   - ErrDecryption: wrong secret or non-JSON plaintext
//   - ErrRecordFormat: JSON payload that does not fit a license record
//   - ErrBindingMismatch: license bound to another machine
//   - ErrInvalidRecord: required fields missing after normalization
//   - ErrExpired: no days remain on the active tier
//
// A corrupt state file is not an error; it is logged and rebuilt.
//
// # Security
//
// All installations share one embedded secret. The envelope detects
// accidental corruption and casual editing, but anyone able to extract the
// secret from the binary can mint licenses.
package license
