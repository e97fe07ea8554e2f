// Package shared holds helpers used by more than one licensekit package.
//
// # Structure
//
//   - testutil: captured slog handler and license fixtures (records, state
//     files, simulated host probes) for tests
//
// testutil depends only on the security and domain packages so that the
// license package's internal tests can import it without a cycle.
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    fx := testutil.NewLicenseTestFixtures(t)
//	    logger, logs := testutil.NewTestLogger(t)
//	    // build a license.Manager with fx.StatePath() and logger
//	}
package shared
