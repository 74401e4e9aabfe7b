// Package shared holds helpers used across the licensegate codebase that do not belong
// to any one domain or layer.
//
// The testutil subpackage provides:
//
//   - BufferedSlogHandler for asserting on structured log output
//   - LicenseTestFixtures for licenses, issuer keys and signed claims
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    fx := testutil.NewLicenseTestFixtures(t)
//	    key := fx.NewKey()
//	    lic := fx.SignedLicense(key, 2, nil)
//	    ...
//	}
//
// Packages imported by testutil (internal/license) must test it from an external
// _test package to avoid an import cycle.
package shared
