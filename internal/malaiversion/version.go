// Package malaiversion holds the daemon's own semver-typed version, the
// Go rendition of common/version's CURRENT_VERSION constant. cmd/malai
// prints it (banner, `version` command); it is not sent over the control
// socket, which has no version message, and nothing outside the tests
// calls IsCurrent.
//
// Grounded on daemon/client/client.go's RequestKrdVersion/
// IsLatestKrdRunning (version.Compare(CURRENT_VERSION) == 0) for the
// "fetch over the wire, compare to the binary's own constant" idiom.
package malaiversion

import "github.com/blang/semver"

// Current is this build's version. Bumped at release time.
var Current = semver.MustParse("0.1.0")

// String returns the dotted version string.
func String() string {
	return Current.String()
}

// IsCurrent reports whether a version string reported by a running
// daemon matches this binary's own version exactly, mirroring
// IsLatestKrdRunning's version.Compare(...) == 0 check.
func IsCurrent(reported string) (bool, error) {
	v, err := semver.Parse(reported)
	if err != nil {
		return false, err
	}
	return v.Compare(Current) == 0, nil
}
