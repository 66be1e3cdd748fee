// Package version holds the release version of the leadgen binaries.
package version

// Current is the released version, without a "v" prefix.
const Current = "0.3.0"
