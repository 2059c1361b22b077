package version

// Current is the release version, without a "v" prefix.
const Current = "0.3.0"

// Commit is set at build time with -ldflags "-X .../internal/version.Commit=<sha>".
var Commit = ""

// String renders the version for `extractpipe version`.
func String() string {
	if Commit == "" {
		return Current
	}
	return Current + " (" + Commit + ")"
}
