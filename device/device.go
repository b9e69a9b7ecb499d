// Package device describes the camera state supplied by the device sync
// layer. Every change is delivered as a complete Data value; consumers diff
// against the previous value themselves.
package device

// Account selects which credential the camera session authorizes with.
type Account int

const (
	// AccountNest authorizes with a Nest session token.
	AccountNest Account = iota
	// AccountGoogle authorizes with a Google (olive) access token.
	AccountGoogle
)

func (a Account) String() string {
	if a == AccountGoogle {
		return "google"
	}
	return "nest"
}

// ParseAccount maps a configuration string to an Account. Unknown values
// fall back to AccountNest.
func ParseAccount(s string) Account {
	if s == "google" {
		return AccountGoogle
	}
	return AccountNest
}

// Data is the per-camera snapshot pushed by the device sync engine.
type Data struct {
	ID            string
	Name          string
	Token         string
	Account       Account
	StreamingHost string

	Online           bool
	StreamingEnabled bool
	AudioEnabled     bool
	Migrating        bool
}

// Available reports whether a camera session may be opened.
func (d Data) Available() bool {
	return d.Online && d.StreamingEnabled
}

// Placeholder names the synthetic frame consumers should see for the
// current state, or "" when live media is expected.
func (d Data) Placeholder() string {
	switch {
	case !d.Online:
		return PlaceholderOffline
	case !d.StreamingEnabled:
		return PlaceholderVideoOff
	case d.Migrating:
		return PlaceholderTransfer
	}
	return ""
}

// Placeholder reasons, also used as metric label values.
const (
	PlaceholderOffline  = "offline"
	PlaceholderVideoOff = "video_off"
	PlaceholderTransfer = "transfer"
)
