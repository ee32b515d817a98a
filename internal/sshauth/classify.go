package sshauth

import "strings"

// Kind classifies a single keyboard-interactive prompt string so the
// browser can render the right dialog and the engine can pick the right
// deadline.
type Kind int

const (
	KindGeneric Kind = iota
	KindTOTP
	KindPassword
	KindWarpgateContinue
)

func (k Kind) String() string {
	switch k {
	case KindTOTP:
		return "totp"
	case KindPassword:
		return "password"
	case KindWarpgateContinue:
		return "warpgate_continue"
	default:
		return "generic"
	}
}

// totpMarkers are substrings (lowercased) that identify one-time-code
// prompts. Checked before password markers because some servers phrase
// TOTP prompts as "Verification code password".
var totpMarkers = []string{
	"token", "otp", "one-time", "verification", "2fa", "two-factor",
}

var passwordMarkers = []string{"password", "passphrase"}

// warpgateMarkers match the Warpgate bastion continuation banner, which
// requires a literal empty Enter to proceed. Only echo=true prompts
// qualify; a hidden prompt asking to "continue" is treated as generic.
var warpgateMarkers = []string{"press enter", "continue"}

// Classify maps one prompt string to its Kind. Matching is
// case-insensitive substring search, applied per individual prompt.
func Classify(text string, echo bool) Kind {
	lower := strings.ToLower(text)

	for _, m := range totpMarkers {
		if strings.Contains(lower, m) {
			return KindTOTP
		}
	}
	for _, m := range passwordMarkers {
		if strings.Contains(lower, m) {
			return KindPassword
		}
	}
	if echo {
		for _, m := range warpgateMarkers {
			if strings.Contains(lower, m) {
				return KindWarpgateContinue
			}
		}
	}
	return KindGeneric
}
