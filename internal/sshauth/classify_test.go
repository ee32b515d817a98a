package sshauth

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		echo bool
		want Kind
	}{
		{"Verification code:", false, KindTOTP},
		{"OTP:", false, KindTOTP},
		{"One-time password:", false, KindTOTP},
		{"Enter your 2FA code", false, KindTOTP},
		{"Two-Factor token", false, KindTOTP},
		{"TOKEN please", false, KindTOTP},

		{"Password:", false, KindPassword},
		{"password for root@example:", false, KindPassword},
		{"Enter passphrase for key:", false, KindPassword},

		{"Press Enter to continue", true, KindWarpgateContinue},
		{"continue?", true, KindWarpgateContinue},
		// Hidden prompts never classify as Warpgate continuation.
		{"Press Enter to continue", false, KindGeneric},

		{"What is your quest?", false, KindGeneric},
		{"", false, KindGeneric},
	}

	for _, c := range cases {
		if got := Classify(c.text, c.echo); got != c.want {
			t.Errorf("Classify(%q, echo=%v) = %v, want %v", c.text, c.echo, got, c.want)
		}
	}
}

func TestClassify_TOTPBeatsPassword(t *testing.T) {
	// Some servers phrase TOTP prompts with the word password in them.
	if got := Classify("Verification code password:", false); got != KindTOTP {
		t.Errorf("got %v, want KindTOTP", got)
	}
}
