package inbox

import "testing"

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567":  "15551234567",
		"0044 20 7946 0958":  "442079460958",
		"555.123.4567":       "5551234567",
		"  +49-170-1234567 ": "491701234567",
		"":                   "",
		"12345":              "12345",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhoneFromJID(t *testing.T) {
	cases := map[string]string{
		"15551234567@s.whatsapp.net":    "15551234567",
		"15551234567:12@s.whatsapp.net": "15551234567",
		"1203630@g.us":                  "",
		"not-a-jid":                     "",
		"abc@s.whatsapp.net":            "",
	}
	for in, want := range cases {
		if got := PhoneFromJID(in); got != want {
			t.Errorf("PhoneFromJID(%q) = %q, want %q", in, got, want)
		}
	}
}
