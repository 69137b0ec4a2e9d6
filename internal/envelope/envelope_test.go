package envelope

import "testing"

func TestValidatePrefix(t *testing.T) {
	cases := map[string]bool{
		"ad8d21d81a497993": true,
		"AD8D21D81A497993": false, // uppercase not allowed
		"ad8d21d81a49799":  false, // too short
		"ad8d21d81a497993aa": false, // too long
		"not-hex-at-all-x": false,
	}
	for in, want := range cases {
		if got := ValidatePrefix(in); got != want {
			t.Errorf("ValidatePrefix(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrefix(t *testing.T) {
	p, err := Prefix("ad8d21d81a4979930000aaaa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != "ad8d21d81a497993" {
		t.Errorf("Prefix() = %q, want ad8d21d81a497993", p)
	}

	if _, err := Prefix("short"); err == nil {
		t.Error("expected error for short node id")
	}

	if _, err := Prefix("NOTHEXNOTHEXNOTHEX"); err == nil {
		t.Error("expected error for non-hex node id")
	}
}

func TestEnvelopeSessionKey(t *testing.T) {
	e := Envelope{}
	if e.SessionKey() != "default" {
		t.Errorf("SessionKey() = %q, want default", e.SessionKey())
	}
	e.SessionID = "sess-A"
	if e.SessionKey() != "sess-A" {
		t.Errorf("SessionKey() = %q, want sess-A", e.SessionKey())
	}
}
