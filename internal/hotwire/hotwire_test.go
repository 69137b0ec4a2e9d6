package hotwire

import (
	"testing"

	"github.com/thrallguard/thrall/internal/config"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	set, err := Compile(config.HotwireSet{
		Name: "spam-rules",
		Rules: []config.HotwireRule{
			{Field: "body_text", Pattern: "(?i)urgent wire transfer", Action: "drop", Reason: "scam pattern"},
			{Field: "body_text", Pattern: "(?i)viagra", Action: "drop", Reason: "spam keyword"},
			{Field: "msg_type", Pattern: "^system$", Action: "forward", Reason: "system message"},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	res := set.Evaluate(Fields{"body_text": "please do an URGENT WIRE TRANSFER today"})
	if !res.Matched || res.Action != "drop" || res.Reason != "scam pattern" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	set, err := Compile(config.HotwireSet{
		Name:  "rules",
		Rules: []config.HotwireRule{{Field: "body_text", Pattern: "viagra", Action: "drop"}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	res := set.Evaluate(Fields{"body_text": "hello, how are you"})
	if res.Matched {
		t.Errorf("expected no match, got %+v", res)
	}
}

func TestEvaluateUnknownFieldNeverMatches(t *testing.T) {
	set, err := Compile(config.HotwireSet{
		Name:  "rules",
		Rules: []config.HotwireRule{{Field: "nonexistent_field", Pattern: ".*", Action: "drop"}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	res := set.Evaluate(Fields{"body_text": "anything"})
	if res.Matched {
		t.Errorf("expected no match for absent field, got %+v", res)
	}
}

func TestCompileRejectsInvalidRegex(t *testing.T) {
	_, err := Compile(config.HotwireSet{
		Name:  "bad",
		Rules: []config.HotwireRule{{Field: "body_text", Pattern: "(", Action: "drop"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}
