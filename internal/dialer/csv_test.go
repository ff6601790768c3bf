package dialer

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParseLeadCSVNormalizesPhones(t *testing.T) {
	input := strings.Join([]string{
		"phone,name,metadata",
		`(512) 555-0100,Alice,"{""source"":""expo""}"`,
		"+44 20 7946 0958,Bob,",
		"12345,Too Short,",
		"5125550100,Duplicate Alice,",
	}, "\n")

	res, err := ParseLeadCSV(strings.NewReader(input), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Leads) != 3 {
		t.Fatalf("expected 3 leads, got %d", len(res.Leads))
	}
	if res.Leads[0].PhoneNumber != "+15125550100" {
		t.Fatalf("NANPA number not prefixed: %s", res.Leads[0].PhoneNumber)
	}
	if res.Leads[1].PhoneNumber != "+442079460958" {
		t.Fatalf("international number mangled: %s", res.Leads[1].PhoneNumber)
	}
	if res.Leads[0].LeadName == nil || *res.Leads[0].LeadName != "Alice" {
		t.Fatalf("name not captured: %+v", res.Leads[0].LeadName)
	}
	if string(res.Leads[0].Metadata) != `{"source":"expo"}` {
		t.Fatalf("metadata not captured: %s", res.Leads[0].Metadata)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != "12345" {
		t.Fatalf("expected one reject, got %v", res.Rejected)
	}
}

func TestParseLeadCSVRequiresPhoneColumn(t *testing.T) {
	_, err := ParseLeadCSV(strings.NewReader("name\nAlice\n"), uuid.New(), uuid.New())
	if err != ErrNoPhoneColumn {
		t.Fatalf("expected ErrNoPhoneColumn, got %v", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"5125550100", "+15125550100", true},
		{"+1 512 555 0100", "+15125550100", true},
		{"442079460958", "+442079460958", true},
		{"1234567", "", false},
		{"12345678901234567", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
