package sensitive

import (
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name        string
		text        string
		found       bool
		sensitivity int
		kind        string
	}{
		{"empty", "", false, 1, ""},
		{"clean", "user logged in from 10.0.0.1", false, 1, ""},
		{"email", "password reset sent to jane.doe@example.com", true, 4, "email"},
		{"ssn", "customer provided SSN 123-45-6789", true, 5, "ssn"},
		{"mrn", "chart lookup MRN: 0048821 complete", true, 5, "mrn"},
		{"phone", "callback requested at (415) 555-0133", true, 4, "phone"},
		{"keyword only", "updated patient notes", true, 3, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Detect(tc.text)
			if res.Found != tc.found {
				t.Errorf("Found = %v, want %v", res.Found, tc.found)
			}
			if res.Sensitivity != tc.sensitivity {
				t.Errorf("Sensitivity = %d, want %d", res.Sensitivity, tc.sensitivity)
			}
			if tc.kind != "" {
				ok := false
				for _, k := range res.Kinds {
					if k == tc.kind {
						ok = true
					}
				}
				if !ok {
					t.Errorf("Kinds = %v, missing %q", res.Kinds, tc.kind)
				}
			}
		})
	}
}

func TestDetectDeterministic(t *testing.T) {
	text := "patient jane.doe@example.com MRN 123456 seen on 01/02/2024"
	a := Detect(text)
	b := Detect(text)
	if a.Sensitivity != b.Sensitivity || len(a.Kinds) != len(b.Kinds) {
		t.Errorf("Detect is not deterministic: %+v vs %+v", a, b)
	}
}
