package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{" YES ", true},
		{"on", true},
		{"0", false},
		{"false", false},
		{"", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "x")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_FLOAT", "12.5")

	if n, err := GetenvInt("TEST_INT", 1); err != nil || n != 42 {
		t.Fatalf("GetenvInt = %d, %v", n, err)
	}
	if n, err := GetenvInt("TEST_UNSET_INT", 7); err != nil || n != 7 {
		t.Fatalf("GetenvInt default = %d, %v", n, err)
	}
	if _, err := GetenvInt("TEST_BAD_INT", 1); err == nil {
		t.Fatal("expected error for malformed integer")
	}
	if d, err := GetenvDuration("TEST_DUR", time.Second); err != nil || d != 90*time.Second {
		t.Fatalf("GetenvDuration = %v, %v", d, err)
	}
	if f, err := GetenvFloat("TEST_FLOAT", 0); err != nil || f != 12.5 {
		t.Fatalf("GetenvFloat = %v, %v", f, err)
	}
	if !GetenvBool("TEST_UNSET_BOOL", true) {
		t.Fatal("expected default true")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b ,c,")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("unexpected split: %#v", got)
	}
}

func TestGenerateIDPrefix(t *testing.T) {
	id := GenerateID("alert")
	if !strings.HasPrefix(id, "alert-") || len(id) != len("alert-")+26 {
		t.Fatalf("unexpected id %q", id)
	}
	if GenerateID("alert") == id {
		t.Fatal("expected unique IDs")
	}
}

func TestWriteJSONResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSONResponse(rec, map[string]int{"count": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := rec.Body.String(); body != `{"count":2}` {
		t.Fatalf("unexpected body %s", body)
	}
}
