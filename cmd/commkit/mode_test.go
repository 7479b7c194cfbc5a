package main

import "testing"

func TestReadTriState(t *testing.T) {
	cases := []struct {
		input string
		want  triState
	}{
		{"", triAuto},
		{"auto", triAuto},
		{"AUTO", triAuto},
		{"on", triOn},
		{" On ", triOn},
		{"off", triOff},
	}
	for _, tc := range cases {
		got, err := readTriState("ui", tc.input)
		if err != nil {
			t.Fatalf("readTriState(%q) error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("readTriState(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
	if _, err := readTriState("ui", "sometimes"); err == nil {
		t.Fatalf("expected error for invalid value")
	}
}
