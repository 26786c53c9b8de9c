package main

import "testing"

func TestShortID(t *testing.T) {
	tests := []struct {
		uid  string
		want string
	}{
		{"3f2a9c1e-7b4d-4e2a-9f1c-0d8e6b5a4c3b", "3f2a9c1e"},
		{"12345678", "12345678"},
		{"abc", "abc"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := shortID(tt.uid); got != tt.want {
			t.Errorf("shortID(%q) mismatch: got %q, want %q", tt.uid, got, tt.want)
		}
	}
}

func TestDaysString(t *testing.T) {
	tests := []struct {
		days string
		want string
	}{
		{"", "-"},
		{"1", "Mon"},
		{"0,6", "Sun,Sat"},
		{"1,9", "Mon,9"},
	}

	for _, tt := range tests {
		if got := daysString(tt.days); got != tt.want {
			t.Errorf("daysString(%q) mismatch: got %q, want %q", tt.days, got, tt.want)
		}
	}
}
