package validation

import (
	"strings"
	"testing"
)

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"SC-12345678903", true},
		{"SC-4561261212345467", true},
		{"SC-12345678902", false},
		{"12345678903", false},
		{"SC-", false},
		{"SC-12a45678903", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidOrderNumber(tt.number); got != tt.want {
			t.Errorf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}
}

func TestIsValidDeclineReason(t *testing.T) {
	if IsValidDeclineReason("") {
		t.Error("empty reason must be invalid")
	}
	if !IsValidDeclineReason("audio is out of sync") {
		t.Error("normal reason must be valid")
	}
	if !IsValidDeclineReason(strings.Repeat("a", MaxDeclineReasonLen)) {
		t.Error("reason of max length must be valid")
	}
	if IsValidDeclineReason(strings.Repeat("a", MaxDeclineReasonLen+1)) {
		t.Error("reason over max length must be invalid")
	}
}

func TestIsValidTipMessage(t *testing.T) {
	if !IsValidTipMessage("") {
		t.Error("empty tip message must be valid")
	}
	if IsValidTipMessage(strings.Repeat("x", MaxTipMessageLen+1)) {
		t.Error("tip message over max length must be invalid")
	}
}

func TestIsValidTipAmount(t *testing.T) {
	if IsValidTipAmount(0) || IsValidTipAmount(-5) {
		t.Error("non-positive tip amount must be invalid")
	}
	if !IsValidTipAmount(1) {
		t.Error("positive tip amount must be valid")
	}
}
