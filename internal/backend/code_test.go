package backend

import (
	"errors"
	"strings"
	"testing"
)

func TestCodeClassification(t *testing.T) {
	cases := []struct {
		code Code
		want Class
	}{
		{Success, ClassSuccess},
		{InProgress, ClassInProgress},
		{DeviceError, ClassFatal},
		{SystemError, ClassFatal},
		{InternalError, ClassFatal},
		{InvalidArgument, ClassFatal},
		{InvalidUsage, ClassFatal},
		{RemoteError, ClassFatal},
		{Code(42), ClassFatal},
	}
	for _, tc := range cases {
		if got := tc.code.Class(); got != tc.want {
			t.Fatalf("Class(%v) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestDescribeIncludesVersion(t *testing.T) {
	got := Describe(SystemError, "2.21.5")
	if !strings.Contains(got, "system error") || !strings.Contains(got, "2.21.5") {
		t.Fatalf("Describe missing code or version: %q", got)
	}
}

func TestDetailPrefersFailureReason(t *testing.T) {
	reason := "operation timed out after 1800000 ms"
	if got := Detail(RemoteError, reason); got != reason {
		t.Fatalf("Detail with reason = %q, want %q", got, reason)
	}
	if got := Detail(RemoteError, ""); !strings.Contains(got, "remote process") {
		t.Fatalf("Detail without reason = %q, want generic remote hint", got)
	}
}

func TestErrorCarriesCode(t *testing.T) {
	err := error(Errf("commAbort", SystemError, "2.21.5", ""))
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("errors.As failed for backend error")
	}
	if be.Code != SystemError {
		t.Fatalf("code = %v, want %v", be.Code, SystemError)
	}
	if !strings.Contains(err.Error(), "commAbort") {
		t.Fatalf("message does not name the op: %q", err.Error())
	}
}

func TestFeatureHas(t *testing.T) {
	f := FeatureNonblocking | FeatureSplit
	if !f.Has(FeatureSplit) {
		t.Fatalf("expected FeatureSplit present")
	}
	if f.Has(FeatureSegmentRegister) {
		t.Fatalf("unexpected FeatureSegmentRegister")
	}
	if !FeatureAll.Has(FeatureStateDump | FeatureAsyncError) {
		t.Fatalf("FeatureAll should cover every capability")
	}
}

func TestDeriveSplitIDIsDeterministic(t *testing.T) {
	parent := NewUniqueID()
	a := DeriveSplitID(parent, 3)
	b := DeriveSplitID(parent, 3)
	if a != b {
		t.Fatalf("same parent and color must derive the same child id")
	}
	if DeriveSplitID(parent, 4) == a {
		t.Fatalf("different colors must derive different child ids")
	}
	if DeriveSplitID(NewUniqueID(), 3) == a {
		t.Fatalf("different parents must derive different child ids")
	}
}
