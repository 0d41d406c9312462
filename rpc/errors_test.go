package rpc

import (
	"errors"
	"testing"
)

func TestErrorfDefaults(t *testing.T) {
	e := errorf("boom %d", 42)
	if e.Reason != "boom 42" {
		t.Fatalf("Reason = %q", e.Reason)
	}
	if e.Type != Failed || e.Durability != Permanent || e.IsCallersFault {
		t.Fatalf("unexpected defaults: %+v", e)
	}
}

func TestPreconditionfIsCallersFault(t *testing.T) {
	e := preconditionf("bad target %d", 7)
	if !e.IsCallersFault {
		t.Fatal("preconditionf should mark IsCallersFault")
	}
	if typeOf(e) != Failed {
		t.Fatalf("typeOf = %v, want Failed", typeOf(e))
	}
}

func TestTypeOfNonException(t *testing.T) {
	if got := typeOf(errors.New("plain")); got != Failed {
		t.Fatalf("typeOf(plain error) = %v, want Failed", got)
	}
}

func TestAnnotatePreservesExceptionFields(t *testing.T) {
	inner := disconnectedf("peer hung up")
	wrapped := annotate(inner).errorf("sending call")
	if wrapped.Type != Disconnected {
		t.Fatalf("Type = %v, want Disconnected", wrapped.Type)
	}
	if wrapped.Durability != Permanent {
		t.Fatalf("Durability = %v, want Permanent", wrapped.Durability)
	}
	want := "sending call: " + inner.Reason
	if wrapped.Reason != want {
		t.Fatalf("Reason = %q, want %q", wrapped.Reason, want)
	}
}

func TestAnnotatePlainError(t *testing.T) {
	wrapped := annotate(errors.New("disk full")).errorf("writing segment")
	if wrapped.Type != Failed {
		t.Fatalf("Type = %v, want Failed", wrapped.Type)
	}
	if wrapped.Reason != "writing segment: disk full" {
		t.Fatalf("Reason = %q", wrapped.Reason)
	}
}

func TestRemoteExceptionPrefixed(t *testing.T) {
	e := remoteException("method not found", true, Temporary)
	if e.Reason != "remote exception: method not found" {
		t.Fatalf("Reason = %q", e.Reason)
	}
	if !e.IsCallersFault || e.Durability != Temporary {
		t.Fatalf("unexpected fields: %+v", e)
	}
}
