package faults

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient("enumerate", errors.New("proc busy")), KindTransient},
		{"structural", Structural("ensure_branch", errors.New("no such ref")), KindStructural},
		{"abuse", Abuse("cpu", errors.New("99%")), KindResourceAbuse},
		{"trip", Trip("breaker", errors.New("5 crashes")), KindPolicyTrip},
		{"wrapped", fmt.Errorf("poll: %w", Transient("stat", os.ErrPermission)), KindTransient},
		{"plain", errors.New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwraps(t *testing.T) {
	err := Structural("exec", os.ErrNotExist)
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("errors.Is should see the wrapped cause")
	}
	if !IsStructural(err) || IsTransient(err) {
		t.Error("classification helpers disagree with Kind")
	}
	if err.Error() != "exec: file does not exist" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStructuralf(t *testing.T) {
	err := Structuralf("append", "consecutive %s", "BOOTSTRAPPING")
	if err.Error() != "append: consecutive BOOTSTRAPPING" {
		t.Errorf("Error() = %q", err.Error())
	}
}
