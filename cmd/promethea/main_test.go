package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean shutdown", nil, 0},
		{"startup failure", errors.New("bind: address already in use"), 1},
		{"runtime fatal", fatalError{errors.New("accept failed")}, 2},
		{"wrapped runtime fatal", fmt.Errorf("serve: %w", fatalError{errors.New("accept failed")}), 2},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("%s: exit code = %d, want %d", tc.name, got, tc.want)
		}
	}
}
