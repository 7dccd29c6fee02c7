package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain error", fmt.Errorf("boom"), CodeInternal},
		{"typed error", New(CodeNotFound, "no such workload"), CodeNotFound},
		{"wrapped typed error", fmt.Errorf("outer: %w", New(CodeInvalid, "bad step")), CodeInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalCode(tc.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	e := Wrap(CodeClusterTimeout, fmt.Errorf("dial tcp: timeout"), "cluster %s did not respond", "eu-west-1")
	assert.Contains(t, e.Error(), "CLUSTER_TIMEOUT")
	assert.Contains(t, e.Error(), "eu-west-1")
	assert.Contains(t, e.Error(), "dial tcp: timeout")
}
