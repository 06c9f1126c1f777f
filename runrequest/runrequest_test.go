package runrequest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/runrequest"
)

func TestDecodeDefaultsControlMode(t *testing.T) {
	req, err := runrequest.Decode([]byte(`{"goal_id":"goal.X","inputs":{}}`))
	require.NoError(t, err)
	require.Equal(t, runrequest.FallbackOnly, req.ControlMode)
}

func TestDecodeRejectsMissingGoalID(t *testing.T) {
	_, err := runrequest.Decode([]byte(`{"inputs":{}}`))
	require.Error(t, err)
}

func TestDecodeRejectsInvalidControlMode(t *testing.T) {
	_, err := runrequest.Decode([]byte(`{"goal_id":"goal.X","control_mode":"Bogus"}`))
	require.Error(t, err)
}

func TestDecodePreservesUnknownTopLevelKeys(t *testing.T) {
	req, err := runrequest.Decode([]byte(`{"goal_id":"goal.X","future_field":42}`))
	require.NoError(t, err)
	require.Contains(t, req.Extra, "future_field")
}

func TestDecodeCapabilityFilter(t *testing.T) {
	req, err := runrequest.Decode([]byte(`{"goal_id":"goal.X","capability_filter":{"allow":["AID.A.*"],"deny":["AID.B.v1"]}}`))
	require.NoError(t, err)
	require.NotNil(t, req.CapabilityFilter)
	require.Equal(t, []string{"AID.A.*"}, req.CapabilityFilter.Allow)
}
