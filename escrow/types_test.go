package escrow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"pending", " Approved ", "RELEASED", "locked"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		require.True(t, status.Valid())
	}
	_, err := ParseStatus("refunded")
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusApproved.Terminal())
	require.True(t, StatusReleased.Terminal())
	require.True(t, StatusLocked.Terminal())
}

func TestApproverAndPartySets(t *testing.T) {
	esc := &Escrow{Sender: "GSENDER", Receiver: "GRECEIVER", Mediator: "GMEDIATOR"}

	require.True(t, esc.IsParty("GSENDER"))
	require.True(t, esc.IsParty("GRECEIVER"))
	require.True(t, esc.IsParty("GMEDIATOR"))
	require.False(t, esc.IsParty("GSOMEONE"))
	require.False(t, esc.IsParty(""))

	require.True(t, esc.IsApprover("GSENDER"))
	require.True(t, esc.IsApprover("GRECEIVER"))
	require.True(t, esc.IsApprover("GMEDIATOR"))
	require.False(t, esc.IsApprover("GSOMEONE"))

	esc.Mediator = ""
	require.False(t, esc.IsApprover("GMEDIATOR"))
	require.True(t, esc.IsApprover("GSENDER"))
	require.False(t, esc.IsParty(""))
}

func TestCloneIsDeep(t *testing.T) {
	esc := &Escrow{ID: "a", ApprovedBy: []string{"x"}, ReleaseSigners: []string{"y"}}
	clone := esc.Clone()
	clone.ApprovedBy[0] = "mutated"
	clone.ReleaseSigners = append(clone.ReleaseSigners, "z")
	require.Equal(t, []string{"x"}, esc.ApprovedBy)
	require.Equal(t, []string{"y"}, esc.ReleaseSigners)
}

func TestValidateAmount(t *testing.T) {
	require.NoError(t, ValidateAmount("1"))
	require.NoError(t, ValidateAmount("0.0000001"))
	require.NoError(t, ValidateAmount(" 250.75 "))

	require.Error(t, ValidateAmount(""))
	require.Error(t, ValidateAmount("0"))
	require.Error(t, ValidateAmount("-3"))
	require.Error(t, ValidateAmount("0.00000001"))
	require.Error(t, ValidateAmount("ten"))
}
