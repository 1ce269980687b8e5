package session

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalWithoutContext(t *testing.T) {
	b, err := BuildEnvelope("hi", nil).Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"hi","context":null}`, string(b))
}

func TestEnvelopeSnapshotIsDetached(t *testing.T) {
	mc := &ModelContext{Filename: "a.ifc", ProjectName: "P", Entities: []EntityCount{{Type: "IfcDoor", Count: 2}}}
	env := BuildEnvelope("hi", mc)
	mc.ProjectName = "changed"
	mc.Entities[0].Count = 7

	b, err := env.Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"hi","context":{"filename":"a.ifc","projectName":"P","entities":[{"type":"IfcDoor","count":2}]}}`, string(b))
}

func TestValidateSelection(t *testing.T) {
	require.NoError(t, ValidateSelection("/tmp/house.ifc"))
	require.NoError(t, ValidateSelection("HOUSE.IFC"))
	for _, p := range []string{"house.ifcxml", "house", "house.ifc.zip", "plan.dwg"} {
		err := ValidateSelection(p)
		require.Error(t, err, p)
		require.True(t, errors.Is(err, ErrInvalidFileSelection), p)
	}
}

func TestConnectionStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "closed", StateClosed.String())

	var s ConnectionState
	require.NoError(t, s.UnmarshalText([]byte("open")))
	require.Equal(t, StateOpen, s)
	require.Error(t, s.UnmarshalText([]byte("half-open")))
}
