package backendauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOIDCHandler_NilConfig(t *testing.T) {
	_, err := newOIDCHandler(nil, "")
	require.Error(t, err)
}
