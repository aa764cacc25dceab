package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPharmacyID(t *testing.T) {
	_, err := PharmacyID(context.Background())
	assert.ErrorIs(t, err, ErrNoPharmacyInContext)

	ctx := WithPharmacyID(context.Background(), "ph-1")
	id, err := PharmacyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ph-1", id)
}

func TestAllows(t *testing.T) {
	scoped := WithPharmacyID(context.Background(), "ph-1")

	assert.True(t, Allows(scoped, "ph-1"))
	assert.False(t, Allows(scoped, "ph-2"))
	assert.True(t, Allows(context.Background(), "ph-2"))
}
