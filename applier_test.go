package schemagen_test

import (
	"context"
	"testing"
	"time"

	"github.com/mantty/schemagen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplierApply(t *testing.T) {
	db := newFakeDB(nil)
	a := schemagen.NewApplier(db, "schemagen_history", time.Minute, nil)

	result, err := a.Apply(context.Background(), "testdata/migrations", "public")
	require.NoError(t, err)
	assert.Len(t, result.Applied, 4)
	assert.Zero(t, result.Skipped)
	assert.False(t, db.locked, "the lock must be released")

	result, err = a.Apply(context.Background(), "testdata/migrations", "public")
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Equal(t, 4, result.Skipped)

	status, err := a.Validate(context.Background(), "testdata/migrations", "public")
	require.NoError(t, err)
	assert.Len(t, status.Applied, 4)
	assert.Empty(t, status.Pending)
}

func TestApplierTimeout(t *testing.T) {
	db := newFakeDB(nil)
	db.block = true
	a := schemagen.NewApplier(db, "schemagen_history", 50*time.Millisecond, nil)

	start := time.Now()
	_, err := a.Apply(context.Background(), "testdata/migrations", "public")
	require.ErrorIs(t, err, schemagen.ErrMigrationTimeout)
	assert.ErrorIs(t, err, schemagen.ErrConnection)
	assert.Equal(t, "MigrationTimeout", schemagen.KindOf(err))
	assert.Equal(t, 17, schemagen.ExitCode(err))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, db.locked, "the lock must be released")
	assert.Empty(t, db.executed)
}
