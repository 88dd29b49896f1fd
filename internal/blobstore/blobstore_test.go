package blobstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldOffload(t *testing.T) {
	assert.False(t, ShouldOffload(make([]byte, InlineThresholdBytes)))
	assert.True(t, ShouldOffload(make([]byte, InlineThresholdBytes+1)))
}

func TestMaybeOffload_BelowThresholdPassesThrough(t *testing.T) {
	s := New(nil, "bucket")
	contents := []byte(`{"report":"report.csv"}`)

	out, err := s.MaybeOffload(context.Background(), uuid.New(), "outputs", contents)
	require.NoError(t, err)
	assert.Equal(t, contents, out, "a small payload never touches the client, so a nil client is safe here")
}

func TestResolve_NonWrapperPassesThrough(t *testing.T) {
	s := New(nil, "bucket")
	contents := []byte(`{"report":"report.csv"}`)

	out, err := s.Resolve(context.Background(), uuid.New(), "outputs", contents)
	require.NoError(t, err)
	assert.Equal(t, contents, out)
}

func TestResolve_EmptyBlobRefPassesThrough(t *testing.T) {
	s := New(nil, "bucket")
	contents := []byte(`{"blobRef":""}`)

	out, err := s.Resolve(context.Background(), uuid.New(), "outputs", contents)
	require.NoError(t, err)
	assert.Equal(t, contents, out)
}

