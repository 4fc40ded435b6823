package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleRequest(t *testing.T) {
	req, err := options{from: "2025-11-03", to: "2025-11-04", noMail: true, forceReimport: true}.cycleRequest()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC), req.Window.From)
	assert.Equal(t, time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC), req.Window.To)
	require.NotNil(t, req.Mail)
	assert.False(t, *req.Mail)
	assert.True(t, req.ForceReimport)

	req, err = options{}.cycleRequest()
	require.NoError(t, err)
	assert.Nil(t, req.Mail)
	assert.True(t, req.Window.IsZero())

	_, err = options{from: "3.11.2025"}.cycleRequest()
	assert.Error(t, err)
}
