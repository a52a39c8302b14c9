package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionExpiresNext(t *testing.T) {
	Config.SessionsExpire = []time.Time{
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2000, 7, 1, 0, 0, 0, 0, time.Local),
	}

	// mid-semester: expires at the next boundary, not the previous one
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.Local), sessionExpiresNext(now))

	// late in the year: rolls over to January of the next year
	now = time.Date(2026, 11, 2, 9, 30, 0, 0, time.Local)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.Local), sessionExpiresNext(now))
}

func TestSessionExpiresNextNoBoundaries(t *testing.T) {
	Config.SessionsExpire = nil
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)
	assert.Equal(t, now.AddDate(1, 0, 0), sessionExpiresNext(now))
}
