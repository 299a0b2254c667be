package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbook/fieldbook/internal/backup"
)

func TestParseSince(t *testing.T) {
	base := time.Date(2024, 1, 10, 15, 0, 0, 0, time.Local)

	got, err := parseSince("2024-01-03", base)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.Local)))

	got, err = parseSince("yesterday", base)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Day())

	_, err = parseSince("qwerty", base)
	assert.Error(t, err)
}

func TestFilterSince(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 9, 0, 0, 0, time.Local) }
	entries := []backup.Entry{
		{Name: "a", Time: day(1)},
		{Name: "b"},
		{Name: "c", Time: day(3)},
		{Name: "d", Time: day(5)},
	}

	all := filterSince(append([]backup.Entry(nil), entries...), time.Time{})
	assert.Len(t, all, 4)

	recent := filterSince(append([]backup.Entry(nil), entries...), day(3))
	names := make([]string, len(recent))
	for i, e := range recent {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"c", "d"}, names)
}
