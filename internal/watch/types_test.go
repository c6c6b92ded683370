package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hour int) time.Time {
	return time.Date(2026, time.March, 10, hour, 30, 0, 0, time.UTC)
}

func TestActiveHours_Contains_SimpleWindow(t *testing.T) {
	t.Parallel()

	w := ActiveHours{StartHour: 9, EndHour: 17}
	require.False(t, w.Contains(at(8)))
	require.True(t, w.Contains(at(9)))
	require.True(t, w.Contains(at(16)))
	require.False(t, w.Contains(at(17)))
	require.False(t, w.Contains(at(23)))
}

func TestActiveHours_Contains_WrapsMidnight(t *testing.T) {
	t.Parallel()

	w := ActiveHours{StartHour: 22, EndHour: 6}
	require.True(t, w.Contains(at(23)))
	require.True(t, w.Contains(at(0)))
	require.True(t, w.Contains(at(5)))
	require.False(t, w.Contains(at(6)))
	require.False(t, w.Contains(at(12)))
}

func TestFallbackOrder_CheapestFirst(t *testing.T) {
	t.Parallel()

	require.Equal(t, ProviderHTTP, FallbackOrder[0])
	require.Equal(t, ProviderTwocaptchaDatadome, FallbackOrder[len(FallbackOrder)-1])
	require.Len(t, FallbackOrder, 8)

	for _, p := range FallbackOrder[:4] {
		require.False(t, PaidProviders[p], "provider %s should be free", p)
	}
	for _, p := range FallbackOrder[4:] {
		require.True(t, PaidProviders[p], "provider %s should be paid", p)
	}
}
