package memutils_test

import (
	"math"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/iolojz/UtopiaOS/memutils"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, uintptr(0), memutils.AlignUp(0, 16))
	require.Equal(t, uintptr(16), memutils.AlignUp(1, 16))
	require.Equal(t, uintptr(16), memutils.AlignUp(16, 16))
	require.Equal(t, uintptr(32), memutils.AlignUp(17, 16))
	require.Equal(t, uintptr(4096), memutils.AlignUp(1, 4096))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, uintptr(0), memutils.AlignDown(15, 16))
	require.Equal(t, uintptr(16), memutils.AlignDown(16, 16))
	require.Equal(t, uintptr(16), memutils.AlignDown(31, 16))
}

func TestAlignUpChecked(t *testing.T) {
	aligned, ok := memutils.AlignUpChecked(17, 16)
	require.True(t, ok)
	require.Equal(t, uintptr(32), aligned)

	top := ^uintptr(0)
	_, ok = memutils.AlignUpChecked(top-3, 16)
	require.False(t, ok)

	aligned, ok = memutils.AlignUpChecked(top&^uintptr(15), 16)
	require.True(t, ok)
	require.Equal(t, top&^uintptr(15), aligned)
}

func TestMsb(t *testing.T) {
	require.Equal(t, uint(0), memutils.Msb(0))
	require.Equal(t, uint(1), memutils.Msb(1))
	require.Equal(t, uint(7), memutils.Msb(64))
	require.Equal(t, uint(7), memutils.Msb(127))
	require.Equal(t, uint(13), memutils.Msb(4096))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(64), "value"))
	require.NoError(t, memutils.CheckPow2(uint(1), "value"))

	err := memutils.CheckPow2(uint(48), "value")
	require.Error(t, err)
	require.True(t, cerrors.Is(err, memutils.PowerOfTwoError))
}

func TestStatisticsClear(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, uintptr(math.MaxUint), stats.AllocationSizeMin)
	require.Equal(t, uintptr(0), stats.AllocationSizeMax)
}

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddUnusedRange(50)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, uintptr(400), stats.AllocationBytes)
	require.Equal(t, uintptr(100), stats.AllocationSizeMin)
	require.Equal(t, uintptr(300), stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, uintptr(50), stats.UnusedRangeSizeMin)
}
