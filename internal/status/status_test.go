package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncateNameShortensLongNames(t *testing.T) {
	got := truncateName("a-very-long-release-name-that-overflows", 10)
	assert.LessOrEqual(t, len([]rune(got)), 11) // 10 + ellipsis
	assert.Contains(t, got, "…")
}

func TestTruncateNameLeavesShortNamesAlone(t *testing.T) {
	assert.Equal(t, "short", truncateName("short", 20))
}

func TestRateReportsZeroWithNoSamples(t *testing.T) {
	d := New("test.iso", 10)
	assert.Equal(t, "0 B/s", d.Rate())
}

func TestPieceCompletedAccumulatesRate(t *testing.T) {
	d := New("test.iso", 10)
	d.windowDuration = time.Minute

	d.PieceCompleted(1 << 20)
	d.PieceCompleted(1 << 20)

	assert.NotEqual(t, "0 B/s", d.Rate())
}
