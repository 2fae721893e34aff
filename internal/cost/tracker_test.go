package cost

import (
	"testing"

	"github.com/nexrun/wfkernel/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnlimitedWhenMaxTokensZero(t *testing.T) {
	tr := New(kernel.Policy{})
	assert.True(t, tr.Unlimited())
	assert.Equal(t, 0, tr.Remaining())
}

func TestReserveAndSettle_WithinBudget(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 100})

	r := tr.Reserve("1.000", 30)
	assert.Equal(t, 70, tr.Remaining())

	err := tr.Settle(r, 25)
	require.NoError(t, err)
	assert.Equal(t, 75, tr.Remaining())
	assert.False(t, tr.DrainModeEntered())
}

func TestSettle_ActualHigherThanEstimateStaysWithinBudget(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 100})

	r := tr.Reserve("1.000", 10)
	err := tr.Settle(r, 40)
	require.NoError(t, err)
	assert.Equal(t, 60, tr.Remaining())
}

func TestSettle_OverdrawReportsErrorButRecordsSpend(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 50})

	r := tr.Reserve("1.000", 10)
	err := tr.Settle(r, 60)

	require.Error(t, err)
	assert.Equal(t, kernel.ErrCodeBudgetExhausted, err.(*kernel.KernelError).Code)
	assert.True(t, tr.DrainModeEntered())
	assert.Equal(t, 0, tr.Remaining())
}

func TestReserve_OverdrawEntersDrainMode(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 10})

	tr.Reserve("1.000", 20)
	assert.True(t, tr.DrainModeEntered())
}

func TestShouldSkip_NotInDrainMode(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 100})
	assert.False(t, tr.ShouldSkip(5))
	assert.False(t, tr.ShouldSkip(0))
}

func TestShouldSkip_SkipNonzeroDefault(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 10})
	tr.Reserve("1.000", 20)

	assert.True(t, tr.ShouldSkip(5))
	assert.False(t, tr.ShouldSkip(0))
}

func TestShouldSkip_SkipAll(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 10, DrainMode: kernel.DrainModeSkipAll})
	tr.Reserve("1.000", 20)

	assert.True(t, tr.ShouldSkip(5))
	assert.True(t, tr.ShouldSkip(0))
}

func TestSnapshot_ReflectsSpentReservedAndRemaining(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 100})

	r1 := tr.Reserve("1.000", 20)
	tr.Reserve("1.001", 30)
	_ = tr.Settle(r1, 15)

	snap := tr.Snapshot()
	assert.Equal(t, 15, snap.Spent)
	assert.Equal(t, 30, snap.Reserved)
	assert.Equal(t, 55, snap.BudgetRemaining)
	assert.False(t, snap.DrainModeEntered)
}

func TestRemaining_NeverNegative(t *testing.T) {
	tr := New(kernel.Policy{MaxTokens: 10})
	tr.Reserve("1.000", 50)
	assert.Equal(t, 0, tr.Remaining())
}
