package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioguard/internal/domain"
)

func TestPolicyForMatching(t *testing.T) {
	table, err := NewTable([]Rule{
		{Process: "Game.exe", Strategy: domain.StrategyDecreaseFromFull, Volume: 0.4},
		{Process: "spotify", Strategy: domain.StrategyForce, Volume: 0.6},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		want domain.VolumeStrategy
		ok   bool
	}{
		{"game.exe", domain.StrategyDecreaseFromFull, true},
		{"GAME.EXE", domain.StrategyDecreaseFromFull, true},
		{"game", domain.StrategyDecreaseFromFull, true},
		{"Spotify.exe", domain.StrategyForce, true},
		{"spotify", domain.StrategyForce, true},
		{"discord", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := table.PolicyFor(domain.ProcessInfo{PID: 1, Name: tt.name})
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, p.Strategy)
			}
		})
	}
}

func TestReplaceValidates(t *testing.T) {
	table, err := NewTable([]Rule{{Process: "a", Strategy: domain.StrategyForce, Volume: 0.5}})
	require.NoError(t, err)

	assert.Error(t, table.Replace([]Rule{{Process: "", Volume: 0.5}}))
	assert.ErrorIs(t, table.Replace([]Rule{{Process: "b", Volume: 1.5}}), domain.ErrInvalidFraction)
	assert.Error(t, table.Replace([]Rule{{Process: "b", Volume: 0.1}, {Process: "B", Volume: 0.2}}))
	assert.Equal(t, 1, table.Len(), "failed replace keeps old rules")

	require.NoError(t, table.Replace([]Rule{
		{Process: "zoom", Strategy: domain.StrategyIncrease, Volume: 0.8},
		{Process: "chrome", Strategy: domain.StrategyDecrease, Volume: 0.3},
	}))
	rules := table.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "chrome", rules[0].Process)
	_, ok := table.PolicyFor(domain.ProcessInfo{Name: "a"})
	assert.False(t, ok)
}

func TestEmptyTable(t *testing.T) {
	table := &Table{}
	_, ok := table.PolicyFor(domain.ProcessInfo{Name: "x"})
	assert.False(t, ok)
	assert.Nil(t, table.Rules())
	assert.Equal(t, 0, table.Len())
}
