package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covercraft.ai/internal/sim/cover"
)

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cover.yaml")
	raw := `
tick_rate_hz: 30
spatial:
  cell_size: 8
occupancy:
  strict: true
dynamic:
  negative_threshold: 2
sampler:
  max_queue: 16
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	tune, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, tune.TickRateHz)
	assert.Equal(t, 8.0, tune.Spatial.CellSize)
	assert.True(t, tune.Occupancy.Strict)
	assert.Equal(t, 0.5, tune.Occupancy.CompromiseRadius)

	dc := tune.DynamicConfig()
	assert.Equal(t, 2, dc.NegativeThreshold)
	assert.Equal(t, 5, dc.SamplesPerValidation)
	assert.Equal(t, 16, dc.Sampler.MaxQueue)

	cc := tune.CoverConfig()
	assert.Equal(t, 8.0, cc.CellSize)
	assert.True(t, cc.StrictOccupancy)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tick_rate_hz: [1"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tick_rate_hz: 0"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestUserParams_FillsOnlyUnset(t *testing.T) {
	tune := Defaults()
	p := tune.UserParams(cover.UserParams{Entity: 3, InCoverRadius: 0.6})
	assert.Equal(t, 0.6, p.InCoverRadius)
	assert.Equal(t, 0.5, p.DistanceToCover)
	assert.Equal(t, 0.8, p.MinEffectiveHeight)
	assert.Equal(t, 10.0, p.BlacklistDuration)
}
