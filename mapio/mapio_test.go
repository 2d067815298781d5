package mapio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-slammot/estimator/se3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePCDRoundTripsHeaderAndPayloadSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cloud.pcd")

	points := []Point{{X: 1, Y: 2, Z: 3, Intensity: 0}, {X: 4, Y: 5, Z: 6, Intensity: 1}}
	require.NoError(t, WritePCD(path, points))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	header := pcdHeader(len(points))
	assert.True(t, len(data) >= len(header)+16*len(points))
	assert.Equal(t, header, string(data[:len(header)]))
}

func TestSaveMapWritesAllFiveFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "map-out")
	snap := MapSnapshot{
		Transformations: []Transformation{
			{Index: 0, X: 0, Y: 0, Z: 0, Time: time.Unix(0, 0)},
			{Index: 1, X: 1, Y: 0, Z: 0, Time: time.Unix(1, 0)},
		},
		CornerMap: []Point{{X: 1, Y: 1, Z: 1}},
		SurfMap:   []Point{{X: 2, Y: 2, Z: 2}},
		GlobalMap: []Point{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 2, Z: 2}},
	}
	require.NoError(t, SaveMap(dir, snap))

	for _, name := range []string{"trajectory.pcd", "transformations.pcd", "CornerMap.pcd", "SurfMap.pcd", "GlobalMap.pcd"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestSaveEstimationResultWritesOneLinePerTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.jsonl")
	states := []ObjectState{
		{TrackingIndex: uuid.New(), ObjectIndex: 1, Pose: se3.Identity(), Velocity: se3.Identity(), State: "TIGHT"},
		{TrackingIndex: uuid.New(), ObjectIndex: 2, Pose: se3.Identity(), Velocity: se3.Identity(), State: "LOOSE"},
	}
	require.NoError(t, SaveEstimationResult(path, states))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded []ObjectState
	dec := json.NewDecoder(strings.NewReader(string(data)))
	for {
		var s ObjectState
		if err := dec.Decode(&s); err != nil {
			break
		}
		decoded = append(decoded, s)
	}
	require.Len(t, decoded, 2)
	assert.Equal(t, states[0].ObjectIndex, decoded[0].ObjectIndex)
	assert.Equal(t, states[1].State, decoded[1].State)
}
