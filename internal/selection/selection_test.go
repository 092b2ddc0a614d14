package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func names(fns []*models.SaFunction) []string {
	out := make([]string, len(fns))
	for i, fn := range fns {
		out[i] = fn.Name
	}
	return out
}

func TestSelect_ReferentialCompleteness(t *testing.T) {
	lib := &models.Library{ID: 1, Name: "gpio", Functions: []models.LibraryFunction{{ID: 10, LibraryID: 1, Name: "blink"}}}
	older := &models.SaFunction{ID: 100, Name: "blink_a", LibraryRef: &models.LibraryRef{FunctionID: 10, LibraryID: 1}, CreatedAt: t0}
	newer := &models.SaFunction{ID: 101, Name: "blink_b", LibraryRef: &models.LibraryRef{FunctionID: 10, LibraryID: 1}, CreatedAt: t0.Add(time.Hour)}

	res := Select(Input{
		Stack:   []models.StackEntry{{Library: lib}},
		Derived: map[int64][]*models.SaFunction{10: {newer, older}},
	})

	require.Len(t, res.ActiveFunctions, 1)
	assert.Equal(t, int64(101), res.ActiveFunctions[0].ID)
	require.Len(t, res.Catalog, 1)
	assert.Equal(t, "L1", res.Catalog[0].Key.String())
}

func TestSelect_RepairTieBreaksOnID(t *testing.T) {
	lib := &models.Library{ID: 1, Functions: []models.LibraryFunction{{ID: 10, LibraryID: 1}}}
	a := &models.SaFunction{ID: 5, Name: "a", CreatedAt: t0}
	b := &models.SaFunction{ID: 7, Name: "b", CreatedAt: t0}

	res := Select(Input{
		Stack:   []models.StackEntry{{Library: lib}},
		Derived: map[int64][]*models.SaFunction{10: {b, a}},
	})
	assert.Equal(t, []int64{7}, res.FunctionIDs())
}

func TestSelect_RepairSkippedWhenClaimed(t *testing.T) {
	lib := &models.Library{ID: 1, Functions: []models.LibraryFunction{{ID: 10, LibraryID: 1}}}
	ref := &models.LibraryRef{FunctionID: 10, LibraryID: 1}
	chosen := &models.SaFunction{ID: 1, Name: "chosen", LibraryRef: ref, CreatedAt: t0}
	other := &models.SaFunction{ID: 2, Name: "other", LibraryRef: ref, CreatedAt: t0.Add(time.Hour)}
	dl := &models.DeviceLibrary{ID: 3, Functions: []*models.SaFunction{chosen}}

	res := Select(Input{
		Stack:   []models.StackEntry{{Library: lib}, {DeviceLibrary: dl}},
		Derived: map[int64][]*models.SaFunction{10: {chosen, other}},
	})
	assert.Equal(t, []string{"chosen"}, names(res.ActiveFunctions))
}

func TestSelect_DanglingExclusion(t *testing.T) {
	dangling := &models.SaFunction{ID: 1, Name: "orphan", LibraryRef: &models.LibraryRef{FunctionID: 9, LibraryID: 42}}
	plain := &models.SaFunction{ID: 2, Name: "plain"}
	dl := &models.DeviceLibrary{ID: 1, Functions: []*models.SaFunction{dangling, plain}}

	res := Select(Input{Stack: []models.StackEntry{{DeviceLibrary: dl}}})
	assert.Equal(t, []string{"plain"}, names(res.ActiveFunctions))
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, int64(1), res.Excluded[0].ID)
}

func TestSelect_LaterLibraryWinsOnName(t *testing.T) {
	first := &models.DeviceLibrary{ID: 1, Functions: []*models.SaFunction{{ID: 1, Name: "read"}}}
	second := &models.DeviceLibrary{ID: 2, Functions: []*models.SaFunction{{ID: 2, Name: "read"}, {ID: 3, Name: "write"}}}

	res := Select(Input{Stack: []models.StackEntry{{DeviceLibrary: first}, {DeviceLibrary: second}}})
	assert.Equal(t, []int64{2, 3}, res.FunctionIDs())
}

func TestSelect_FeatureDedupByDirectionAndName(t *testing.T) {
	idf := models.DfType{Direction: models.DfInput}
	odf := models.DfType{Direction: models.DfOutput}
	first := &models.DeviceLibrary{ID: 1, Features: []models.DeviceFeature{
		{ID: 1, Name: "Acc", Type: idf},
		{ID: 2, Name: "Acc", Type: odf},
	}}
	second := &models.DeviceLibrary{ID: 2, Features: []models.DeviceFeature{
		{ID: 3, Name: "Acc", Type: idf},
	}}

	res := Select(Input{Stack: []models.StackEntry{{DeviceLibrary: first}, {DeviceLibrary: second}}})
	require.Len(t, res.Features.Inputs, 1)
	assert.Equal(t, int64(3), res.Features.Inputs[0].ID)
	require.Len(t, res.Features.Outputs, 1)
	assert.Equal(t, int64(2), res.Features.Outputs[0].ID)

	f, ok := res.Feature(models.DfOutput, "Acc")
	require.True(t, ok)
	assert.Equal(t, int64(2), f.ID)
}

func TestSelect_VarSetupAndCatalog(t *testing.T) {
	lib := &models.Library{ID: 1, Name: "gpio", VarSetup: models.NewVarSetupBlock("pin=1\nmode=out", []int{0})}
	empty := &models.Library{ID: 2, Name: "none"}
	dl := &models.DeviceLibrary{ID: 1, VarSetup: models.NewVarSetupBlock("pin=1", nil)}

	res := Select(Input{Stack: []models.StackEntry{{Library: lib}, {Library: empty}, {DeviceLibrary: dl}}})
	assert.Equal(t, []string{"pin=1", "mode=out"}, res.VarSetup.Content)
	assert.Equal(t, models.LineSet{0}, res.VarSetup.ReadonlyLines)
	assert.Empty(t, res.Catalog)
}

func TestSelect_Deterministic(t *testing.T) {
	lib := &models.Library{ID: 1, Functions: []models.LibraryFunction{{ID: 10}, {ID: 11}}}
	in := Input{
		Stack: []models.StackEntry{{Library: lib}},
		Derived: map[int64][]*models.SaFunction{
			10: {{ID: 1, Name: "x", CreatedAt: t0}},
			11: {{ID: 2, Name: "y", CreatedAt: t0}},
		},
	}
	assert.Equal(t, Select(in), Select(in))
	assert.Equal(t, []int64{1, 2}, Select(in).FunctionIDs())
}
