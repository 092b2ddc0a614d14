package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/blobstore"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

const blinkExample = `# header ignored
# ***[import_string]***
import RPi.GPIO as GPIO
# ***[var_define]***
pin = 3
mode = 'out'
// ***[runs_content]***
GPIO.output(pin, 1)
# ***[unknown]***
ignored
`

func TestParseExample(t *testing.T) {
	s := ParseExample(blinkExample)
	assert.Equal(t, "import RPi.GPIO as GPIO\n", s["import_string"])
	assert.Equal(t, "pin = 3\nmode = 'out'\n", s["var_define"])
	assert.Equal(t, "GPIO.output(pin, 1)\n", s["runs_content"])
	assert.Equal(t, "ignored\n", s["unknown"])
	assert.NotContains(t, s, "_")

	f, ok := s.Fields()
	require.True(t, ok)
	assert.Equal(t, "pin = 3\nmode = 'out'\n", f.VarDefine)
	assert.Empty(t, f.InitContent)

	_, ok = ParseExample("no sections\n").Fields()
	assert.False(t, ok)
}

func TestParseExample_NoTrailingNewline(t *testing.T) {
	s := ParseExample("# ***[init_content]***\nsetup()")
	assert.Equal(t, "setup()", s["init_content"])
}

func TestSections_VarSetup(t *testing.T) {
	s := ParseExample("# ***[gvs]***\nimport time\nx = 1\n# ***[gvsro]***\n[0]\n")
	vs, err := s.VarSetup()
	require.NoError(t, err)
	assert.Equal(t, []string{"import time", "x = 1"}, vs.Content)
	assert.Equal(t, models.LineSet{0}, vs.ReadonlyLines)

	_, err = ParseExample("# ***[gvsro]***\nnot json\n").VarSetup()
	assert.Error(t, err)

	vs, err = Sections{}.VarSetup()
	require.NoError(t, err)
	assert.Empty(t, vs.Content)
}

func TestImporter_Import(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore(map[string]string{
		"h/gpio":  "GPIO = 1\n",
		"h/blink": blinkExample,
		"h/gvs":   "# ***[gvs]***\npin = 3\n# ***[gvsro]***\n[0]\n",
		"h/none":  "nothing here\n",
	})
	files := []models.FileRef{
		{Path: "RPi/RPi/gpio.py", Handle: "h/gpio"},
		{Path: "RPi/examples/blink.py", Handle: "h/blink"},
		{Path: "RPi/examples/gvs.py", Handle: "h/gvs"},
		{Path: "RPi/examples/none.py", Handle: "h/none"},
		{Path: "RPi/README.md", Handle: "h/readme"},
	}

	lib, err := NewImporter(store, zap.NewNop()).Import(ctx, 2, "examples/", files)
	require.NoError(t, err)

	assert.Equal(t, "RPi", lib.Name)
	assert.Equal(t, "RPi/", lib.DirPath)
	assert.Equal(t, int64(2), lib.BasicFileID)
	assert.Equal(t, []models.FileRef{{Path: "RPi/gpio.py", Handle: "h/gpio"}}, lib.Files)
	require.Len(t, lib.Functions, 1)
	assert.Equal(t, "blink", lib.Functions[0].Name)
	assert.Equal(t, []string{"pin = 3"}, lib.VarSetup.Content)
	assert.Equal(t, models.LineSet{0}, lib.VarSetup.ReadonlyLines)
}

func TestImporter_ImportErrors(t *testing.T) {
	im := NewImporter(blobstore.NewMemoryStore(nil), zap.NewNop())
	_, err := im.Import(context.Background(), 1, "examples/", nil)
	assert.Error(t, err)

	_, err = im.Import(context.Background(), 1, "examples/", []models.FileRef{{Path: "L/examples/a.py", Handle: "missing"}})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestUploadDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "RPi")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "RPi"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "RPi", "gpio.py"), []byte("GPIO = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hi"), 0o644))

	store := blobstore.NewMemoryStore(nil)
	files, err := UploadDir(context.Background(), store, root)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "RPi/README", files[0].Path)
	assert.Equal(t, "RPi/RPi/gpio.py", files[1].Path)
	assert.Regexp(t, `\.py$`, files[1].Handle)

	got, err := store.Open(context.Background(), files[1].Handle)
	require.NoError(t, err)
	assert.Equal(t, "GPIO = 1\n", got)
}
