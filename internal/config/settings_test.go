package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	s, err := OpenSettings(path)
	require.NoError(t, err)

	assert.True(t, s.Bool("calculator/enabled", true), "default when unset")
	require.NoError(t, s.SetBool("calculator/enabled", false))
	require.NoError(t, s.SetString("calculator/trigger", "= "))
	require.NoError(t, s.SetStrings("query/fallback_order", []string{"websearch", "files"}))
	assert.ErrorIs(t, s.SetBool("nokey", true), ErrInvalidKey)

	reopened, err := OpenSettings(path)
	require.NoError(t, err)
	assert.False(t, reopened.Bool("calculator/enabled", true))
	assert.Equal(t, "= ", reopened.String("calculator/trigger", ""))
	assert.Equal(t, []string{"websearch", "files"}, reopened.Strings("query/fallback_order", nil))
	assert.Equal(t, []string{"calculator/enabled", "calculator/trigger", "query/fallback_order"}, reopened.Keys())

	require.NoError(t, reopened.Remove("calculator/trigger"))
	require.NoError(t, reopened.Remove("calculator/missing"))
	again, err := OpenSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "none", again.String("calculator/trigger", "none"))
}

func TestSettingsTypeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[calculator]
enabled = "yes"
trigger = 3
fallback = [1, 2]
`), 0o644))

	s, err := OpenSettings(path)
	require.NoError(t, err)
	assert.True(t, s.Bool("calculator/enabled", true))
	assert.Equal(t, "calc ", s.String("calculator/trigger", "calc "))
	assert.Nil(t, s.Strings("calculator/fallback", nil))
}

func TestSettingsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ["), 0o644))
	_, err := OpenSettings(path)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestMemorySettings(t *testing.T) {
	s := NewMemorySettings()
	require.NoError(t, s.SetBool("a/enabled", true))
	assert.True(t, s.Bool("a/enabled", false))
	assert.Empty(t, s.Path())
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, s.Watch(nil))
}

func TestSettingsReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	s, err := OpenSettings(path)
	require.NoError(t, err)
	require.NoError(t, s.SetBool("a/enabled", true))

	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "own writes are not changes")

	require.NoError(t, os.WriteFile(path, []byte("[a]\nenabled = false\n"), 0o644))
	changed, err = s.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, s.Bool("a/enabled", true))
}

func TestSettingsWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	s, err := OpenSettings(path)
	require.NoError(t, err)
	defer s.Close()

	changed := make(chan struct{}, 4)
	require.NoError(t, s.Watch(func() { changed <- struct{}{} }))

	require.NoError(t, os.WriteFile(path, []byte("[web]\ntrigger = \"w \"\n"), 0o644))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("external edit not picked up")
	}
	assert.Equal(t, "w ", s.String("web/trigger", ""))
}
