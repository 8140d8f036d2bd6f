package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "blockci/internal/errors"
)

func TestResolveEnvironmentInheritance(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.env"), []byte("FROM_FILE=yes\nPROFILE=overridden-below\n"), 0o644))

	p := &Pipeline{Environments: []Environment{
		{Name: "base", System: []string{"HOST_USER"}, Values: map[string]string{"CARGO_HOME": "/src/.cargo", "PROFILE": "debug"}},
		{Name: "extra", Values: map[string]string{"PROFILE": "extra", "EXTRA": "1"}},
		{
			Name:     "release",
			Inherits: []string{"base", "extra"},
			Sources:  []string{"release.env"},
			Values:   map[string]string{"PROFILE": "release", "TARGET_DIR": "${CARGO_HOME}/target", "SHELL_VAR": "$HOME"},
		},
	}}

	r := EnvResolver{Dir: dir, Getenv: func(k string) string {
		if k == "HOST_USER" {
			return "ci"
		}
		return ""
	}}
	env, err := r.Resolve(p, "release")
	require.NoError(t, err)

	assert.Equal(t, "release", env["PROFILE"])
	assert.Equal(t, "/src/.cargo/target", env["TARGET_DIR"])
	assert.Equal(t, "1", env["EXTRA"])
	assert.Equal(t, "yes", env["FROM_FILE"])
	assert.Equal(t, "ci", env["HOST_USER"])
	assert.Equal(t, "$HOME", env["SHELL_VAR"], "bare $NAME is left for the shell")
}

func TestResolveEnvironmentLaterParentWins(t *testing.T) {
	p := &Pipeline{Environments: []Environment{
		{Name: "a", Values: map[string]string{"X": "a"}},
		{Name: "b", Values: map[string]string{"X": "b"}},
		{Name: "child", Inherits: []string{"a", "b"}},
	}}
	env, err := EnvResolver{}.Resolve(p, "child")
	require.NoError(t, err)
	assert.Equal(t, "b", env["X"])
}

func TestResolveEnvironmentErrors(t *testing.T) {
	p := &Pipeline{Environments: []Environment{
		{Name: "a", Inherits: []string{"b"}},
		{Name: "b", Inherits: []string{"a"}},
		{Name: "dotenv", Sources: []string{"missing.env"}},
	}}

	_, err := EnvResolver{}.Resolve(p, "a")
	require.Error(t, err)
	assert.True(t, cierrors.IsKind(err, cierrors.KindConfig))
	assert.Contains(t, err.Error(), "cycle")

	_, err = EnvResolver{}.Resolve(p, "nope")
	assert.Error(t, err)

	_, err = EnvResolver{Dir: t.TempDir()}.Resolve(p, "dotenv")
	assert.Error(t, err)

	env, err := EnvResolver{}.Resolve(p, "")
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestExpandAll(t *testing.T) {
	got, err := ExpandAll(map[string]string{
		"A": "${B}-a",
		"B": "${C}-b",
		"C": "c",
		"D": "${UNKNOWN}",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-b-a", got["A"])
	assert.Equal(t, "${UNKNOWN}", got["D"])

	_, err = ExpandAll(map[string]string{"A": "${B}", "B": "${A}"})
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	assert.Equal(t, "x=1 y=${Y}", Expand("x=${X} y=${Y}", map[string]string{"X": "1"}))
}
