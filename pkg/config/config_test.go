package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`api_port = 9500`+"\n"), 0o644))

	t.Setenv("TEI_MANAGER_API_PORT", "9600")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.APIPort)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().APIPort, cfg.APIPort)
}

func TestLoadInvalidEnvPortReturnsInvalidConfig(t *testing.T) {
	t.Setenv("TEI_MANAGER_API_PORT", "not-a-number")
	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, apierrors.InvalidConfig, apierrors.KindOf(err))
}

func TestValidateRejectsSamePorts(t *testing.T) {
	cfg := Default()
	cfg.GRPCPort = cfg.APIPort
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, apierrors.InvalidConfig, apierrors.KindOf(err))
}

func TestValidateRejectsDuplicateInstanceNames(t *testing.T) {
	cfg := Default()
	cfg.Instances = []types.WorkerConfig{
		{Name: "alpha", ModelID: "m1"},
		{Name: "alpha", ModelID: "m2"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, apierrors.InvalidConfig, apierrors.KindOf(err))
}

func TestValidateRejectsDuplicateInstancePorts(t *testing.T) {
	cfg := Default()
	cfg.Instances = []types.WorkerConfig{
		{Name: "alpha", ModelID: "m1", Port: 20000},
		{Name: "beta", ModelID: "m2", Port: 20000},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, apierrors.InvalidConfig, apierrors.KindOf(err))
}

func TestValidateRejectsMissingStateFileDir(t *testing.T) {
	cfg := Default()
	cfg.StateFile = filepath.Join(t.TempDir(), "does-not-exist", "state.toml")
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, apierrors.InvalidConfig, apierrors.KindOf(err))
}

func TestStringDoesNotPanic(t *testing.T) {
	assert.NotEmpty(t, Default().String())
}
