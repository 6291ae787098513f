package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/metrics"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/internal/tiers"
)

// runCLI executes the root command against a fresh flag state and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	InitCLI()
	globalFlags.JSON = false
	globalFlags.DBPath = ""
	tenantCreateFlags.Tier = string(models.TierTrial)
	releaseFlags.Compensate = false
	releaseFlags.Reason = "resource write not confirmed"
	releaseFlags.CreatedAt = ""

	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
	})

	err := Execute(args)
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `version: "1"
server:
  log_level: error
store:
  driver: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "quotagate.db") + `
alerts:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "quotagate", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "QuotaGate")
}

func TestCommandsRegistered(t *testing.T) {
	InitCLI()
	for _, name := range []string{"serve", "migrate", "tenant", "reserve", "release", "roll-windows", "version"} {
		cmd, _, err := RootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestGetGlobalFlags(t *testing.T) {
	InitCLI()
	flags := GetGlobalFlags()
	assert.Equal(t, config.ResolvePath(), RootCmd.PersistentFlags().Lookup("config").DefValue)
	assert.False(t, flags.Verbose)
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "QuotaGate Version: "+Version)

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
}

func TestMigrateCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "migrate", "--json")
	require.NoError(t, err)
	var result struct {
		Driver  string `json:"driver"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "sqlite", result.Driver)
	assert.Positive(t, result.Version)
}

func TestTenantWorkflow(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "tenant", "create", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "provisioned on tier trial")

	out, err = runCLI(t, "--config", cfgPath, "tenant", "create", "acme", "--tier", "enterprise")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists on tier trial")

	for i := 0; i < 3; i++ {
		_, err = runCLI(t, "--config", cfgPath, "reserve", "acme", "project")
		require.NoError(t, err)
	}

	out, err = runCLI(t, "--config", cfgPath, "reserve", "acme", "project")
	require.Error(t, err)
	assert.Contains(t, out, "PROJECT_LIMIT_REACHED")
	assert.Contains(t, out, "upgrade to professional")

	out, err = runCLI(t, "--config", cfgPath, "tenant", "downgrade-check", "acme", "trial", "--json")
	require.NoError(t, err)
	var check quota.DowngradeCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.True(t, check.Allowed)

	out, err = runCLI(t, "--config", cfgPath, "release", "acme", "projects")
	require.NoError(t, err)
	assert.Contains(t, out, "(2 in use)")

	_, err = runCLI(t, "--config", cfgPath, "reserve", "acme", "project")
	require.NoError(t, err)
	out, err = runCLI(t, "--config", cfgPath, "release", "acme", "project", "--compensate", "--reason", "insert failed")
	require.NoError(t, err)
	assert.Contains(t, out, "Compensated project reservation for acme")

	_, err = runCLI(t, "--config", cfgPath, "release", "ghost", "project", "--compensate")
	require.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "release", "acme", "expense", "--created-at", "yesterday")
	require.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "tenant", "tier", "acme", "professional")
	require.NoError(t, err)

	out, err = runCLI(t, "--config", cfgPath, "tenant", "usage", "acme", "--json")
	require.NoError(t, err)
	var report models.UsageReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, models.TierProfessional, report.Tier)
	assert.Equal(t, models.UsageEntry{Current: 2, Limit: 25}, report.Resources[models.ResourceProject])

	out, err = runCLI(t, "--config", cfgPath, "tenant", "show", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "professional")

	out, err = runCLI(t, "--config", cfgPath, "roll-windows")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled 1 tenant windows")
}

func TestTenantCommands_Errors(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := runCLI(t, "--config", cfgPath, "tenant", "show", "missing")
	assert.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "tenant", "create", "acme", "--tier", "gold")
	assert.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "reserve", "acme", "invoice")
	assert.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "reserve", "acme")
	assert.Error(t, err)
}

func TestDBFlagOverridesConfig(t *testing.T) {
	cfgPath := writeConfig(t)
	dbPath := filepath.Join(t.TempDir(), "override.db")

	_, err := runCLI(t, "--config", cfgPath, "--db", dbPath, "tenant", "create", "acme")
	require.NoError(t, err)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestValidateTLSConfig(t *testing.T) {
	assert.NoError(t, validateTLSConfig(config.TLSConfig{}))
	assert.Error(t, validateTLSConfig(config.TLSConfig{Enabled: true}))
	assert.Error(t, validateTLSConfig(config.TLSConfig{Enabled: true, CertFile: "c.pem"}))
	assert.Error(t, validateTLSConfig(config.TLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: "missing.key"}))
}

func TestReloadTiers(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	a, err := buildApp(context.Background(), cfg, nil, newLogger(cfg), metrics.NewMetrics("cli_test"), nil)
	require.NoError(t, err)
	defer a.Close()

	next := config.Default()
	next.Tiers = map[models.Tier]tiers.Limits{
		models.TierTrial: {MaxProjects: 7, MaxExpensesPerMonth: 50, MaxUsers: 2},
	}
	a.reloadTiers(next)

	limits, err := a.gate.Registry().GetLimits(models.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(7), limits.MaxProjects)
}
