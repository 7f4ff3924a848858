package chain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinitions = `
chains:
  - id: enforcer
    display_name: Enforcer
    binary:
      linux: bin/enforcer
      darwin: bin/enforcer-mac
      windows: bin/enforcer.exe
    extract_dir:
      default: enforcer
    download_url:
      linux: https://dl.example.org/enforcer-linux.tar.gz
      darwin: https://dl.example.org/enforcer-mac.zip
      windows: https://dl.example.org/enforcer-win.zip
    args: ["--network=signet"]
    data_dir_flag: --datadir
    readiness:
      mode: marker_or_probe
      marker: "Listening for RPC"
      timeout: 2m
    rpc:
      url: http://127.0.0.1:38332
      user: user
      password: password
      probe_method: getblockcount
      stop_method: stop
  - id: wallet
    binary:
      default: wallet-cli
    download_url:
      default: https://dl.example.org/wallet-cli
    direct_binary: true
    dependencies: [enforcer]
  - id: gui
    binary:
      darwin: GUI.app
      linux: gui/gui
    github_release:
      repo: example/gui
      asset:
        darwin: 'gui-.*-macos\.zip$'
        linux: 'gui-.*-linux\.tar\.gz$'
    launch:
      darwin: app_bundle
    dependencies: [enforcer, wallet]
`

func TestParse_Linux(t *testing.T) {
	set, err := Parse([]byte(sampleDefinitions), "linux")
	require.NoError(t, err)

	assert.Equal(t, []string{"enforcer", "wallet", "gui"}, set.IDs())

	enforcer, err := set.Get("enforcer")
	require.NoError(t, err)
	assert.Equal(t, "Enforcer", enforcer.DisplayName)
	assert.Equal(t, "bin/enforcer", enforcer.BinaryPath)
	assert.Equal(t, ArchiveTarGz, enforcer.Archive)
	assert.Equal(t, LaunchExec, enforcer.Launch)
	assert.Equal(t, ReadyMarkerOrProbe, enforcer.Readiness.Mode)
	assert.Equal(t, 2*time.Minute, enforcer.Readiness.Timeout)
	require.NotNil(t, enforcer.Readiness.Marker)
	assert.True(t, enforcer.Readiness.Marker.MatchString("2024-01-01 Listening for RPC on 38332"))
	require.NotNil(t, enforcer.RPC)
	assert.Equal(t, "stop", enforcer.RPC.StopMethod)
	assert.Equal(t, "temp_enforcer.tar.gz", enforcer.TempFileName(enforcer.Archive))

	wallet, err := set.Get("wallet")
	require.NoError(t, err)
	assert.True(t, wallet.DirectBinary)
	assert.Equal(t, ArchiveNone, wallet.Archive)
	assert.Equal(t, "wallet", wallet.ExtractDir)
	assert.Equal(t, ReadyFirstOutput, wallet.Readiness.Mode)
	assert.Equal(t, "temp_wallet", wallet.TempFileName(wallet.Archive))

	gui, err := set.Get("gui")
	require.NoError(t, err)
	assert.Equal(t, LaunchExec, gui.Launch, "app bundle launch is darwin only")
	assert.Equal(t, ArchiveAuto, gui.Archive)
	require.NotNil(t, gui.Release)
	assert.True(t, gui.Release.Asset.MatchString("gui-1.2.0-linux.tar.gz"))

	assert.Equal(t, []string{"gui"}, set.Graph().Dependents("wallet"))
}

func TestParse_DarwinSelectsAppBundle(t *testing.T) {
	set, err := Parse([]byte(sampleDefinitions), "darwin")
	require.NoError(t, err)

	gui, err := set.Get("gui")
	require.NoError(t, err)
	assert.Equal(t, LaunchAppBundle, gui.Launch)
	assert.Equal(t, ArchiveAppBundle, gui.Archive)
	assert.Equal(t, "GUI.app", gui.ProcessPattern)

	enforcer, err := set.Get("enforcer")
	require.NoError(t, err)
	assert.Equal(t, ArchiveZip, enforcer.Archive)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "chains: []"},
		{"missing binary", `
chains:
  - id: a
    download_url: {default: https://x/a.zip}`},
		{"missing url", `
chains:
  - id: a
    binary: {default: a}`},
		{"duplicate id", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}`},
		{"unknown dependency", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}
    dependencies: [b]`},
		{"probe without rpc", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}
    readiness: {mode: probe}`},
		{"bad marker", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}
    readiness: {mode: log_marker, marker: "("}`},
		{"uninferrable archive", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.bin}`},
		{"app bundle off darwin", `
chains:
  - id: a
    binary: {default: a}
    download_url: {default: https://x/a.zip}
    launch: {linux: app_bundle}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "linux")
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinitions), 0o600))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, set.All(), 3)

	_, err = set.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestDefinition_Paths(t *testing.T) {
	d := Definition{ID: "thunder", ExtractDir: "thunder", BinaryPath: "bin/thunder", Args: []string{"--net=signet"}, DataDirFlag: "--datadir"}

	assert.Equal(t, filepath.Join("/opt", "thunder", "bin", "thunder"), d.BinaryFile("/opt"))
	assert.Equal(t, filepath.Join("/var", "thunder"), d.DataDir("/var"))
	assert.Equal(t,
		[]string{"--net=signet", "--datadir=/var/thunder", "--mnemonic-seed-phrase-path=/s"},
		d.LaunchArgs("/var/thunder", []string{"--mnemonic-seed-phrase-path=/s"}))
	assert.Equal(t, []string{"--net=signet"}, d.LaunchArgs("", nil))
}

func TestKindFromName(t *testing.T) {
	assert.Equal(t, ArchiveZip, KindFromName("https://x/a.ZIP?token=1"))
	assert.Equal(t, ArchiveTarGz, KindFromName("a-1.0.tgz"))
	assert.Equal(t, ArchiveTarGz, KindFromName("a-1.0.tar.gz"))
	assert.Equal(t, ArchiveNone, KindFromName("a-1.0"))
}

func TestParse_ShippedDefinitions(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "chains.yaml"))
	require.NoError(t, err)

	wantBitcoind := map[string]string{
		"linux":   "bitcoin-27.1/bin/bitcoind",
		"darwin":  "bitcoin-27.1/bin/bitcoind",
		"windows": "bitcoin-27.1/bin/bitcoind.exe",
	}
	for goos, want := range wantBitcoind {
		t.Run(goos, func(t *testing.T) {
			set, err := Parse(data, goos)
			require.NoError(t, err)

			order, err := set.Graph().StartOrder(set.IDs())
			require.NoError(t, err)
			assert.Equal(t, "bitcoin", order[0])

			bitcoin, err := set.Get("bitcoin")
			require.NoError(t, err)
			assert.Equal(t, want, bitcoin.BinaryPath)
			assert.Equal(t, "bitcoin", bitcoin.ExtractDir)
			assert.Contains(t, bitcoin.DownloadURL, "/bitcoin-27.1-")

			for _, def := range set.All() {
				assert.NotEmpty(t, def.BinaryPath, def.ID)
			}
		})
	}
}
