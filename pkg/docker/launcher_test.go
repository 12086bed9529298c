package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerName(t *testing.T) {
	tests := []struct {
		runID string
		want  string
	}{
		{runID: "Alpha-TR-1", want: "qadash-alpha-tr-1"},
		{runID: "my_proj-TR-12", want: "qadash-my_proj-tr-12"},
		{runID: "odd name/TR 3", want: "qadash-odd-name-tr-3"},
	}

	for _, tt := range tests {
		t.Run(tt.runID, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainerName(tt.runID))
		})
	}
}

func TestLauncher_CommandPOSIX(t *testing.T) {
	l := NewLauncher(LaunchOptions{
		RuntimeBinary: "docker",
		Image:         "runner:latest",
		MountPath:     "/workspace",
		GOOS:          "linux",
	})

	cmd := l.Command("Alpha-TR-1", "/srv/runs/Alpha-TR-1", "npm test || true")

	assert.Equal(t,
		"docker run --rm --name qadash-alpha-tr-1 "+
			"--label 'qadash.managed-by=qadash' --label 'qadash.run-id=Alpha-TR-1' "+
			"-v '/srv/runs/Alpha-TR-1:/workspace' -w '/workspace' 'runner:latest' "+
			"sh -c 'npm test || true'",
		cmd,
	)
}

func TestLauncher_ResourceFlags(t *testing.T) {
	l := NewLauncher(LaunchOptions{
		RuntimeBinary: "podman",
		Image:         "runner",
		MountPath:     "/workspace",
		Network:       "qa-net",
		MemoryBytes:   1 << 30,
		CPUs:          "1.5",
		GOOS:          "linux",
	})

	cmd := l.Command("r-TR-1", "/w", "true")

	assert.Contains(t, cmd, "podman run --rm")
	assert.Contains(t, cmd, "--network 'qa-net'")
	assert.Contains(t, cmd, "--memory 1073741824")
	assert.Contains(t, cmd, "--cpus '1.5'")
}

func TestLauncher_QuotesEmbeddedSingleQuotes(t *testing.T) {
	l := NewLauncher(LaunchOptions{Image: "img", MountPath: "/workspace", GOOS: "linux"})

	cmd := l.Command("r-TR-1", "/w", "echo 'hi'")

	assert.Contains(t, cmd, `sh -c 'echo '\''hi'\'''`)
}

func TestLauncher_WindowsHost(t *testing.T) {
	l := &launcher{opts: LaunchOptions{
		RuntimeBinary: "docker",
		Image:         "img",
		MountPath:     "/workspace",
		GOOS:          "windows",
	}}

	assert.Equal(t, "C:/data/runs/x", l.hostPath(`C:\data\runs\x`))
	assert.Equal(t, `"say \"hi\""`, l.quote(`say "hi"`))
}
