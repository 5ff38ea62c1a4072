package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     ServerDefinition
		wantErr bool
	}{
		{
			name: "valid http",
			def:  ServerDefinition{Name: "src", Protocol: ProtocolHTTP, Host: "journals.example.edu"},
		},
		{
			name: "valid ssh",
			def:  ServerDefinition{Name: "src", Protocol: ProtocolSSH, Host: "host", Username: "transfer"},
		},
		{
			name:    "missing name",
			def:     ServerDefinition{Protocol: ProtocolHTTP, Host: "host"},
			wantErr: true,
		},
		{
			name:    "missing host",
			def:     ServerDefinition{Name: "src", Protocol: ProtocolHTTP},
			wantErr: true,
		},
		{
			name:    "ssh without username",
			def:     ServerDefinition{Name: "src", Protocol: ProtocolSSH, Host: "host"},
			wantErr: true,
		},
		{
			name:    "unknown protocol",
			def:     ServerDefinition{Name: "src", Protocol: "gopher", Host: "host"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerDefinitionAddrDefaults(t *testing.T) {
	http := ServerDefinition{Protocol: ProtocolHTTP, Host: "h"}
	assert.Equal(t, "h:443", http.Addr())

	ssh := ServerDefinition{Protocol: ProtocolSSH, Host: "h"}
	assert.Equal(t, "h:22", ssh.Addr())

	explicit := ServerDefinition{Protocol: ProtocolHTTP, Host: "h", Port: 8080}
	assert.Equal(t, "h:8080", explicit.Addr())
}

func TestTransferOptionsValidate(t *testing.T) {
	opts := DefaultTransferOptions()
	assert.NoError(t, opts.Validate())

	opts.Workers = 0
	assert.Error(t, opts.Validate())

	opts = DefaultTransferOptions()
	opts.OnError = "retry-forever"
	assert.Error(t, opts.Validate())
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Empty(t, reg.Servers)

	require.NoError(t, reg.DefineServer(ServerDefinition{
		Name: "source", Protocol: ProtocolHTTP, Host: "src.example.edu", Token: "abc",
	}))
	require.NoError(t, reg.DefineServer(ServerDefinition{
		Name: "target", Protocol: ProtocolSSH, Host: "tgt.example.edu", Username: "transfer",
	}))
	reg.DataDirectory = "/tmp/jt"
	require.NoError(t, reg.Save())

	loaded, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/jt", loaded.DataDirectory)
	require.Len(t, loaded.Servers, 2)

	src, err := loaded.Server("source")
	require.NoError(t, err)
	assert.Equal(t, "abc", src.Token)

	_, err = loaded.Server("nope")
	assert.Error(t, err)
}

func TestRegistryDefineReplacesByName(t *testing.T) {
	reg := &Registry{path: filepath.Join(t.TempDir(), "config.yaml")}
	require.NoError(t, reg.DefineServer(ServerDefinition{Name: "s", Protocol: ProtocolHTTP, Host: "one"}))
	require.NoError(t, reg.DefineServer(ServerDefinition{Name: "s", Protocol: ProtocolHTTP, Host: "two"}))

	require.Len(t, reg.Servers, 1)
	assert.Equal(t, "two", reg.Servers[0].Host)

	reg.RemoveServer("s")
	assert.Empty(t, reg.Servers)
}

func TestRegistryEnvSubstitution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"servers:\n  - name: src\n    protocol: http\n    host: h\n    token: ${JT_TEST_TOKEN}\n"), 0o600))

	t.Setenv("JT_TEST_TOKEN", "sekrit")

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	src, err := reg.Server("src")
	require.NoError(t, err)
	assert.Equal(t, "sekrit", src.Token)
}
