package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cdlib/journal-transporter/pkg/errors"
)

// Registry is the on-disk application configuration: global settings plus
// the named server records the transfer command refers to.
type Registry struct {
	DataDirectory string             `yaml:"data_directory"`
	Keep          bool               `yaml:"keep"`
	KeepMax       int                `yaml:"keep_max"`
	Servers       []ServerDefinition `yaml:"servers"`

	path string
}

// DefaultRegistryPath returns the conventional registry location under the
// user's config directory.
func DefaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "journal-transporter", "config.yaml")
}

// LoadRegistry reads the registry file, substituting ${VAR} environment
// references. A missing file yields an empty registry rather than an error
// so first runs work without setup.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), reg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
	}
	reg.path = path
	return reg, nil
}

// Save writes the registry back to its file, creating parent directories
// as needed. Credentials the operator placed as ${VAR} references are the
// operator's responsibility; Save writes whatever is in memory.
func (r *Registry) Save() error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create config directory")
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}
	return nil
}

// Server looks up a server definition by name.
func (r *Registry) Server(name string) (*ServerDefinition, error) {
	for i := range r.Servers {
		if r.Servers[i].Name == name {
			return &r.Servers[i], nil
		}
	}
	return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("server %q is not defined", name))
}

// DefineServer adds or replaces a server record.
func (r *Registry) DefineServer(def ServerDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for i := range r.Servers {
		if r.Servers[i].Name == def.Name {
			r.Servers[i] = def
			return nil
		}
	}
	r.Servers = append(r.Servers, def)
	return nil
}

// RemoveServer deletes a server record by name; removing an unknown name
// is not an error.
func (r *Registry) RemoveServer(name string) {
	out := r.Servers[:0]
	for _, s := range r.Servers {
		if s.Name != name {
			out = append(out, s)
		}
	}
	r.Servers = out
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
