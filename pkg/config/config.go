// Package config provides the configuration surface for Journal Transporter.
// It defines server connection records, per-run transfer options, and a
// YAML-backed registry file that persists both between invocations.
//
// The registry file is a plain YAML document:
//
//	data_directory: /var/lib/journal-transporter
//	keep: true
//	keep_max: 5
//	servers:
//	  - name: ojs-prod
//	    protocol: http
//	    host: journals.example.edu
//	    token: ${OJS_API_TOKEN}
//
// Values of the form ${VAR} are substituted from the environment at load
// time so credentials never have to live in the file itself.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/cdlib/journal-transporter/pkg/errors"
)

// Protocol identifies the transport used to reach a server's plugin API.
type Protocol string

const (
	// ProtocolHTTP talks to the plugin API over plain HTTP(S)
	ProtocolHTTP Protocol = "http"
	// ProtocolSSH tunnels plugin requests through a secure-shell session
	ProtocolSSH Protocol = "ssh"
)

// OnError selects how a pass reacts to a per-resource failure.
type OnError string

const (
	// OnErrorContinue skips failed resources and summarizes at end of pass
	OnErrorContinue OnError = "continue"
	// OnErrorAbort stops the pass on the first failed resource
	OnErrorAbort OnError = "abort"
)

// ServerDefinition is a named host/credential record consumed by the
// connector factory. Credentials are held in memory only; this system
// never persists them beyond the registry file the operator maintains.
type ServerDefinition struct {
	Name     string   `yaml:"name" json:"name"`
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`
	BasePath string   `yaml:"base_path,omitempty" json:"base_path,omitempty"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	Token    string   `yaml:"token,omitempty" json:"token,omitempty"`
	KeyFile  string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	// Command is the remote plugin entry point for SSH servers
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Validate checks a server definition for the fields its protocol requires.
func (s *ServerDefinition) Validate() error {
	if s.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "server name is required")
	}
	if s.Host == "" {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("server %s: host is required", s.Name))
	}
	switch s.Protocol {
	case ProtocolHTTP:
	case ProtocolSSH:
		if s.Username == "" {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("server %s: ssh requires a username", s.Name))
		}
	default:
		return errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("server %s: unknown protocol %q", s.Name, s.Protocol))
	}
	return nil
}

// Addr returns the host:port dial address, applying protocol defaults.
func (s *ServerDefinition) Addr() string {
	port := s.Port
	if port == 0 {
		switch s.Protocol {
		case ProtocolSSH:
			port = 22
		default:
			port = 443
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// TransferOptions are the per-run knobs bound into a Session.
type TransferOptions struct {
	// Workers is the bounded worker pool size per pass
	Workers int `yaml:"workers" json:"workers"`
	// RetryAttempts bounds retries of transient network failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial backoff delay
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// OnError selects continue (default) or abort on per-resource failure
	OnError OnError `yaml:"on_error" json:"on_error"`
	// Keep preserves the completed run under a timestamped name
	Keep bool `yaml:"keep" json:"keep"`
	// KeepMax bounds how many historical runs are retained (0 = unlimited)
	KeepMax int `yaml:"keep_max" json:"keep_max"`
	// Force bypasses resumability skips and re-fetches/re-pushes everything
	Force bool `yaml:"force" json:"force"`
	// Journals restricts the transfer to the named journal paths; empty
	// means every journal on the source
	Journals []string `yaml:"journals,omitempty" json:"journals,omitempty"`
}

// DefaultTransferOptions returns production defaults. The worker count and
// retry schedule are deliberately conservative: remote plugin endpoints on
// journal installations are rarely provisioned for heavy parallelism.
func DefaultTransferOptions() TransferOptions {
	workers := 4
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	return TransferOptions{
		Workers:       workers,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		OnError:       OnErrorContinue,
		Keep:          false,
		KeepMax:       0,
		Force:         false,
	}
}

// Validate checks option values for sanity.
func (o *TransferOptions) Validate() error {
	if o.Workers <= 0 {
		return errors.New(errors.ErrorTypeConfig, "workers must be positive")
	}
	if o.RetryAttempts < 0 {
		return errors.New(errors.ErrorTypeConfig, "retry_attempts cannot be negative")
	}
	if o.KeepMax < 0 {
		return errors.New(errors.ErrorTypeConfig, "keep_max cannot be negative")
	}
	switch o.OnError {
	case OnErrorContinue, OnErrorAbort:
	default:
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown on-error policy %q", o.OnError))
	}
	return nil
}
