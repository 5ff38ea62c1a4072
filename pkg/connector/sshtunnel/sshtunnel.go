// Package sshtunnel implements the connector contract by executing a
// remote plugin command over SSH. Each operation runs one remote
// invocation: the verb and resource path go on the command line, request
// payloads go to stdin, and the response comes back on stdout. JSON
// operations exchange JSON documents; file content is raw bytes.
package sshtunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

func init() {
	connector.Register(config.ProtocolSSH, New)
}

const dialTimeout = 30 * time.Second

// defaultCommand is the remote plugin entry point when the server
// definition does not name one.
const defaultCommand = "journal-transporter-plugin"

// Tunnel runs plugin commands on one remote server over a shared SSH
// connection.
type Tunnel struct {
	server  config.ServerDefinition
	command string
	logger  *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// New builds an SSH connector for the server definition. The connection
// is established lazily on first use.
func New(server config.ServerDefinition, logger *zap.Logger) (connector.Connector, error) {
	command := server.Command
	if command == "" {
		command = defaultCommand
	}
	return &Tunnel{
		server:  server,
		command: command,
		logger:  logger.With(zap.String("server", server.Name)),
	}, nil
}

// clientConfig assembles SSH auth from the server definition: a private
// key file when configured, password otherwise.
func (t *Tunnel) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if t.server.KeyFile != "" {
		pem, err := os.ReadFile(t.server.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read ssh key file").
				WithDetail("key_file", t.server.KeyFile)
		}
		var signer ssh.Signer
		if t.server.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.server.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse ssh private key").
				WithDetail("key_file", t.server.KeyFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if t.server.Password != "" {
		methods = append(methods, ssh.Password(t.server.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "ssh server needs a key file or password").
			WithDetail("server", t.server.Name)
	}

	hostKeys := t.hostKeyCallback()
	return &ssh.ClientConfig{
		User:            t.server.Username,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}, nil
}

// hostKeyCallback verifies against the user's known_hosts file when one
// exists. Without one the host key is accepted and logged.
func (t *Tunnel) hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			return cb
		}
	}
	t.logger.Warn("no known_hosts file, host keys are not verified")
	return ssh.InsecureIgnoreHostKey()
}

// conn returns the shared SSH connection, dialing on first use.
func (t *Tunnel) conn() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", t.server.Addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "handshake failed") {
			return nil, errors.Wrap(err, errors.ErrorTypeAuth, "ssh authentication failed").
				WithDetail("server", t.server.Name)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "ssh dial failed").
			WithDetail("addr", t.server.Addr())
	}
	t.logger.Info("ssh connection established", zap.String("addr", t.server.Addr()))
	t.client = client
	return client, nil
}

// pluginError is the failure document a plugin writes to stderr.
type pluginError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// exec runs one plugin invocation and returns its stdout. A non-zero
// exit is translated through the plugin's stderr error document when
// present, otherwise reported as a validation failure.
func (t *Tunnel) exec(ctx context.Context, operation string, args []string, stdin io.Reader, stdout io.Writer) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		t.reset()
		return errors.Wrap(err, errors.ErrorTypeNetwork, "failed to open ssh session").
			WithDetail("server", t.server.Name)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	cmd := t.command
	for _, arg := range args {
		cmd += " " + shellQuote(arg)
	}

	timer := metrics.NewTimer(t.server.Name, operation)
	defer timer.Stop()

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		t.reset()
		return errors.Wrap(err, errors.ErrorTypeNetwork, "failed to start plugin command").
			WithDetail("command", t.command)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		<-done
		return ctx.Err()
	case err = <-done:
	}
	if err == nil {
		return nil
	}

	return t.pluginFailure(cmd, &stderr, err)
}

// pluginFailure translates a non-zero plugin exit into a typed error. A
// stderr error document wins; a plain exit status is a validation
// failure; anything else is a transport fault and drops the connection.
func (t *Tunnel) pluginFailure(cmd string, stderr *bytes.Buffer, err error) error {
	if stderr.Len() > 0 {
		var perr pluginError
		if jerr := gojson.Unmarshal(stderr.Bytes(), &perr); jerr == nil && perr.Error.Message != "" {
			return errors.New(errors.ErrorType(perr.Error.Type), perr.Error.Message).
				WithDetail("command", cmd)
		}
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return errors.Wrap(err, errors.ErrorTypeValidation,
			fmt.Sprintf("plugin exited with status %d", exitErr.ExitStatus())).
			WithDetail("stderr", stderr.String())
	}
	t.reset()
	return errors.Wrap(err, errors.ErrorTypeNetwork, "plugin command failed").
		WithDetail("stderr", stderr.String())
}

// reset drops the shared connection so the next operation redials.
func (t *Tunnel) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// shellQuote wraps one argument in single quotes for the remote shell.
func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// pathArg renders a resource path for the plugin command line.
func pathArg(path connector.Path) string {
	return path.String()
}

// Ping establishes the SSH connection so authentication and host key
// problems surface before a transfer begins.
func (t *Tunnel) Ping(ctx context.Context) error {
	_, err := t.conn()
	return err
}

// ListResources runs the plugin's index verb for one container.
func (t *Tunnel) ListResources(ctx context.Context, path connector.Path, childType resource.Type) ([]connector.Stub, error) {
	target := pathArg(path.Child(childType, ""))
	var out bytes.Buffer
	if err := t.exec(ctx, "list", []string{"index", target}, nil, &out); err != nil {
		return nil, err
	}

	var raw []gojson.RawMessage
	if err := gojson.Unmarshal(out.Bytes(), &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "plugin listing is not a JSON array").
			WithDetail("path", target)
	}
	stubs := make([]connector.Stub, 0, len(raw))
	for _, item := range raw {
		var ident struct {
			SourceKey string                     `json:"source_record_key"`
			Files     []connector.FileDescriptor `json:"files"`
		}
		if err := gojson.Unmarshal(item, &ident); err != nil || ident.SourceKey == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "plugin listing entry has no source_record_key").
				WithDetail("path", target)
		}
		stubs = append(stubs, connector.Stub{
			SourceKey:     ident.SourceKey,
			KeyAttributes: item,
			Files:         ident.Files,
		})
	}
	return stubs, nil
}

// GetDetail runs the plugin's get verb for one resource.
func (t *Tunnel) GetDetail(ctx context.Context, path connector.Path) (gojson.RawMessage, error) {
	var out bytes.Buffer
	if err := t.exec(ctx, "detail", []string{"get", pathArg(path)}, nil, &out); err != nil {
		return nil, err
	}
	if !gojson.Valid(out.Bytes()) {
		return nil, errors.New(errors.ErrorTypeValidation, "plugin detail is not valid JSON").
			WithDetail("path", path.String())
	}
	return out.Bytes(), nil
}

// GetFileContent runs the plugin's get-file verb. The attachment streams
// straight from the remote command's stdout; the plugin's exit status is
// settled when the caller closes the reader.
func (t *Tunnel) GetFileContent(ctx context.Context, path connector.Path, file connector.FileDescriptor) (io.ReadCloser, error) {
	client, err := t.conn()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		t.reset()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to open ssh session").
			WithDetail("server", t.server.Name)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to open plugin stdout").
			WithDetail("server", t.server.Name)
	}

	cmd := t.command + " " + shellQuote("get-file") + " " + shellQuote(pathArg(path))
	timer := metrics.NewTimer(t.server.Name, "file")
	if err := session.Start(cmd); err != nil {
		timer.Stop()
		session.Close()
		t.reset()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to start plugin command").
			WithDetail("command", t.command)
	}

	stream := &fileStream{
		tunnel:  t,
		session: session,
		stdout:  stdout,
		stderr:  &stderr,
		cmd:     cmd,
		timer:   timer,
		done:    make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
		case <-stream.done:
		}
	}()
	return stream, nil
}

// fileStream hands a plugin's stdout to the caller without buffering the
// attachment.
type fileStream struct {
	tunnel  *Tunnel
	session *ssh.Session
	stdout  io.Reader
	stderr  *bytes.Buffer
	cmd     string
	timer   *metrics.Timer
	done    chan struct{}

	once     sync.Once
	closeErr error
}

func (f *fileStream) Read(p []byte) (int, error) {
	return f.stdout.Read(p)
}

// Close drains remaining output, waits for the plugin to exit, and
// reports its failure if any.
func (f *fileStream) Close() error {
	f.once.Do(func() {
		io.Copy(io.Discard, f.stdout)
		err := f.session.Wait()
		close(f.done)
		f.session.Close()
		f.timer.Stop()
		if err != nil {
			f.closeErr = f.tunnel.pluginFailure(f.cmd, f.stderr, err)
		}
	})
	return f.closeErr
}

// PushResource runs the plugin's create verb with the detail document on
// stdin. The plugin answers with the record key it assigned.
func (t *Tunnel) PushResource(ctx context.Context, path connector.Path, detail gojson.RawMessage) (string, error) {
	var out bytes.Buffer
	if err := t.exec(ctx, "push", []string{"create", pathArg(path)}, bytes.NewReader(detail), &out); err != nil {
		return "", err
	}
	var ack struct {
		TargetKey string `json:"target_record_key"`
		SourceKey string `json:"source_record_key"`
	}
	if err := gojson.Unmarshal(out.Bytes(), &ack); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "plugin push response is not valid JSON").
			WithDetail("path", path.String())
	}
	if ack.TargetKey != "" {
		return ack.TargetKey, nil
	}
	if ack.SourceKey != "" {
		return ack.SourceKey, nil
	}
	return "", errors.New(errors.ErrorTypeValidation, "plugin push response carries no record key").
		WithDetail("path", path.String())
}

// PushFile runs the plugin's create-file verb with the attachment on
// stdin.
func (t *Tunnel) PushFile(ctx context.Context, path connector.Path, name string, content io.Reader, size int64) error {
	var out bytes.Buffer
	return t.exec(ctx, "push", []string{"create-file", pathArg(path), name}, content, &out)
}

// Close drops the SSH connection.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
