package channel

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/pkg/errors"
)

// brokenPipeExitCode is the exit code a shell reports when its command was
// killed by SIGPIPE. It's expected when a reader stops before the end of the
// file.
const brokenPipeExitCode = 128 + int(syscall.SIGPIPE)

// maxStderr is the amount of a command's stderr that's kept for error
// messages. The rest is drained and dropped.
const maxStderr = 4096

// DefaultShell runs commands as the superuser.
var DefaultShell = []string{"su", "-c"}

// Variables mocked for unit testing.
var (
	streamGracePeriod = 5 * time.Second
)

// ShellError is returned when a shell command exits with a failure status.
type ShellError struct {
	Script string
	Code   int
	Stderr string
}

func (err *ShellError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", err.Script, err.Code)
	if err.Stderr != "" {
		msg += ": " + err.Stderr
	}
	return msg
}

// RootShell is a Channel that runs each primitive as a single command in a
// superuser shell.
type RootShell struct {
	root  string
	shell []string
}

// NewRootShell returns a channel rooted at root. The shell is the command
// prefix that the script is appended to, such as DefaultShell.
func NewRootShell(root string, shell []string) *RootShell {
	if len(shell) == 0 {
		shell = DefaultShell
	}
	return &RootShell{root: root, shell: shell}
}

// Kind implements Channel.
func (r *RootShell) Kind() Kind {
	return KindRoot
}

// Root implements Channel.
func (r *RootShell) Root() string {
	return r.root
}

// Probe checks that the shell grants access to the root directory.
func (r *RootShell) Probe() error {
	root := quote(r.root)
	_, err := r.run(fmt.Sprintf("mkdir -p %s && test -w %s", root, root))
	return err
}

func (r *RootShell) Exists(p string) (bool, error) {
	abs, err := r.abs(p)
	if err != nil {
		return false, err
	}

	_, err = r.run("test -e " + quote(abs))
	if err == nil {
		return true, nil
	}

	if shellErr, ok := err.(*ShellError); ok && shellErr.Code == 1 {
		return false, nil
	}
	return false, err
}

func (r *RootShell) Size(p string) (int64, error) {
	abs, err := r.abs(p)
	if err != nil {
		return 0, err
	}

	out, err := r.run("stat -c %s " + quote(abs))
	if err != nil {
		if exists, existsErr := r.Exists(p); existsErr == nil && !exists {
			return 0, errors.FileNotFound{Path: p}
		}
		return 0, err
	}

	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, errors.WithContext(err, "parse size")
	}
	return size, nil
}

func (r *RootShell) Open(p string) (io.ReadCloser, error) {
	abs, err := r.abs(p)
	if err != nil {
		return nil, err
	}

	cmd := r.command("cat " + quote(abs))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WithContext(err, "open stdout")
	}

	stream, err := startStream(cmd, stdout)
	if err != nil {
		return nil, err
	}
	return &streamReader{processStream: stream, r: stdout}, nil
}

func (r *RootShell) OpenWrite(p string) (io.WriteCloser, error) {
	abs, err := r.abs(p)
	if err != nil {
		return nil, err
	}

	cmd := r.command("cat > " + quote(abs))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WithContext(err, "open stdin")
	}

	stream, err := startStream(cmd, stdin)
	if err != nil {
		return nil, err
	}
	return &streamWriter{processStream: stream, w: stdin}, nil
}

func (r *RootShell) MkdirAll(p string) error {
	abs, err := r.abs(p)
	if err != nil {
		return err
	}

	_, err = r.run("mkdir -p " + quote(abs))
	return err
}

func (r *RootShell) Delete(p string) error {
	abs, err := r.abs(p)
	if err != nil {
		return err
	}

	_, err = r.run("rm -f " + quote(abs))
	return err
}

func (r *RootShell) Copy(src, dst string, overwrite bool) error {
	absSrc, err := r.abs(src)
	if err != nil {
		return err
	}

	absDst, err := r.abs(dst)
	if err != nil {
		return err
	}

	script := fmt.Sprintf("mkdir -p %s && cp -f %s %s",
		quote(path.Dir(absDst)), quote(absSrc), quote(absDst))
	if !overwrite {
		script = fmt.Sprintf("test ! -e %s && %s", quote(absDst), script)
	}

	_, err = r.run(script)
	return err
}

func (r *RootShell) List(dir string) ([]string, error) {
	abs, err := r.abs(dir)
	if err != nil {
		return nil, err
	}

	out, err := r.run("find " + quote(abs) + " -type f")
	if err != nil {
		if exists, existsErr := r.Exists(dir); existsErr == nil && !exists {
			return nil, errors.FileNotFound{Path: dir}
		}
		return nil, err
	}

	prefix := strings.TrimSuffix(r.root, "/") + "/"
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(line, prefix))
	}
	return files, nil
}

func (r *RootShell) Close() error {
	return nil
}

func (r *RootShell) abs(p string) (string, error) {
	cleaned, err := Clean(p)
	if err != nil {
		return "", err
	}
	return path.Join(r.root, cleaned), nil
}

func (r *RootShell) command(script string) *exec.Cmd {
	args := append(append([]string{}, r.shell[1:]...), script)
	return exec.Command(r.shell[0], args...)
}

// run executes script and returns its stdout.
func (r *RootShell) run(script string) ([]byte, error) {
	cmd := r.command(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithField("command", script).Debug("Running shell command")
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.Bytes(), &ShellError{
				Script: script,
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return nil, errors.WithContext(err, "run shell")
	}
	return stdout.Bytes(), nil
}

// processStream owns a running shell command whose stdin or stdout is used as
// a file stream. Close releases everything on every path: it closes the pipe,
// waits for the command to exit (killing it if it hangs), joins the stderr
// drainer, and reports the exit status.
type processStream struct {
	cmd     *exec.Cmd
	pipe    io.Closer
	stderr  *bytes.Buffer
	drained chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func startStream(cmd *exec.Cmd, pipe io.Closer) (*processStream, error) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pipe.Close()
		return nil, errors.WithContext(err, "open stderr")
	}

	if err := cmd.Start(); err != nil {
		pipe.Close()
		return nil, errors.WithContext(err, "start shell")
	}

	s := &processStream{
		cmd:     cmd,
		pipe:    pipe,
		stderr:  &bytes.Buffer{},
		drained: make(chan struct{}),
	}

	// The command blocks if nobody reads its stderr.
	go func() {
		defer close(s.drained)
		_, _ = io.Copy(s.stderr, io.LimitReader(stderr, maxStderr))
		_, _ = io.Copy(io.Discard, stderr)
	}()
	return s, nil
}

func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *processStream) close() error {
	pipeErr := s.pipe.Close()

	select {
	case <-s.drained:
	case <-time.After(streamGracePeriod):
		log.WithField("command", s.script()).Warn(
			"Shell command didn't exit after its stream was closed. Killing it.")
		_ = s.cmd.Process.Kill()
		<-s.drained
	}

	if err := streamExitError(s.script(), s.cmd.Wait(), s.stderr.String()); err != nil {
		return err
	}

	if pipeErr != nil {
		return errors.WithContext(pipeErr, "close pipe")
	}
	return nil
}

func (s *processStream) script() string {
	return s.cmd.Args[len(s.cmd.Args)-1]
}

// streamExitError converts the result of waiting on a stream's command into
// an error. Being killed by a broken pipe isn't a failure since it's how the
// command learns that the reader is done.
func streamExitError(script string, err error, stderr string) error {
	if err == nil {
		return nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return errors.WithContext(err, "wait for shell")
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() && status.Signal() == syscall.SIGPIPE {
			return nil
		}
	}

	if exitErr.ExitCode() == brokenPipeExitCode {
		return nil
	}

	return &ShellError{
		Script: script,
		Code:   exitErr.ExitCode(),
		Stderr: strings.TrimSpace(stderr),
	}
}

type streamReader struct {
	*processStream
	r io.Reader
}

func (s *streamReader) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

type streamWriter struct {
	*processStream
	w io.Writer
}

func (s *streamWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
