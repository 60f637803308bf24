// Package supervisor boots the bridge in a separate OS process alongside a
// host script, so a hang or crash in the bridge cannot block the host. It
// starts the bridge binary, waits for the service to answer, and terminates
// it on command. It does not auto-restart: watching the child's liveness is
// the host's job.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	internalnet "github.com/pipebridge/pipebridge/internal/net"
	"go.uber.org/zap"
)

type Supervisor struct {
	log        *zap.SugaredLogger
	httpClient *http.Client

	binPath      string
	frontendPath string
	linkHost     string
	linkPort     int
	serviceHost  string
	servicePort  int
	verbosity    string

	waitInterval time.Duration

	cmd    *exec.Cmd
	exited chan struct{}
	result error
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithBinPath sets the bridge binary to spawn. Defaults to "pipebridge" on
// the PATH.
func WithBinPath(p string) Option {
	return func(s *Supervisor) {
		s.binPath = p
	}
}

func WithFrontendPath(p string) Option {
	return func(s *Supervisor) {
		s.frontendPath = p
	}
}

// WithLinkAddr sets where the external application will connect. Port 0
// picks an ephemeral port at construction.
func WithLinkAddr(host string, port int) Option {
	return func(s *Supervisor) {
		s.linkHost = host
		s.linkPort = port
	}
}

// WithServiceAddr sets where the bridge serves browser clients. Port 0 picks
// an ephemeral port at construction.
func WithServiceAddr(host string, port int) Option {
	return func(s *Supervisor) {
		s.serviceHost = host
		s.servicePort = port
	}
}

// WithVerbosity sets the child's logging verbosity, one of
// DEBUG|INFO|WARNING|ERROR|CRITICAL.
func WithVerbosity(v string) Option {
	return func(s *Supervisor) {
		s.verbosity = v
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.waitInterval = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(opts ...Option) (*Supervisor, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Supervisor{
		log:          logger.Named("supervisor").Sugar(),
		binPath:      "pipebridge",
		linkHost:     "127.0.0.1",
		linkPort:     9000,
		serviceHost:  "127.0.0.1",
		servicePort:  5000,
		verbosity:    "INFO",
		waitInterval: 100 * time.Millisecond,
		exited:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if s.linkPort == 0 {
		s.linkPort, err = internalnet.GetEphemeralTCPPort()
		if err != nil {
			return nil, fmt.Errorf("picking link port: %w", err)
		}
	}
	if s.servicePort == 0 {
		s.servicePort, err = internalnet.GetEphemeralTCPPort()
		if err != nil {
			return nil, fmt.Errorf("picking service port: %w", err)
		}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: s.log}
	s.httpClient = retryClient.StandardClient()

	return s, nil
}

// ServiceURL is the base HTTP URL of the bridge service.
func (s *Supervisor) ServiceURL() string {
	return fmt.Sprintf("http://%s:%d", s.serviceHost, s.servicePort)
}

// WSURL is the websocket URL browser clients and host tooling connect to.
func (s *Supervisor) WSURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", s.serviceHost, s.servicePort)
}

// LinkAddr is the address the external application should connect to.
func (s *Supervisor) LinkAddr() string {
	return fmt.Sprintf("%s:%d", s.linkHost, s.linkPort)
}

// Start spawns the bridge process and returns without waiting for it to
// become ready. Failures inside the child are logged by the child, not
// returned here; use WaitReady to block until the service answers. The child
// is killed when ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.Command(s.binPath, "serve",
		"--link-host", s.linkHost,
		"--link-port", strconv.Itoa(s.linkPort),
		"--host", s.serviceHost,
		"--port", strconv.Itoa(s.servicePort),
		"--verbosity", s.verbosity,
	)
	if s.frontendPath != "" {
		cmd.Args = append(cmd.Args, "--frontend-path", s.frontendPath)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting bridge process: %w", err)
	}
	s.cmd = cmd
	s.log.Debugf("started bridge process %d", cmd.Process.Pid)

	go func() {
		s.result = cmd.Wait()
		close(s.exited)
	}()

	// kill the child if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-s.exited:
		}
	}()

	return nil
}

// WaitReady blocks until the bridge's HTTP service answers, the child exits,
// or ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(s.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exited:
			return fmt.Errorf("bridge process exited before becoming ready: %v", s.result)
		case <-ticker.C:
			err := s.checkStatus(ctx)
			if err == nil {
				s.log.Debug("bridge is ready")
				return nil
			}
			s.log.Debugf("bridge not ready yet: %s", err)
		}
	}
}

func (s *Supervisor) checkStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ServiceURL()+"/status", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}

// Stop terminates the bridge process unconditionally. Calling Stop twice, or
// after the child has already been reaped, returns an error; the kill is not
// idempotent.
func (s *Supervisor) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return fmt.Errorf("bridge process was never started")
	}
	return s.cmd.Process.Kill()
}

// Wait blocks until the bridge process exits.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return s.result
	}
}
