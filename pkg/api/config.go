package api

import (
	"os"
	"time"

	"github.com/jingkaihe/iofault/internal/errx"
)

// DefaultMountTimeout bounds how long session setup waits for the shadow
// mount to become ready.
const DefaultMountTimeout = 10 * time.Second

// DefaultRuntimeDir is where session state (records DB, shadow mounts,
// control sockets) lives.
const DefaultRuntimeDir = "/run/iofault"

// SessionConfig describes one fault-injection session: which path of which
// process to hijack, and the rules to apply while the session is active.
type SessionConfig struct {
	// Path is the file or directory the target process has open. It is
	// canonicalized before use.
	Path string `json:"path"`

	// Pid is the target process.
	Pid int `json:"pid"`

	// MountOnly skips descriptor surgery: the shadow mount is bound over the
	// path so opens made after setup route through the interception layer,
	// but descriptors the target already holds are left alone.
	MountOnly bool `json:"mount_only,omitempty"`

	Rules []FaultRule `json:"rules,omitempty"`

	// RuntimeDir overrides DefaultRuntimeDir.
	RuntimeDir string `json:"runtime_dir,omitempty"`

	// MountTimeout overrides DefaultMountTimeout.
	MountTimeout time.Duration `json:"mount_timeout,omitempty"`

	// Verbosity is passed through to logging setup (debug, info, warn, error).
	Verbosity string `json:"verbosity,omitempty"`
}

func (c *SessionConfig) GetRuntimeDir() string {
	if c != nil && c.RuntimeDir != "" {
		return c.RuntimeDir
	}
	return DefaultRuntimeDir
}

func (c *SessionConfig) GetMountTimeout() time.Duration {
	if c != nil && c.MountTimeout > 0 {
		return c.MountTimeout
	}
	return DefaultMountTimeout
}

// Validate checks the parts of the config that can be checked without
// touching the target process.
func (c *SessionConfig) Validate() error {
	if c.Path == "" {
		return errx.With(ErrInvalidConfig, ": path is required")
	}
	if c.Pid <= 0 {
		return errx.With(ErrInvalidConfig, ": pid %d is not a valid process id", c.Pid)
	}
	if _, err := os.Stat(c.Path); err != nil {
		return errx.With(ErrInvalidConfig, ": path %s: %w", c.Path, err)
	}
	return nil
}
