package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	guidanceNotFound = `The aos binary was not found on your PATH.

Install it with:

    npm i -g https://get_ao.g8way.io

then run "aos --version" to confirm the installation.
`

	guidanceBroken = `The aos binary was found but failed to run.

Try reinstalling it:

    npm uninstall -g aos
    npm i -g https://get_ao.g8way.io
`
)

// CheckInstallation runs "aos --version" and reports whether it succeeded.
// On failure it prints guidance that tells a missing binary apart from a
// broken one.
func (s *Supervisor) CheckInstallation(ctx context.Context) bool {
	out, err := s.spawner.Run(ctx, s.binary, "--version")
	if err == nil {
		s.logger.Debug("aos installation found", "binary", s.binary, "version", strings.TrimSpace(out))
		return true
	}

	if errors.Is(err, exec.ErrNotFound) {
		s.logger.Error("aos binary not found", "binary", s.binary)
		s.printGuidance(guidanceNotFound)
		return false
	}

	s.logger.Error("aos binary failed to run", "binary", s.binary, "error", err, "output", strings.TrimSpace(out))
	s.printGuidance(guidanceBroken)
	return false
}

// Version returns the trimmed output of "aos --version".
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	out, err := s.spawner.Run(ctx, s.binary, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (s *Supervisor) printGuidance(text string) {
	if s.guidance == nil {
		return
	}
	fmt.Fprint(s.guidance, text)
}
