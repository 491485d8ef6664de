// Package userdata builds the boot-time shell script that turns a fresh
// instance into an ephemeral GitHub Actions runner.
//
// The script is plain bash.  It is transported as instance user data
// (base64 of the newline-joined lines) and runs as root on first boot.
package userdata

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// DefaultRunnerVersion is the actions/runner release downloaded when the
// image does not ship a pre-installed runner.
const DefaultRunnerVersion = "2.307.1"

// Params holds everything the script needs.  Nothing here is validated;
// config.Validate is responsible for rejecting bad input.
type Params struct {
	// Token is the one-time registration token.  It is passed to
	// config.sh as both --token and --pat.
	Token string

	// Label routes jobs to this runner.
	Label string

	// RegistrationURL is the repository URL, e.g.
	// https://github.com/my-org/my-repo.
	RegistrationURL string

	// HomeDir, when set, selects pre-installed mode: the image already
	// contains the runner in this directory.
	HomeDir string

	// RunnerVersion is the release to download in fresh-install mode.
	// Default: DefaultRunnerVersion.
	RunnerVersion string
}

// Script is an ordered list of shell lines.
type Script []string

// String joins the lines with newlines.
func (s Script) String() string {
	return strings.Join(s, "\n")
}

// Encode returns the base64 form expected by the instance user data APIs.
func (s Script) Encode() string {
	return base64.StdEncoding.EncodeToString([]byte(s.String()))
}

// Build produces the startup script for p.  It is a pure function.
func Build(p Params) Script {
	lines := Script{
		"#!/bin/bash",
		"set -x",
	}

	if p.HomeDir != "" {
		lines = append(lines, "cd "+shellquote.Join(p.HomeDir))
	} else {
		version := p.RunnerVersion
		if version == "" {
			version = DefaultRunnerVersion
		}
		archive := fmt.Sprintf("actions-runner-linux-${RUNNER_ARCH}-%s.tar.gz", version)
		lines = append(lines,
			"mkdir actions-runner && cd actions-runner",
			`case $(uname -m) in aarch64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; *) echo "unsupported architecture: $(uname -m)" >&2; exit 1 ;; esac && export RUNNER_ARCH=${ARCH}`,
			fmt.Sprintf("curl -O -L https://github.com/actions/runner/releases/download/v%s/%s", version, archive),
			fmt.Sprintf("tar xzf ./%s", archive),
		)
	}

	return append(lines,
		"export RUNNER_ALLOW_RUNASROOT=1",
		registerCommand(p),
		"./run.sh",
	)
}

// registerCommand renders the unattended, ephemeral config.sh call.
func registerCommand(p Params) string {
	return shellquote.Join(
		"./config.sh",
		"--url", p.RegistrationURL,
		"--token", p.Token,
		"--pat", p.Token,
		"--labels", p.Label,
		"--unattended",
		"--ephemeral",
	)
}
