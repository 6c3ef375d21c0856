// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Terminal styles using lipgloss
var (
	// styleOK styles success indicators
	styleOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// styleWarn styles warning indicators
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// styleError styles error indicators
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// styleMuted styles secondary text
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// styleBold styles emphasized text
	styleBold = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	symbolOK    = "✓"
	symbolWarn  = "⚠"
	symbolError = "✗"
)

// isTTY determines if stdout should use terminal formatting.
// Returns false if stdout is piped, NO_COLOR is set, or TERM is "dumb"
// or empty.
func isTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// stdinIsTTY reports whether stdin is attached to a terminal, which
// gates interactive prompting.
func stdinIsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ui renders status-prefixed lines, degrading to plain text when the
// output is not a styled terminal.
type ui struct {
	styled bool
}

// newUI creates a ui bound to the current stdout capabilities.
func newUI() *ui {
	return &ui{styled: isTTY()}
}

func (u *ui) ok(msg string) string {
	if u.styled {
		return styleOK.Render(symbolOK) + " " + msg
	}
	return symbolOK + " " + msg
}

func (u *ui) warn(msg string) string {
	if u.styled {
		return styleWarn.Render(symbolWarn) + " " + msg
	}
	return symbolWarn + " " + msg
}

func (u *ui) fail(msg string) string {
	if u.styled {
		return styleError.Render(symbolError) + " " + msg
	}
	return symbolError + " " + msg
}

func (u *ui) bold(msg string) string {
	if u.styled {
		return styleBold.Render(msg)
	}
	return msg
}

func (u *ui) muted(msg string) string {
	if u.styled {
		return styleMuted.Render(msg)
	}
	return msg
}

// statusLabel renders a bracketed status like [completed] colored by
// outcome.
func (u *ui) statusLabel(status string, good bool) string {
	label := "[" + status + "]"
	if !u.styled {
		return label
	}
	if good {
		return styleOK.Render(label)
	}
	return styleError.Render(label)
}
