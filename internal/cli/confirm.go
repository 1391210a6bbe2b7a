// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// confirm.go - Confirmation handling for destructive commands.
//
// The flow is the same everywhere:
//  1. If --yes was passed, proceed without prompting
//  2. If --json mode, require --yes (no interactive prompts in JSON mode)
//  3. If stdin is not a TTY, require --yes (can't prompt)
//  4. Otherwise, show an interactive y/N prompt

package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ConfirmationOptions controls RequireConfirmation.
type ConfirmationOptions struct {
	// Yes indicates --yes was passed.
	Yes bool
	// JSONMode indicates --json was passed.
	JSONMode bool
	// Interactive overrides TTY detection; nil means detect.
	Interactive *bool
}

// RequireConfirmation asks the user to confirm action on in/out.
// It returns false without error when the user declines.
func RequireConfirmation(in io.Reader, out io.Writer, action string, opts ConfirmationOptions) (bool, error) {
	if opts.Yes {
		return true, nil
	}
	if opts.JSONMode {
		return false, fmt.Errorf("%s requires --yes in JSON mode", action)
	}
	interactive := IsTTY()
	if opts.Interactive != nil {
		interactive = *opts.Interactive
	}
	if !interactive {
		return false, fmt.Errorf("%w; pass --yes to %s", &TTYRequiredError{Operation: "confirm"}, action)
	}

	fmt.Fprintf(out, "%s %s? [y/N]: ", WarningStyle.Render("Confirm:"), action)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(out)
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		fmt.Fprintln(out, DimStyle.Render("Cancelled."))
		return false, nil
	}
}
