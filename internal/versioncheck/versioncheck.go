// Package versioncheck gates engine startup on the embedded interpreter
// reporting a compatible Lua language version, mirroring the teacher's
// checkPhpExecutable/CheckRRExecutable/CheckGdbExecutable semver gates
// (engine/base.go) generalised from "shell out and parse a version string"
// to "read gopher-lua's own reported _VERSION constant".
package versioncheck

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
)

// supportedConstraint matches the Lua language versions this debugger's
// evaluator and hook installer have been built against.
const supportedConstraint = ">= 5.1.0, < 5.5.0"

// Check parses luaVersionString (gopher-lua's "_VERSION" global, e.g.
// "Lua 5.1") and returns an error if it falls outside supportedConstraint.
func Check(luaVersionString string) error {
	fields := strings.Fields(luaVersionString)
	if len(fields) == 0 {
		return fmt.Errorf("could not parse Lua version from %q", luaVersionString)
	}
	raw := fields[len(fields)-1]

	ver, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("could not parse Lua version %q: %w", raw, err)
	}

	constraint, err := semver.NewConstraint(supportedConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("unsupported Lua version %v: need %s", ver, supportedConstraint)
	}
	return nil
}
