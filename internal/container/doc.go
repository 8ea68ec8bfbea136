// SPDX-License-Identifier: MPL-2.0

// Package container abstracts the runtimes that host build steps and sessions.
//
// Docker and Podman are driven through their CLIs by BaseCLIEngine, which only
// builds argument vectors and runs them through an injectable ExecCommandFunc.
// VirtualEngine keeps images and containers as directory trees and executes
// commands with the embedded mvdan.cc/sh interpreter; it needs no daemon and
// is what the test suites use.
//
// Every engine follows the same contract: a non-zero exit status from Exec is
// data reported in RunResult, while errors are reserved for infrastructure
// failures.
package container
