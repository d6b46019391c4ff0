// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Main package for the iot-agent binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataDog/iot-agent/cmd/iot-agent/subcommands/configcmd"
	"github.com/DataDog/iot-agent/cmd/iot-agent/subcommands/run"
	"github.com/DataDog/iot-agent/cmd/iot-agent/subcommands/status"
	"github.com/DataDog/iot-agent/cmd/iot-agent/subcommands/version"
)

// Exit codes promised to ops tooling.
const (
	exitOK             = 0
	exitError          = 1
	exitNotProvisioned = 2
)

func makeRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "iot-agent [command]",
		Short:        "Device agent for the fleet control plane",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		run.Command(),
		status.Command(),
		version.Command(),
		configcmd.Command(),
	)
	return rootCmd
}

func main() {
	if err := makeRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var notProvisioned *status.NotProvisionedError
		if errors.As(err, &notProvisioned) {
			os.Exit(exitNotProvisioned)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
