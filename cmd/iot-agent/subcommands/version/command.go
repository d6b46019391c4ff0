// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version implements 'iot-agent version'.
package version

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/iot-agent/pkg/version"
)

// Command returns the version command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		Run: func(cmd *cobra.Command, _ []string) {
			commit := version.Commit
			if commit == "" {
				commit = "unknown"
			}
			fmt.Fprintln(
				color.Output,
				fmt.Sprintf("Agent %s - Commit: %s - Go version: %s",
					color.CyanString(version.AgentVersion),
					color.GreenString(commit),
					color.RedString(runtime.Version()),
				),
			)
		},
	}
}
