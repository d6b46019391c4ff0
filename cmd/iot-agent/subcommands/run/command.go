// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package run implements 'iot-agent run'.
package run

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/supervisor"
	"github.com/DataDog/iot-agent/pkg/util/log"
)

// Command returns the run command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return start()
		},
	}
}

func start() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := log.SetupLogger(cfg.LogLevel, "iot-agent"); err != nil {
		return err
	}
	defer log.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.Boot(ctx, cfg)
	if err != nil {
		return log.Criticalf("boot failed: %v", err)
	}
	return sup.Run(ctx)
}
