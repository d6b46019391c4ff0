// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package configcmd implements 'iot-agent config'.
package configcmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/state"
)

// Command returns the config command tree.
func Command() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and modify agent configuration",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return show()
			},
		},
		&cobra.Command{
			Use:   "set-api <url>",
			Short: "Point the device at a different cloud API endpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setAPI(args[0])
			},
		},
	)
	return configCmd
}

func show() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	// The provisioning key is a secret; never print it.
	cfg.ProvisioningKey = ""
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func setAPI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid API endpoint %q", raw)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	identity, err := store.GetIdentity()
	if errors.Is(err, state.ErrNotProvisioned) {
		return fmt.Errorf("device is not provisioned yet; set CLOUD_API_ENDPOINT before first run")
	}
	if err != nil {
		return err
	}
	identity.APIEndpoint = raw
	if err := store.SetIdentity(identity); err != nil {
		return err
	}
	fmt.Printf("API endpoint set to %s (restart the agent to apply)\n", raw)
	return nil
}
