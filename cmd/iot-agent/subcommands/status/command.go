// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package status implements 'iot-agent status': it queries the local API of
// a running agent and prints a short summary.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/iot-agent/pkg/api"
	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/model"
)

// NotProvisionedError maps to exit code 2 in main.
type NotProvisionedError struct{}

func (e *NotProvisionedError) Error() string {
	return "device is not provisioned"
}

// Command returns the status command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of the running agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus()
		},
	}
}

func printStatus() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + cfg.ListenAddr

	var st api.StatusResponse
	if err := getJSON(client, base+"/v1/status", &st); err != nil {
		return fmt.Errorf("agent not reachable on %s: %w", cfg.ListenAddr, err)
	}
	if !st.Provisioned {
		return &NotProvisionedError{}
	}

	var current model.StateSnapshot
	if err := getJSON(client, base+"/v1/state", &current); err != nil {
		return err
	}

	fmt.Printf("Agent %s\n", color.CyanString(st.Version))
	fmt.Printf("Device %s\n", color.GreenString(st.DeviceUUID))
	healthy := color.GreenString("healthy")
	if resp, err := client.Get(base + "/health"); err != nil || resp.StatusCode != http.StatusOK {
		healthy = color.RedString("unhealthy")
	}
	fmt.Printf("Runtime %s\n", healthy)
	fmt.Printf("Apps: %d\n", len(current.Apps))
	for _, app := range current.Apps {
		fmt.Printf("  %s (%d)\n", app.AppName, app.AppID)
		for _, svc := range app.Services {
			statusColor := color.GreenString
			if svc.Status != model.StatusRunning {
				statusColor = color.YellowString
			}
			fmt.Printf("    %-20s %-30s %s\n", svc.ServiceName, svc.ImageName, statusColor(string(svc.Status)))
		}
	}
	return nil
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
