// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/util/log"
	"github.com/DataDog/iot-agent/pkg/version"
)

// registerRequest is the body of POST /device/register.
type registerRequest struct {
	ProvisioningKey string `json:"provisioning_key"`
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	Hostname        string `json:"hostname"`
	OSVersion       string `json:"os_version"`
	AgentVersion    string `json:"agent_version"`
	MACAddress      string `json:"mac_address,omitempty"`
}

// RegisterResponse is the cloud's answer to a registration.
type RegisterResponse struct {
	UUID        string            `json:"uuid"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// PermanentRegistrationError marks registration failures that retrying
// cannot fix (invalid provisioning key, quota exhausted). The supervisor
// refuses to start on one.
type PermanentRegistrationError struct {
	Status int
	Body   string
}

func (e *PermanentRegistrationError) Error() string {
	return fmt.Sprintf("registration rejected (%d): %s", e.Status, e.Body)
}

// Register provisions the device: it posts the provisioning key and device
// facts, retrying transient failures with capped exponential backoff, and
// returns the provisioned identity. 4xx answers (other than 408/429) abort.
func Register(ctx context.Context, cfg *config.Config, deviceName, deviceType string, clk clock.Clock) (model.DeviceIdentity, string, error) {
	endpoint := strings.TrimRight(cfg.CloudAPIEndpoint, "/")
	if endpoint == "" {
		return model.DeviceIdentity{}, "", fmt.Errorf("no cloud API endpoint configured")
	}
	if cfg.ProvisioningKey == "" {
		return model.DeviceIdentity{}, "", fmt.Errorf("no provisioning key configured")
	}

	hostname, _ := os.Hostname()
	if deviceName == "" {
		deviceName = hostname
	}
	reqBody := registerRequest{
		ProvisioningKey: cfg.ProvisioningKey,
		DeviceName:      deviceName,
		DeviceType:      deviceType,
		Hostname:        hostname,
		OSVersion:       runtime.GOOS,
		AgentVersion:    version.AgentVersion,
		MACAddress:      primaryMACAddress(),
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	var registered RegisterResponse

	operation := func() error {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/device/register", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case isRetryable(resp.StatusCode):
			return fmt.Errorf("registration: cloud returned %s", resp.Status)
		default:
			return backoff.Permanent(&PermanentRegistrationError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
		}

		if err := json.Unmarshal(raw, &registered); err != nil {
			return fmt.Errorf("decoding registration response: %w", err)
		}
		if registered.UUID == "" {
			return backoff.Permanent(fmt.Errorf("registration response carries no uuid"))
		}
		return nil
	}

	bo := newBackoff()
	notify := func(err error, wait time.Duration) {
		log.Warnf("registration attempt failed, retrying in %s: %v", wait, err) //nolint:errcheck
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return model.DeviceIdentity{}, "", err
	}

	identity := model.DeviceIdentity{
		UUID:         registered.UUID,
		DeviceName:   deviceName,
		DeviceType:   deviceType,
		Provisioned:  true,
		APIEndpoint:  endpoint,
		RegisteredAt: clk.Now().UTC(),
	}
	log.Infof("device registered as %s", identity.UUID)
	return identity, registered.Credentials["token"], nil
}

// primaryMACAddress returns the hardware address of the first non-loopback
// interface, or empty if none is up.
func primaryMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
