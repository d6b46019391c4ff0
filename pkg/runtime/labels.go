// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runtime

import (
	"fmt"
	"strconv"
)

// Managed-resource labels. Every container, network and volume the agent
// creates carries these; everything without LabelManaged is invisible to the
// adapter, destructive calls included.
const (
	labelPrefix = "com.datadoghq.iot-agent."

	LabelManaged     = labelPrefix + "managed"
	LabelAppID       = labelPrefix + "app-id"
	LabelAppName     = labelPrefix + "app-name"
	LabelServiceID   = labelPrefix + "service-id"
	LabelServiceName = labelPrefix + "service-name"
)

func resourceLabels(appID int, appName string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelAppID:   strconv.Itoa(appID),
		LabelAppName: appName,
	}
}

func containerLabels(appID int, appName string, serviceID int, serviceName string, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+5)
	for k, v := range extra {
		labels[k] = v
	}
	for k, v := range resourceLabels(appID, appName) {
		labels[k] = v
	}
	labels[LabelServiceID] = strconv.Itoa(serviceID)
	labels[LabelServiceName] = serviceName
	return labels
}

// ContainerName returns the deterministic name for a service's container.
func ContainerName(appName, serviceName string) string {
	return appName + "_" + serviceName
}

// ScopedName prefixes an app-owned network or volume name with its app id so
// equally named resources of different apps never collide.
func ScopedName(appID int, name string) string {
	return fmt.Sprintf("%d_%s", appID, name)
}
