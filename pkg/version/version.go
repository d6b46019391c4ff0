// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the agent version, set at build time via ldflags.
package version

// Default version information. Overridden by the build:
//
//	-ldflags "-X github.com/DataDog/iot-agent/pkg/version.AgentVersion=1.2.3"
var (
	// AgentVersion is the version of the running agent.
	AgentVersion = "0.0.0-dev"

	// Commit is the git commit the agent was built from.
	Commit = ""
)
