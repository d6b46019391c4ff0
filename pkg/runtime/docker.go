// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/util/log"
)

// DockerAdapter drives a docker-compatible daemon over its socket API.
type DockerAdapter struct {
	cli client.APIClient
}

// NewDockerAdapter connects to the daemon at host (e.g.
// "unix:///var/run/docker.sock"). API version is negotiated with the daemon.
func NewDockerAdapter(host string) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerAdapter{cli: cli}, nil
}

// NewDockerAdapterWithClient wraps an existing API client. Used by tests.
func NewDockerAdapterWithClient(cli client.APIClient) *DockerAdapter {
	return &DockerAdapter{cli: cli}
}

// Ping probes daemon liveness.
func (d *DockerAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, InspectTimeout)
	defer cancel()
	if _, err := d.cli.Ping(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// ListManagedContainers returns every container carrying the managed label.
func (d *DockerAdapter) ListManagedContainers(ctx context.Context) ([]ContainerSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	f := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, wrapErr("list containers", err)
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		summary := ContainerSummary{
			ID:     ctr.ID,
			Image:  ctr.Image,
			Status: mapContainerState(ctr.State),
			Labels: ctr.Labels,
		}
		if len(ctr.Names) > 0 {
			summary.Name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		summary.AppName = ctr.Labels[LabelAppName]
		summary.ServiceName = ctr.Labels[LabelServiceName]
		summary.AppID, _ = strconv.Atoi(ctr.Labels[LabelAppID])
		summary.ServiceID, _ = strconv.Atoi(ctr.Labels[LabelServiceID])
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// InspectContainer returns the container status mapped onto the closed
// status set; unknown daemon states map to StatusUnknown.
func (d *DockerAdapter) InspectContainer(ctx context.Context, id string) (model.ServiceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, InspectTimeout)
	defer cancel()

	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return model.StatusUnknown, wrapErr("inspect container", err)
	}
	if info.State == nil {
		return model.StatusUnknown, nil
	}
	return mapContainerState(info.State.Status), nil
}

// PullImage ensures the image is present locally. The daemon reports failures
// that occur after streaming has begun as in-band JSON messages, not as read
// errors, so the stream is decoded rather than discarded.
func (d *DockerAdapter) PullImage(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()

	log.Debugf("pulling image %s", image)
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return wrapErr("pull image", err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return &OpError{Op: "pull image", Kind: pullErrorKind(err), Err: err}
	}
	return nil
}

// pullErrorKind classifies an in-band pull error. The daemon does not carry
// errdefs types through the stream, only the registry's message.
func pullErrorKind(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "manifest unknown"),
		strings.Contains(msg, "no such image"):
		return KindNotFound
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "denied"),
		strings.Contains(msg, "authentication"):
		return KindAuthRequired
	}
	return KindTransient
}

// CreateContainer creates a stopped container for the service, applying the
// managed labels and the deterministic <app>_<service> name.
func (d *DockerAdapter) CreateContainer(ctx context.Context, appID int, appName string, svc model.Service) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()

	cfg := svc.Config
	exposed, bindings, err := nat.ParsePortSpecs(cfg.Ports)
	if err != nil {
		return "", &OpError{Op: "create container", Kind: KindInvalid, Err: err}
	}

	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}

	binds := make([]string, 0, len(cfg.Volumes))
	for _, raw := range cfg.Volumes {
		ref, err := model.ParseVolumeRef(raw)
		if err != nil {
			return "", &OpError{Op: "create container", Kind: KindInvalid, Err: err}
		}
		source := ref.Source
		if !ref.Bind {
			source = ScopedName(appID, ref.Source)
		}
		binds = append(binds, source+":"+ref.Mount)
	}

	hostConfig := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(restartPolicy(cfg.RestartPolicy)),
		},
	}
	if cfg.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(cfg.NetworkMode)
	}

	networking := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
	for _, name := range cfg.Networks {
		networking.EndpointsConfig[ScopedName(appID, name)] = &network.EndpointSettings{
			Aliases: []string{svc.ServiceName},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        svc.ImageName,
			Env:          env,
			ExposedPorts: exposed,
			Labels:       containerLabels(appID, appName, svc.ServiceID, svc.ServiceName, cfg.Labels),
		},
		hostConfig,
		networking,
		nil,
		ContainerName(appName, svc.ServiceName),
	)
	if err != nil {
		return "", wrapErr("create container", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container. Starting a running container is
// a no-op on the daemon side, which keeps this idempotent.
func (d *DockerAdapter) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrapErr("start container", err)
	}
	return nil
}

// StopContainer requests a graceful stop, force-killing after the grace
// period. Already-stopped and already-removed containers are a success.
func (d *DockerAdapter) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()

	seconds := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsNotModified(err) {
		return wrapErr("stop container", err)
	}
	return nil
}

// RemoveContainer removes a stopped container; with force it stops first.
// Not-found is a success: the desired end state holds.
func (d *DockerAdapter) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return wrapErr("remove container", err)
	}
	return nil
}

// CreateNetwork creates the app-scoped network if it does not exist yet.
func (d *DockerAdapter) CreateNetwork(ctx context.Context, appID int, appName, name string, cfg model.NetworkConfig) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	exists, err := d.networkExists(ctx, scoped)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "bridge"
	}
	_, err = d.cli.NetworkCreate(ctx, scoped, types.NetworkCreate{
		Driver:  driver,
		Options: cfg.Options,
		Labels:  resourceLabels(appID, appName),
	})
	if err != nil && !errdefs.IsConflict(err) {
		return wrapErr("create network", err)
	}
	return nil
}

// RemoveNetwork removes the app-scoped network if it exists and is managed.
func (d *DockerAdapter) RemoveNetwork(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	managed, err := d.networkExists(ctx, scoped)
	if err != nil {
		return err
	}
	if !managed {
		// Never issue destructive calls against unmanaged resources.
		return nil
	}
	if err := d.cli.NetworkRemove(ctx, scoped); err != nil && !errdefs.IsNotFound(err) {
		return wrapErr("remove network", err)
	}
	return nil
}

// networkExists reports whether a managed network with that name exists.
func (d *DockerAdapter) networkExists(ctx context.Context, scoped string) (bool, error) {
	f := filters.NewArgs(
		filters.Arg("name", scoped),
		filters.Arg("label", LabelManaged+"=true"),
	)
	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{Filters: f})
	if err != nil {
		return false, wrapErr("list networks", err)
	}
	for _, n := range networks {
		// The name filter matches substrings; require equality.
		if n.Name == scoped {
			return true, nil
		}
	}
	return false, nil
}

// CreateVolume creates the app-scoped volume. Volume creation is idempotent
// on the daemon side as long as the driver matches.
func (d *DockerAdapter) CreateVolume(ctx context.Context, appID int, appName, name string, cfg model.VolumeConfig) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:       ScopedName(appID, name),
		Driver:     cfg.Driver,
		DriverOpts: cfg.Options,
		Labels:     resourceLabels(appID, appName),
	})
	if err != nil {
		return wrapErr("create volume", err)
	}
	return nil
}

// RemoveVolume removes the app-scoped volume if it exists and is managed.
func (d *DockerAdapter) RemoveVolume(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	f := filters.NewArgs(
		filters.Arg("name", scoped),
		filters.Arg("label", LabelManaged+"=true"),
	)
	volumes, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: f})
	if err != nil {
		return wrapErr("list volumes", err)
	}
	managed := false
	for _, v := range volumes.Volumes {
		if v != nil && v.Name == scoped {
			managed = true
			break
		}
	}
	if !managed {
		return nil
	}
	if err := d.cli.VolumeRemove(ctx, scoped, false); err != nil && !errdefs.IsNotFound(err) {
		return wrapErr("remove volume", err)
	}
	return nil
}

func restartPolicy(p model.RestartPolicy) string {
	if p == "" {
		return string(model.RestartNo)
	}
	return string(p)
}

func mapContainerState(state string) model.ServiceStatus {
	switch state {
	case "created":
		return model.StatusCreated
	case "running":
		return model.StatusRunning
	case "restarting":
		return model.StatusRestarting
	case "exited":
		return model.StatusExited
	case "dead":
		return model.StatusDead
	}
	return model.StatusUnknown
}

func wrapErr(op string, err error) error {
	kind := KindTransient
	switch {
	case errdefs.IsNotFound(err):
		kind = KindNotFound
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		kind = KindAuthRequired
	case errdefs.IsConflict(err):
		kind = KindConflict
	case errdefs.IsInvalidParameter(err):
		kind = KindInvalid
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}
