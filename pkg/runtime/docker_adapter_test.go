// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runtime

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-agent/pkg/model"
)

// stubAPIClient overrides only the calls under test; anything else panics,
// which doubles as proof the adapter issued no unexpected daemon call.
type stubAPIClient struct {
	client.APIClient

	pullBody   string
	pullErr    error
	containers []types.Container
	listArgs   filters.Args
	networks   []types.NetworkResource
	volumes    []*volume.Volume
	stopErr    error
	removeErr  error

	calls []string
}

func (s *stubAPIClient) ImagePull(_ context.Context, ref string, _ types.ImagePullOptions) (io.ReadCloser, error) {
	s.calls = append(s.calls, "pull "+ref)
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	return io.NopCloser(strings.NewReader(s.pullBody)), nil
}

func (s *stubAPIClient) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	s.calls = append(s.calls, "list")
	s.listArgs = opts.Filters
	return s.containers, nil
}

func (s *stubAPIClient) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	s.calls = append(s.calls, "stop "+id)
	return s.stopErr
}

func (s *stubAPIClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	s.calls = append(s.calls, "rm "+id)
	return s.removeErr
}

func (s *stubAPIClient) NetworkList(_ context.Context, _ types.NetworkListOptions) ([]types.NetworkResource, error) {
	s.calls = append(s.calls, "net-list")
	return s.networks, nil
}

func (s *stubAPIClient) NetworkCreate(_ context.Context, name string, _ types.NetworkCreate) (types.NetworkCreateResponse, error) {
	s.calls = append(s.calls, "net-create "+name)
	return types.NetworkCreateResponse{}, nil
}

func (s *stubAPIClient) NetworkRemove(_ context.Context, id string) error {
	s.calls = append(s.calls, "net-rm "+id)
	return nil
}

func (s *stubAPIClient) VolumeList(_ context.Context, _ volume.ListOptions) (volume.ListResponse, error) {
	s.calls = append(s.calls, "vol-list")
	return volume.ListResponse{Volumes: s.volumes}, nil
}

func (s *stubAPIClient) VolumeRemove(_ context.Context, id string, _ bool) error {
	s.calls = append(s.calls, "vol-rm "+id)
	return nil
}

func TestPullImageInStreamError(t *testing.T) {
	// The daemon signals pull failures past the header as in-band JSON, not
	// as a transport error.
	stub := &stubAPIClient{pullBody: `{"status":"Pulling from library/ghost"}
{"errorDetail":{"message":"manifest for ghost:1 not found"},"error":"manifest for ghost:1 not found"}`}
	d := NewDockerAdapterWithClient(stub)

	err := d.PullImage(context.Background(), "ghost:1")
	require.Error(t, err)
	var op *OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, KindNotFound, op.Kind)
	assert.True(t, IsPermanent(err))
}

func TestPullImageStreamSuccess(t *testing.T) {
	stub := &stubAPIClient{pullBody: `{"status":"Pulling from library/nginx"}
{"status":"Status: Downloaded newer image for nginx:1.25"}`}
	d := NewDockerAdapterWithClient(stub)
	assert.NoError(t, d.PullImage(context.Background(), "nginx:1.25"))
}

func TestPullErrorKind(t *testing.T) {
	stub := &stubAPIClient{pullBody: `{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}`}
	d := NewDockerAdapterWithClient(stub)
	var op *OpError
	require.ErrorAs(t, d.PullImage(context.Background(), "private:1"), &op)
	assert.Equal(t, KindAuthRequired, op.Kind)

	// A mid-download transport failure is retryable next cycle.
	stub = &stubAPIClient{pullBody: `{"errorDetail":{"message":"unexpected EOF"},"error":"unexpected EOF"}`}
	d = NewDockerAdapterWithClient(stub)
	require.ErrorAs(t, d.PullImage(context.Background(), "nginx:1.25"), &op)
	assert.Equal(t, KindTransient, op.Kind)
	assert.False(t, IsPermanent(op))
}

func TestListManagedContainersFiltersAndParses(t *testing.T) {
	stub := &stubAPIClient{containers: []types.Container{{
		ID:    "deadbeef",
		Names: []string{"/shop_web"},
		Image: "nginx:1.25",
		State: "running",
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelAppID:       "1001",
			LabelAppName:     "shop",
			LabelServiceID:   "2",
			LabelServiceName: "web",
		},
	}}}
	d := NewDockerAdapterWithClient(stub)

	summaries, err := d.ListManagedContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	got := summaries[0]
	assert.Equal(t, "deadbeef", got.ID)
	assert.Equal(t, "shop_web", got.Name)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 1001, got.AppID)
	assert.Equal(t, "shop", got.AppName)
	assert.Equal(t, 2, got.ServiceID)
	assert.Equal(t, "web", got.ServiceName)

	// Only containers carrying the managed label are requested.
	assert.Contains(t, stub.listArgs.Get("label"), LabelManaged+"=true")
}

func TestStopRemoveIdempotent(t *testing.T) {
	// Already-gone containers are a success: the desired end state holds.
	stub := &stubAPIClient{stopErr: errdefs.NotFound(assert.AnError), removeErr: errdefs.NotFound(assert.AnError)}
	d := NewDockerAdapterWithClient(stub)
	assert.NoError(t, d.StopContainer(context.Background(), "gone", 10*time.Second))
	assert.NoError(t, d.RemoveContainer(context.Background(), "gone", false))

	// An already-stopped container is a success too.
	stub.stopErr = errdefs.NotModified(assert.AnError)
	assert.NoError(t, d.StopContainer(context.Background(), "stopped", 10*time.Second))

	// Real daemon failures still surface.
	stub.stopErr = assert.AnError
	stub.removeErr = assert.AnError
	assert.Error(t, d.StopContainer(context.Background(), "c1", 10*time.Second))
	assert.Error(t, d.RemoveContainer(context.Background(), "c1", false))
}

func TestRemoveNetworkManagedGuard(t *testing.T) {
	// The daemon's name filter matches substrings; an unmanaged or
	// similarly-named network must never be removed.
	stub := &stubAPIClient{networks: []types.NetworkResource{{Name: "1001_frontend-extra"}}}
	d := NewDockerAdapterWithClient(stub)
	require.NoError(t, d.RemoveNetwork(context.Background(), 1001, "frontend"))
	assert.NotContains(t, stub.calls, "net-rm 1001_frontend")

	stub = &stubAPIClient{networks: []types.NetworkResource{{Name: "1001_frontend"}}}
	d = NewDockerAdapterWithClient(stub)
	require.NoError(t, d.RemoveNetwork(context.Background(), 1001, "frontend"))
	assert.Contains(t, stub.calls, "net-rm 1001_frontend")
}

func TestCreateNetworkSkipsExisting(t *testing.T) {
	stub := &stubAPIClient{networks: []types.NetworkResource{{Name: "1_backend"}}}
	d := NewDockerAdapterWithClient(stub)
	require.NoError(t, d.CreateNetwork(context.Background(), 1, "shop", "backend", model.NetworkConfig{}))
	assert.NotContains(t, stub.calls, "net-create 1_backend")

	stub = &stubAPIClient{}
	d = NewDockerAdapterWithClient(stub)
	require.NoError(t, d.CreateNetwork(context.Background(), 1, "shop", "backend", model.NetworkConfig{}))
	assert.Contains(t, stub.calls, "net-create 1_backend")
}

func TestRemoveVolumeManagedGuard(t *testing.T) {
	// No managed volume of that exact name: no destructive call at all.
	stub := &stubAPIClient{volumes: []*volume.Volume{{Name: "1001_webdata-old"}}}
	d := NewDockerAdapterWithClient(stub)
	require.NoError(t, d.RemoveVolume(context.Background(), 1001, "webdata"))
	assert.NotContains(t, stub.calls, "vol-rm 1001_webdata")

	stub = &stubAPIClient{volumes: []*volume.Volume{{Name: "1001_webdata"}}}
	d = NewDockerAdapterWithClient(stub)
	require.NoError(t, d.RemoveVolume(context.Background(), 1001, "webdata"))
	assert.Contains(t, stub.calls, "vol-rm 1001_webdata")
}
