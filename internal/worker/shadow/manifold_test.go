// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package shadow_test

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
	dt "github.com/juju/worker/v4/dependency/testing"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/iotistic/agent/core/database"
	"github.com/iotistic/agent/internal/identity"
	"github.com/iotistic/agent/internal/state"
	"github.com/iotistic/agent/internal/worker/shadow"
)

type manifoldSuite struct {
	testing.IsolationSuite

	manifold dependency.Manifold
	getter   dependency.Getter
	stub     testing.Stub

	manager *identity.Manager
	hub     *pubsub.SimpleHub
	fabric  *fakeFabric
}

var _ = gc.Suite(&manifoldSuite{})

func (s *manifoldSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub.ResetCalls()

	s.manager = s.newManager(c)
	s.hub = pubsub.NewSimpleHub(nil)
	s.fabric = newFakeFabric()
	s.getter = s.newGetter(c, nil)
	s.manifold = shadow.Manifold(shadow.ManifoldConfig{
		StateName:      "state",
		IdentityName:   "identity",
		CentralHubName: "central-hub",
		MessagingName:  "messaging",
		Clock:          clock.WallClock,
		Logger:         loggo.GetLogger("test.shadow"),
		NewWorker:      s.newWorker,
	})
}

func (s *manifoldSuite) newManager(c *gc.C) *identity.Manager {
	manager, err := identity.NewManager(identity.Config{
		Store: &fakeIdentityStore{identity: state.DeviceIdentity{
			UUID:              deviceUUID,
			DeviceName:        "bench-pi",
			ProvisioningState: state.Unprovisioned,
		}},
		Clock:  clock.WallClock,
		Logger: loggo.GetLogger("test.shadow"),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(manager.Ensure(context.Background()), jc.ErrorIsNil)
	return manager
}

func (s *manifoldSuite) newGetter(c *gc.C, overlay map[string]interface{}) dependency.Getter {
	factory := func() (coredatabase.TxnRunner, error) {
		return nil, errors.New("store not backed in this test")
	}
	resources := map[string]interface{}{
		"state":       state.NewStore(factory, clock.WallClock, loggo.GetLogger("test.state")),
		"identity":    s.manager,
		"central-hub": s.hub,
		"messaging":   s.fabric,
	}
	for k, v := range overlay {
		resources[k] = v
	}
	return dt.StubGetter(resources)
}

func (s *manifoldSuite) newWorker(config shadow.Config) (worker.Worker, error) {
	s.stub.MethodCall(s, "NewWorker", config)
	if err := s.stub.NextErr(); err != nil {
		return nil, err
	}
	return workertest.NewErrorWorker(nil), nil
}

var expectedInputs = []string{"state", "identity", "central-hub", "messaging"}

func (s *manifoldSuite) TestInputs(c *gc.C) {
	c.Assert(s.manifold.Inputs, jc.SameContents, expectedInputs)
	c.Check(s.manifold.Output, gc.IsNil)
}

func (s *manifoldSuite) TestMissingInputs(c *gc.C) {
	for _, input := range expectedInputs {
		getter := s.newGetter(c, map[string]interface{}{
			input: dependency.ErrMissing,
		})
		_, err := s.manifold.Start(context.Background(), getter)
		c.Assert(errors.Cause(err), gc.Equals, dependency.ErrMissing)
	}
}

func (s *manifoldSuite) TestValidateConfig(c *gc.C) {
	tests := []struct {
		name  string
		tweak func(*shadow.ManifoldConfig)
	}{
		{"StateName", func(cfg *shadow.ManifoldConfig) { cfg.StateName = "" }},
		{"IdentityName", func(cfg *shadow.ManifoldConfig) { cfg.IdentityName = "" }},
		{"CentralHubName", func(cfg *shadow.ManifoldConfig) { cfg.CentralHubName = "" }},
		{"MessagingName", func(cfg *shadow.ManifoldConfig) { cfg.MessagingName = "" }},
		{"Clock", func(cfg *shadow.ManifoldConfig) { cfg.Clock = nil }},
		{"Logger", func(cfg *shadow.ManifoldConfig) { cfg.Logger = nil }},
		{"NewWorker", func(cfg *shadow.ManifoldConfig) { cfg.NewWorker = nil }},
	}
	for _, t := range tests {
		cfg := s.validManifoldConfig()
		t.tweak(&cfg)
		c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("%s", t.name))
	}
}

func (s *manifoldSuite) validManifoldConfig() shadow.ManifoldConfig {
	return shadow.ManifoldConfig{
		StateName:      "state",
		IdentityName:   "identity",
		CentralHubName: "central-hub",
		MessagingName:  "messaging",
		Clock:          clock.WallClock,
		Logger:         loggo.GetLogger("test.shadow"),
		NewWorker:      s.newWorker,
	}
}

func (s *manifoldSuite) TestStartBuildsWorker(c *gc.C) {
	w, err := s.manifold.Start(context.Background(), s.getter)
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)

	s.stub.CheckCallNames(c, "NewWorker")
	config := s.stub.Calls()[0].Args[0].(shadow.Config)
	c.Check(config.Fabric, gc.Equals, s.fabric)
	c.Check(config.Store, gc.NotNil)
	c.Check(config.Hub, gc.Equals, s.hub)
	c.Check(config.UUID, gc.Equals, deviceUUID)
	c.Check(config.Clock, gc.NotNil)
	c.Check(config.Logger, gc.NotNil)
}

func (s *manifoldSuite) TestStartWorkerError(c *gc.C) {
	s.stub.SetErrors(errors.New("no uuid"))

	w, err := s.manifold.Start(context.Background(), s.getter)
	c.Check(w, gc.IsNil)
	c.Check(err, gc.ErrorMatches, "no uuid")
}

type fakeIdentityStore struct {
	identity state.DeviceIdentity
}

func (f *fakeIdentityStore) DeviceIdentity(ctx context.Context) (state.DeviceIdentity, error) {
	if f.identity.UUID == "" {
		return state.DeviceIdentity{}, errors.NotFoundf("device identity")
	}
	return f.identity, nil
}

func (f *fakeIdentityStore) SetDeviceIdentity(ctx context.Context, identity state.DeviceIdentity) error {
	f.identity = identity
	return nil
}

func (f *fakeIdentityStore) ResetDeviceIdentity(ctx context.Context) error {
	f.identity = state.DeviceIdentity{
		UUID:              f.identity.UUID,
		ProvisioningState: state.Unprovisioned,
	}
	return nil
}
