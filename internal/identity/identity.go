// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package identity owns the device's identity lifecycle: the uuid
// minted at first boot, the one-shot registration handshake with the
// cloud, key verification and operator reset.
//
// The device api key is generated locally during provisioning and sent
// to the cloud once; only its bcrypt hash is persisted. The plaintext
// is held in memory for the consumers that need it during this process
// lifetime and is gone after a restart.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/iotistic/agent/internal/state"
)

// ErrAlreadyRegistered is returned by Provision when the device is
// registered, whether the local record or the cloud says so.
const ErrAlreadyRegistered = errors.ConstError("already-registered")

// Logger is the subset of loggo used by this package.
type Logger interface {
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Store is the slice of the state store the manager persists through.
type Store interface {
	DeviceIdentity(ctx context.Context) (state.DeviceIdentity, error)
	SetDeviceIdentity(ctx context.Context, identity state.DeviceIdentity) error
	ResetDeviceIdentity(ctx context.Context) error
}

// RegisterRequest is the device half of the registration handshake.
// The device mints its own api key and offers it to the cloud.
type RegisterRequest struct {
	UUID              string
	DeviceName        string
	DeviceType        string
	DeviceAPIKey      string
	MACAddress        string
	OSVersion         string
	SupervisorVersion string
}

// Registration is the cloud's acknowledgement of a register call.
type Registration struct {
	DeviceID   string
	FleetID    string
	DeviceName string
	DeviceType string
}

// Registrar performs the registration call against the cloud.
// Implementations return an error satisfying errors.AlreadyExists when
// the cloud reports the uuid as registered, and errors.Unauthorized
// when it rejects the provisioning key.
type Registrar interface {
	Register(ctx context.Context, provisioningKey string, req RegisterRequest) (Registration, error)
}

// Config holds a Manager's dependencies.
type Config struct {
	Store Store

	// Registrar may be nil when no cloud endpoint is configured;
	// provisioning is then refused.
	Registrar Registrar

	// DeviceName and DeviceType seed a fresh identity. The cloud's
	// canonical values take over at registration.
	DeviceName string
	DeviceType string

	// APIEndpoint is recorded on the identity at registration.
	APIEndpoint string

	// MACAddress, OSVersion and AgentVersion decorate the register
	// request; all are optional.
	MACAddress   string
	OSVersion    string
	AgentVersion string

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Manager guards the identity record. All mutation goes through it so
// the one-shot provisioning rule and uuid immutability hold regardless
// of which surface (boot, admin API) is asking.
type Manager struct {
	config Config

	mu       sync.Mutex
	identity state.DeviceIdentity
	apiKey   string
}

// NewManager returns an unstarted manager; call Ensure before any
// other method.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{config: config}, nil
}

// Ensure loads the persisted identity, minting and persisting a fresh
// uuid on first boot. The uuid is durable before any network I/O
// happens.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, err := m.config.Store.DeviceIdentity(ctx)
	if err == nil {
		m.identity = identity
		return nil
	}
	if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}

	identity = state.DeviceIdentity{
		UUID:              uuid.New().String(),
		DeviceName:        m.config.DeviceName,
		DeviceType:        m.config.DeviceType,
		ProvisioningState: state.Unprovisioned,
		APIEndpoint:       m.config.APIEndpoint,
	}
	if err := m.config.Store.SetDeviceIdentity(ctx, identity); err != nil {
		return errors.Annotate(err, "persisting new device identity")
	}
	m.config.Logger.Infof("generated device uuid %s", identity.UUID)
	m.identity = identity
	return nil
}

// Identity returns a snapshot of the current identity record.
func (m *Manager) Identity() state.DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// UUID returns the device uuid.
func (m *Manager) UUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.UUID
}

// Registered reports whether the device has completed registration.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.ProvisioningState == state.Registered
}

// APIKey returns the plaintext device api key when this process
// performed the registration. It is never persisted, so a restarted
// agent reports false.
func (m *Manager) APIKey() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKey, m.apiKey != ""
}

// Provision performs the one-shot registration handshake. The key hash
// is persisted only after the cloud accepts; a failed attempt leaves
// the device unprovisioned and repeatable.
func (m *Manager) Provision(ctx context.Context, provisioningKey string) (state.DeviceIdentity, error) {
	if provisioningKey == "" {
		return state.DeviceIdentity{}, errors.NotValidf("empty provisioning key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity.UUID == "" {
		return state.DeviceIdentity{}, errors.Errorf("device identity not initialised")
	}
	if m.identity.ProvisioningState == state.Registered {
		return state.DeviceIdentity{}, errors.Trace(ErrAlreadyRegistered)
	}
	if m.config.Registrar == nil {
		return state.DeviceIdentity{}, errors.NotSupportedf("provisioning without a cloud endpoint")
	}

	apiKey, err := utils.RandomPassword()
	if err != nil {
		return state.DeviceIdentity{}, errors.Trace(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return state.DeviceIdentity{}, errors.Trace(err)
	}

	name := m.identity.DeviceName
	if name == "" {
		name = m.config.DeviceName
	}
	deviceType := m.identity.DeviceType
	if deviceType == "" {
		deviceType = m.config.DeviceType
	}

	registration, err := m.config.Registrar.Register(ctx, provisioningKey, RegisterRequest{
		UUID:              m.identity.UUID,
		DeviceName:        name,
		DeviceType:        deviceType,
		DeviceAPIKey:      apiKey,
		MACAddress:        m.config.MACAddress,
		OSVersion:         m.config.OSVersion,
		SupervisorVersion: m.config.AgentVersion,
	})
	if errors.Is(err, errors.AlreadyExists) {
		return state.DeviceIdentity{}, errors.Trace(ErrAlreadyRegistered)
	}
	if err != nil {
		return state.DeviceIdentity{}, errors.Annotate(err, "registering device")
	}

	identity := m.identity
	identity.DeviceID = registration.DeviceID
	identity.FleetID = registration.FleetID
	if registration.DeviceName != "" {
		identity.DeviceName = registration.DeviceName
	}
	if registration.DeviceType != "" {
		identity.DeviceType = registration.DeviceType
	}
	identity.ProvisioningState = state.Registered
	identity.APIKeyHash = string(hash)
	identity.APIEndpoint = m.config.APIEndpoint
	identity.ProvisionedAt = m.config.Clock.Now().UTC()

	if err := m.config.Store.SetDeviceIdentity(ctx, identity); err != nil {
		return state.DeviceIdentity{}, errors.Annotate(err, "persisting registration")
	}
	m.identity = identity
	m.apiKey = apiKey
	m.config.Logger.Infof("device %s registered with fleet %s", identity.UUID, identity.FleetID)
	return identity, nil
}

// VerifyKey reports whether the presented key matches the stored hash.
// bcrypt's comparison does not leak timing.
func (m *Manager) VerifyKey(key string) bool {
	m.mu.Lock()
	hash := m.identity.APIKeyHash
	m.mu.Unlock()
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// Reset clears the registration fields, returning the device to the
// unprovisioned state. The uuid is preserved.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.config.Store.ResetDeviceIdentity(ctx); err != nil {
		return errors.Trace(err)
	}
	identity, err := m.config.Store.DeviceIdentity(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	m.identity = identity
	m.apiKey = ""
	m.config.Logger.Infof("device registration reset, uuid %s preserved", identity.UUID)
	return nil
}
