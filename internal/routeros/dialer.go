package routeros

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/secrets"
)

// Dialer resolves a router ID to a connected Device
type Dialer interface {
	Dial(ctx context.Context, routerID string) (Device, error)
}

// StaticDialer serves a fixed set of devices
type StaticDialer map[string]Device

func (s StaticDialer) Dial(_ context.Context, routerID string) (Device, error) {
	dev, ok := s[routerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRouter, routerID)
	}
	return dev, nil
}

// RouterSource loads router connection records
type RouterSource interface {
	GetRouter(ctx context.Context, id string) (*model.Router, error)
}

// StoreDialer builds REST devices from stored routers, opening the sealed
// API password through the credential vault. Devices are cached until the
// router record changes.
type StoreDialer struct {
	routers  RouterSource
	creds    secrets.Credentials
	timeout  time.Duration
	insecure bool

	mu    sync.Mutex
	cache map[string]cachedDevice
}

type cachedDevice struct {
	updatedAt time.Time
	device    Device
}

// NewStoreDialer creates a dialer over stored routers
func NewStoreDialer(routers RouterSource, creds secrets.Credentials, timeout time.Duration, insecureTLS bool) *StoreDialer {
	return &StoreDialer{
		routers:  routers,
		creds:    creds,
		timeout:  timeout,
		insecure: insecureTLS,
		cache:    make(map[string]cachedDevice),
	}
}

func (d *StoreDialer) Dial(ctx context.Context, routerID string) (Device, error) {
	router, err := d.routers.GetRouter(ctx, routerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRouter, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cache[routerID]; ok && c.updatedAt.Equal(router.UpdatedAt) {
		return c.device, nil
	}

	password, err := d.creds.Open(secrets.ScopeRouter, router.Password)
	if err != nil {
		return nil, fmt.Errorf("opening credentials of router %s: %w", router.Name, err)
	}
	dev := NewRESTDevice(RESTConfig{
		Host:               router.Host,
		Port:               router.Port,
		UseTLS:             router.UseTLS,
		InsecureSkipVerify: d.insecure,
		Username:           router.Username,
		Password:           password,
		Timeout:            d.timeout,
	})
	d.cache[routerID] = cachedDevice{updatedAt: router.UpdatedAt, device: dev}
	return dev, nil
}

// Forget drops the cached device of a router
func (d *StoreDialer) Forget(routerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, routerID)
}
