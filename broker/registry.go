package broker

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/deviceloop/console/provider"
)

var ErrDeviceNotFound = errors.New("device not found")

const deviceCacheKey = "online-devices"

// DefaultDeviceCacheTTL is how long a device listing is served from cache
// before the registry refetches. Capability flags can change upstream so this
// is deliberately short.
const DefaultDeviceCacheTTL = 30 * time.Second

// DeviceRegistry fetches the provider's device collection and normalizes it
// into the local Device shape, caching listings briefly.
type DeviceRegistry struct {
	api       provider.Client
	overrides map[string]bool
	cache     *ttlcache.Cache[string, []Device]
}

// NewDeviceRegistry makes a registry.
//
// unattendedOverrides is the allow-list of identifiers assumed to support
// unattended access when the provider reports no explicit flag. This papers
// over an unreliable upstream flag for a handful of known devices and should
// stay empty in most deployments.
// TODO: remove once the provider reliably reports unattended_access_enabled.
func NewDeviceRegistry(api provider.Client, unattendedOverrides []string, cacheTTL time.Duration) *DeviceRegistry {
	if cacheTTL == 0 {
		cacheTTL = DefaultDeviceCacheTTL
	}
	overrides := make(map[string]bool, len(unattendedOverrides))
	for _, id := range unattendedOverrides {
		overrides[NormalizeIdentifier(id)] = true
	}
	cache := ttlcache.New[string, []Device](
		ttlcache.WithTTL[string, []Device](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []Device](),
	)
	go cache.Start()
	return &DeviceRegistry{
		api:       api,
		overrides: overrides,
		cache:     cache,
	}
}

// Stop the cache janitor.
func (r *DeviceRegistry) Stop() {
	r.cache.Stop()
}

// ListDevices returns the online devices. Listings are served from cache
// inside the TTL; an upstream failure propagates as UpstreamUnavailable and
// the caller decides between an empty state and a retry affordance.
func (r *DeviceRegistry) ListDevices(ctx context.Context) ([]Device, error) {
	if item := r.cache.Get(deviceCacheKey); item != nil {
		return item.Value(), nil
	}
	records, err := r.api.ListDevices(ctx, "Online")
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(records))
	for _, rec := range records {
		devices = append(devices, deviceFromRecord(rec, r.overrides))
	}
	r.cache.Set(deviceCacheKey, devices, ttlcache.DefaultTTL)
	logger.Info().Int("num_devices", len(devices)).Msg("fetched device listing")
	return devices, nil
}

// Device looks up a single device by its local ID.
func (r *DeviceRegistry) Device(ctx context.Context, localID string) (*Device, error) {
	devices, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].LocalID == localID {
			return &devices[i], nil
		}
	}
	return nil, ErrDeviceNotFound
}

// InvalidateCache forces the next listing to refetch from the provider.
func (r *DeviceRegistry) InvalidateCache() {
	r.cache.Delete(deviceCacheKey)
}
