package broker

import (
	"github.com/deviceloop/console/provider"
)

// ModelInfo is optional manufacturer metadata reported by the provider.
type ModelInfo struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	OSName       string `json:"os_name,omitempty"`
}

// Device is the capability snapshot of a controllable endpoint, rebuilt fresh
// on every registry fetch and never persisted.
type Device struct {
	// LocalID references the device within this console.
	LocalID string `json:"local_id"`
	// RemoteID is the normalized identifier understood by the provider's
	// client and launch URIs.
	RemoteID    string     `json:"remote_id"`
	DisplayName string     `json:"display_name"`
	Online      bool       `json:"online"`
	ModelInfo   *ModelInfo `json:"model_info,omitempty"`
	// SupportsUnattended is true when the device accepts connections without
	// a human accepting on the far end.
	SupportsUnattended bool `json:"supports_unattended"`
}

// deviceFromRecord maps a provider record into the local shape. Capability
// inference: an explicit unattended_access_enabled field always wins. If the
// provider reports nothing, only devices on the injected override list default
// to true; everything else defaults to false and must attempt a brokered
// session instead of guessing.
func deviceFromRecord(rec provider.DeviceRecord, overrides map[string]bool) Device {
	remoteID := NormalizeIdentifier(rec.RemoteControlID)
	supportsUnattended := false
	if rec.UnattendedAccessEnabled != nil {
		supportsUnattended = *rec.UnattendedAccessEnabled
	} else if overrides[remoteID] {
		supportsUnattended = true
	}
	d := Device{
		LocalID:            rec.DeviceID,
		RemoteID:           remoteID,
		DisplayName:        rec.Alias,
		Online:             rec.OnlineState == "Online",
		SupportsUnattended: supportsUnattended,
	}
	if rec.Manufacturer != "" || rec.Model != "" || rec.OSName != "" {
		d.ModelInfo = &ModelInfo{
			Manufacturer: rec.Manufacturer,
			Model:        rec.Model,
			OSName:       rec.OSName,
		}
	}
	return d
}
