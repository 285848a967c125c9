package tile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey marks a key outside the tile grid of its zoom level.
var ErrInvalidKey = errors.New("tile key outside the grid")

// MaxZoom is the deepest zoom level a key may address.
const MaxZoom = 30

// Provider selects the tile source.
type Provider uint8

const (
	ProviderStreet Provider = iota
	ProviderSatellite
	// ProviderChart is an offline raster rendered locally.
	ProviderChart
)

var providerNames = [...]string{
	ProviderStreet:    "street",
	ProviderSatellite: "satellite",
	ProviderChart:     "chart",
}

func (p Provider) String() string {
	if int(p) < len(providerNames) {
		return providerNames[p]
	}
	return fmt.Sprintf("provider(%d)", uint8(p))
}

// Ext is the file extension the provider's tiles are stored with.
func (p Provider) Ext() string {
	switch p {
	case ProviderStreet:
		return "png"
	default:
		return "jpg"
	}
}

// Mercator reports whether the provider uses the wrapping web-mercator grid.
func (p Provider) Mercator() bool {
	return p == ProviderStreet || p == ProviderSatellite
}

// ParseProvider maps a provider name back to its Provider.
func ParseProvider(s string) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range providerNames {
		if n == name {
			return Provider(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tile provider: %q", s)
}

// Key identifies one tile of one provider at one zoom level.
type Key struct {
	Provider Provider
	Zoom     int
	X        int
	Y        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Provider, k.Zoom, k.X, k.Y)
}

// Normalize wraps X around the antimeridian for mercator providers.
func (k Key) Normalize() Key {
	if !k.Provider.Mercator() || k.Zoom < 0 || k.Zoom > MaxZoom {
		return k
	}
	n := 1 << k.Zoom
	k.X %= n
	if k.X < 0 {
		k.X += n
	}
	return k
}

// Valid reports whether the key addresses an existing tile.
func (k Key) Valid() bool {
	if k.Zoom < 0 || k.Zoom > MaxZoom || k.X < 0 || k.Y < 0 {
		return false
	}
	if !k.Provider.Mercator() {
		return int(k.Provider) < len(providerNames)
	}
	n := 1 << k.Zoom
	return k.X < n && k.Y < n
}
