// Package region maps provider-reported geolocation strings to CPU-provider
// zones. Marketplace hosts self-report location as free-ish text
// ("Quebec, CA", "Texas, US", "Bavaria, DE"); mirrors must land close enough
// that sync traffic stays intra-region.
package region

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/providers"
)

// maxGeoDistanceKm bounds layer-2 acceptance. A coordinate farther than this
// from every zone center tells us nothing useful.
const maxGeoDistanceKm = 500.0

// GlobalDefaultZone is returned when all three layers miss.
const GlobalDefaultZone = "us-central1-a"

// LearnedStore persists layer-2 resolutions so later lookups of the same
// geolocation string short-circuit at layer 1. Implemented by the redis
// client; nil disables persistence.
type LearnedStore interface {
	GetLearnedZone(ctx context.Context, geolocation string) (string, error)
	PutLearnedZone(ctx context.Context, geolocation, zone string, ttl time.Duration) error
}

type Resolver struct {
	geo     providers.IpGeo
	store   LearnedStore
	mu      sync.RWMutex
	learned map[string]string
}

func NewResolver(geo providers.IpGeo, store LearnedStore) *Resolver {
	return &Resolver{
		geo:     geo,
		store:   store,
		learned: make(map[string]string),
	}
}

// Resolve returns the CPU zone for a host's advertised location. It never
// fails: geolocation service errors fall through to the continent layer, and
// the continent layer falls back to a global default.
func (r *Resolver) Resolve(ctx context.Context, geolocation, publicIP string) string {
	if zone, ok := r.resolveStatic(geolocation); ok {
		logging.Debug("Region resolved", map[string]interface{}{
			"geolocation": geolocation,
			"zone":        zone,
			"layer":       "static",
		})
		return zone
	}

	if zone, distKm, ok := r.resolveGeoIP(ctx, geolocation, publicIP); ok {
		logging.Info("Region resolved by IP geolocation", map[string]interface{}{
			"geolocation": geolocation,
			"public_ip":   publicIP,
			"zone":        zone,
			"layer":       "geoip",
			"distance_km": math.Round(distKm),
		})
		r.learn(ctx, geolocation, zone)
		return zone
	}

	zone := resolveContinent(geolocation)
	logging.Info("Region resolved by continent fallback", map[string]interface{}{
		"geolocation": geolocation,
		"zone":        zone,
		"layer":       "continent",
	})
	return zone
}

func (r *Resolver) resolveStatic(geolocation string) (string, bool) {
	if geolocation == "" {
		return "", false
	}

	if zone, ok := staticZones[geolocation]; ok {
		return zone, true
	}

	lower := strings.ToLower(geolocation)

	r.mu.RLock()
	if zone, ok := r.learned[lower]; ok {
		r.mu.RUnlock()
		return zone, true
	}
	r.mu.RUnlock()

	if r.store != nil {
		if zone, err := r.store.GetLearnedZone(context.Background(), lower); err == nil && zone != "" {
			r.mu.Lock()
			r.learned[lower] = zone
			r.mu.Unlock()
			return zone, true
		}
	}

	for key, zone := range staticZones {
		lk := strings.ToLower(key)
		if strings.Contains(lower, lk) || strings.Contains(lk, lower) {
			return zone, true
		}
	}

	for _, part := range strings.Split(lower, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for key, zone := range staticZones {
			lk := strings.ToLower(key)
			if part == lk {
				return zone, true
			}
			for _, kp := range strings.Split(lk, ",") {
				if strings.TrimSpace(kp) == part {
					return zone, true
				}
			}
		}
	}

	return "", false
}

func (r *Resolver) resolveGeoIP(ctx context.Context, geolocation, publicIP string) (string, float64, bool) {
	if r.geo == nil || publicIP == "" {
		return "", 0, false
	}

	lat, lon, err := r.geo.Lookup(ctx, publicIP)
	if err != nil {
		logging.Debug("IP geolocation lookup failed", map[string]interface{}{
			"public_ip": publicIP,
			"error":     err.Error(),
		})
		return "", 0, false
	}

	zone, distKm := NearestZone(lat, lon)
	if distKm > maxGeoDistanceKm {
		return "", 0, false
	}
	return zone, distKm, true
}

func (r *Resolver) learn(ctx context.Context, geolocation, zone string) {
	lower := strings.ToLower(geolocation)
	r.mu.Lock()
	r.learned[lower] = zone
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutLearnedZone(ctx, lower, zone, 30*24*time.Hour); err != nil {
			logging.Debug("Failed to persist learned zone", map[string]interface{}{
				"geolocation": geolocation,
				"error":       err.Error(),
			})
		}
	}
}

// NearestZone returns the zone whose center is closest to the coordinate,
// plus the distance in kilometers.
func NearestZone(lat, lon float64) (string, float64) {
	best := ""
	bestDist := math.MaxFloat64
	for zone, c := range zoneCenters {
		d := haversineKm(lat, lon, c.lat, c.lon)
		if d < bestDist {
			best = zone
			bestDist = d
		}
	}
	return best, bestDist
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func resolveContinent(geolocation string) string {
	lower := strings.ToLower(geolocation)
	for hint, zone := range continentZones {
		if strings.Contains(lower, hint) {
			return zone
		}
	}
	for _, part := range strings.Split(lower, ",") {
		part = strings.TrimSpace(part)
		if zone, ok := countryDefaults[part]; ok {
			return zone
		}
	}
	return GlobalDefaultZone
}
