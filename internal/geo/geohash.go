package geo

import (
	"math"
	"strings"

	"github.com/example/dispatch-engine/internal/models"
)

// Geohash cells are the sharding unit of the index: nearby positions land in
// the same or adjacent cells, so a radius query only touches the cells that
// overlap the search circle. Precision 5 gives ~4.9 km cells.

const geohashBase32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of a coordinate at the given precision.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = 5
	}
	if precision > 12 {
		precision = 12
	}
	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	var hash strings.Builder
	even := true
	bit, ch := 0, 0
	for hash.Len() < precision {
		if even {
			mid := (minLon + maxLon) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		even = !even
		bit++
		if bit == 5 {
			hash.WriteByte(geohashBase32[ch])
			bit = 0
			ch = 0
		}
	}
	return hash.String()
}

// cellSize returns the lat/lon extent in degrees of one cell at the given
// precision. Longitude gets the extra bit when the total is odd.
func cellSize(precision int) (latDeg, lonDeg float64) {
	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Exp2(float64(latBits)), 360 / math.Exp2(float64(lonBits))
}

// cellsCovering returns the geohash cells overlapping the circle of radiusKm
// around p. It walks the bounding box of the circle at cell granularity, so
// a query never scans cells outside the search region.
func cellsCovering(p models.Coord, radiusKm float64, precision int) []string {
	latStep, lonStep := cellSize(precision)

	latDelta := radiusKm / 111.0
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01 // near the poles every longitude is close
	}
	lonDelta := radiusKm / (111.0 * cosLat)

	seen := make(map[string]struct{})
	out := make([]string, 0, 9)
	for lat := p.Lat - latDelta; ; lat += latStep {
		if lat > p.Lat+latDelta {
			lat = p.Lat + latDelta
		}
		clampedLat := math.Max(-90, math.Min(90, lat))
		for lon := p.Lon - lonDelta; ; lon += lonStep {
			if lon > p.Lon+lonDelta {
				lon = p.Lon + lonDelta
			}
			h := Encode(clampedLat, wrapLon(lon), precision)
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				out = append(out, h)
			}
			if lon >= p.Lon+lonDelta {
				break
			}
		}
		if lat >= p.Lat+latDelta {
			break
		}
	}
	return out
}

func wrapLon(lon float64) float64 {
	for lon < -180 {
		lon += 360
	}
	for lon > 180 {
		lon -= 360
	}
	return lon
}
