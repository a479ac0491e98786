package geo

import (
	"math"
	"testing"
	"time"

	"adsb_pings/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var madison = Point{Latitude: 43.0755143, Longitude: -89.4154526}

func floatPtr(v float64) *float64 { return &v }

// pointAt returns the point distKm due north of p.
func pointAt(p Point, distKm float64) Point {
	return Point{
		Latitude:  p.Latitude + distKm/(EarthRadiusKm*DegreesToRadians),
		Longitude: p.Longitude,
	}
}

func pingAt(p Point) *models.Ping {
	return &models.Ping{
		Timestamp:    time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC),
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		AltitudeBaro: floatPtr(5000),
		Category:     models.CategoryLarge,
	}
}

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name      string
		from      Point
		to        Point
		want      float64
		tolerance float64
	}{
		{"same point", madison, madison, 0, 1e-9},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111.195, 0.01},
		{"one degree of longitude at equator", Point{0, 0}, Point{0, 1}, 111.195, 0.01},
		{"antipodes", Point{0, 0}, Point{0, 180}, math.Pi * EarthRadiusKm, 0.01},
		{"constructed 99 km", madison, pointAt(madison, 99), 99, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DistanceKm(tt.from, tt.to), tt.tolerance)
		})
	}
}

func TestFilterEvaluate(t *testing.T) {
	day, err := models.ParseDate("2024-12-30")
	require.NoError(t, err)
	otherDay, err := models.ParseDate("2024-12-31")
	require.NoError(t, err)

	base := Filter{
		Center:            madison,
		BoxRadiusDeg:      1.0,
		MaxDistKm:         100,
		IncludeRotorcraft: true,
	}

	tests := []struct {
		name   string
		filter func(Filter) Filter
		ping   func(*models.Ping)
		at     Point
		want   Verdict
	}{
		{name: "near", at: pointAt(madison, 10), want: Accepted},
		{name: "just inside max distance", at: pointAt(madison, 99), want: Accepted},
		{name: "outside box", at: pointAt(madison, 150), want: RejectedBox},
		{
			name: "inside box but beyond distance",
			at:   Point{madison.Latitude + 0.45, madison.Longitude + 0.49},
			filter: func(f Filter) Filter {
				f.MaxDistKm = 50
				return f
			},
			want: RejectedDistance,
		},
		{
			name: "below minimum altitude",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.MinAltitudeFt = floatPtr(1000)
				return f
			},
			ping: func(p *models.Ping) { p.AltitudeBaro = floatPtr(500) },
			want: RejectedAltitude,
		},
		{
			name: "unknown altitude with minimum set",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.MinAltitudeFt = floatPtr(1000)
				return f
			},
			ping: func(p *models.Ping) { p.AltitudeBaro = nil },
			want: RejectedAltitude,
		},
		{
			name: "altitude equal to minimum",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.MinAltitudeFt = floatPtr(5000)
				return f
			},
			want: Accepted,
		},
		{
			name: "matching date",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.Date = &day
				return f
			},
			want: Accepted,
		},
		{
			name: "other date",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.Date = &otherDay
				return f
			},
			want: RejectedDate,
		},
		{
			name: "helicopter excluded",
			at:   pointAt(madison, 10),
			filter: func(f Filter) Filter {
				f.IncludeRotorcraft = false
				return f
			},
			ping: func(p *models.Ping) {
				p.Category = models.CategoryRotorcraft
				p.Rotorcraft = true
			},
			want: RejectedRotorcraft,
		},
		{
			name: "helicopter included",
			at:   pointAt(madison, 10),
			ping: func(p *models.Ping) {
				p.Category = models.CategoryRotorcraft
				p.Rotorcraft = true
			},
			want: Accepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			if tt.filter != nil {
				f = tt.filter(f)
			}
			p := pingAt(tt.at)
			if tt.ping != nil {
				tt.ping(p)
			}
			assert.Equal(t, tt.want, f.Evaluate(p))
			assert.Equal(t, tt.want == Accepted, f.Accept(p))
		})
	}
}

func TestBoxIsSupersetWhenSizedForDistance(t *testing.T) {
	for _, lat := range []float64{0, 43, 60, 80, 89} {
		center := Point{Latitude: lat, Longitude: 10}
		f := Filter{
			Center:            center,
			BoxRadiusDeg:      BoxRadiusFor(100, lat),
			MaxDistKm:         100,
			IncludeRotorcraft: true,
		}
		// Walk a ring just inside the max distance; every point must pass the box.
		for bearing := 0.0; bearing < 360; bearing += 5 {
			p := destination(center, 99.9, bearing)
			ping := pingAt(p)
			assert.NotEqual(t, RejectedBox, f.Evaluate(ping), "lat=%v bearing=%v", lat, bearing)
		}
	}
}

func TestSmallBoxRejectsNearPingsAtHighLatitude(t *testing.T) {
	// At 80N a 1.5 degree longitude step is under 30 km, well inside 100 km,
	// but outside a 0.5 degree box.
	center := Point{Latitude: 80, Longitude: 10}
	p := Point{Latitude: 80, Longitude: 11.5}
	require.Less(t, DistanceKm(center, p), 100.0)

	f := Filter{Center: center, BoxRadiusDeg: 0.5, MaxDistKm: 100, IncludeRotorcraft: true}
	assert.Equal(t, RejectedBox, f.Evaluate(pingAt(p)))
}

func TestBoxRadiusFor(t *testing.T) {
	assert.InDelta(t, 0.8993, BoxRadiusFor(100, 0), 0.001)
	assert.Greater(t, BoxRadiusFor(100, 60), BoxRadiusFor(100, 0))
	assert.Equal(t, 180.0, BoxRadiusFor(100, 89.5))
}

func TestPointValid(t *testing.T) {
	assert.True(t, madison.Valid())
	assert.True(t, Point{-90, 180}.Valid())
	assert.False(t, Point{90.1, 0}.Valid())
	assert.False(t, Point{0, -180.5}.Valid())
}

// destination returns the point distKm from p along an initial bearing.
func destination(p Point, distKm, bearingDeg float64) Point {
	lat1 := p.Latitude * DegreesToRadians
	lon1 := p.Longitude * DegreesToRadians
	brng := bearingDeg * DegreesToRadians
	d := distKm / EarthRadiusKm

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return Point{Latitude: lat2 / DegreesToRadians, Longitude: lon2 / DegreesToRadians}
}
