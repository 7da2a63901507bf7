package eta

// DefaultSpeedKmh is the flat cab speed the rider app assumes when estimating
// arrival. It is deliberately optimistic; there is no road model behind it.
const DefaultSpeedKmh = 200.0

// Minutes converts a straight-line distance into an arrival estimate.
func Minutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return distanceKm / speedKmh * 60
}
