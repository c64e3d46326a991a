// Package geomath provides great-circle distance and implied travel speed
// calculations for the location anomaly rule.
package geomath

import "math"

// earthRadiusKm is the mean Earth radius used for the spherical model.
const earthRadiusKm = 6371.0

// Distance returns the haversine great-circle distance in kilometers between
// two coordinates. Pure and total; invalid coordinates propagate as NaN and
// validation is the caller's job.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// ImpliedSpeed returns the travel speed in km/h implied by covering
// distanceKm in elapsedMinutes. The caller must guard elapsedMinutes > 0;
// simultaneous records are the rule layer's concern, not this function's.
func ImpliedSpeed(distanceKm, elapsedMinutes float64) float64 {
	return distanceKm / (elapsedMinutes / 60.0)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
