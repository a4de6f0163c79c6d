package geoutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canvassops/coordinator-service/internal/models"
)

func TestDistance_KnownPair(t *testing.T) {
	// Berlin Alexanderplatz to Berlin Hauptbahnhof, roughly 3 km.
	a := models.LocationPoint{Latitude: 52.5219, Longitude: 13.4132}
	b := models.LocationPoint{Latitude: 52.5251, Longitude: 13.3694}
	d := Distance(a, b)
	assert.InDelta(t, 3.0, d, 1.5)
}

func TestDistance_JitterBelowThresholdIsZero(t *testing.T) {
	a := models.LocationPoint{Latitude: 52.520000, Longitude: 13.405000}
	b := models.LocationPoint{Latitude: 52.520001, Longitude: 13.405001}
	assert.Equal(t, 0.0, Distance(a, b))
}

func TestIsValidMovement_RejectsTeleport(t *testing.T) {
	berlin := models.LocationPoint{Latitude: 52.52, Longitude: 13.405}
	munich := models.LocationPoint{Latitude: 48.137, Longitude: 11.575}

	// ~500 km in one minute is not a field agent.
	assert.False(t, IsValidMovement(berlin, munich, time.Minute))
	// The same hop over five hours is an ordinary drive.
	assert.True(t, IsValidMovement(berlin, munich, 5*time.Hour))
}

func TestIsValidMovement_NonPositiveElapsedInvalid(t *testing.T) {
	p := models.LocationPoint{Latitude: 52.52, Longitude: 13.405}
	assert.False(t, IsValidMovement(p, p, 0))
}
