package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContact(t *testing.T) {
	assert.Equal(t, "mehmet", NormalizeContact("  @mehmet "))
	assert.Equal(t, "mehmet", NormalizeContact("mehmet"))
	assert.Equal(t, "@x", NormalizeContact("@@x"))
	assert.Equal(t, "", NormalizeContact("   "))
}

func TestNormalizeDestination(t *testing.T) {
	assert.Equal(t, UnspecifiedDestination, NormalizeDestination(""))
	assert.Equal(t, UnspecifiedDestination, NormalizeDestination("  "))
	assert.Equal(t, "Kizilay", NormalizeDestination(" Kizilay "))
}

func TestCoordValid(t *testing.T) {
	assert.True(t, Coord{Lat: 39.92, Lng: 32.85}.Valid())
	assert.True(t, Coord{Lat: -90, Lng: 180}.Valid())
	assert.False(t, Coord{Lat: 90.1, Lng: 0}.Valid())
	assert.False(t, Coord{Lat: 0, Lng: -180.5}.Valid())
	assert.False(t, Coord{Lat: math.NaN(), Lng: 0}.Valid())
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleDriver.Valid())
	assert.False(t, Role("driver").Valid())
	assert.Equal(t, RolePassenger, RoleDriver.Opposite())
	assert.Equal(t, RoleDriver, RolePassenger.Opposite())
	assert.Equal(t, VehicleCar, VehicleFor(RoleDriver))
	assert.Equal(t, VehicleNone, VehicleFor(RolePassenger))
}
