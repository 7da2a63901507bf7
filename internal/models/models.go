package models

import (
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
)

// Position is a WGS84 point. On the wire it is a [longitude, latitude] pair,
// the same shape the rider app sends.
type Position struct {
	Lat float64
	Lng float64
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lng, p.Lat})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("position must be [longitude, latitude]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("position must be [longitude, latitude], got %d values", len(pair))
	}
	p.Lng, p.Lat = pair[0], pair[1]
	return nil
}

// Valid reports whether the point is a finite coordinate inside the WGS84 ranges.
func (p Position) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (p Position) String() string { return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lng) }

type Availability string

const (
	Available Availability = "available"
	Booked    Availability = "booked"
)

// AvailabilityFilter narrows proximity queries. The zero value matches any cab.
type AvailabilityFilter string

const (
	FilterAny       AvailabilityFilter = ""
	FilterAvailable AvailabilityFilter = AvailabilityFilter(Available)
	FilterBooked    AvailabilityFilter = AvailabilityFilter(Booked)
)

func (f AvailabilityFilter) Matches(a Availability) bool {
	return f == FilterAny || string(f) == string(a)
}

// Locality is the administrative area a point falls in, as resolved by a geocoder.
type Locality struct {
	Town       string `json:"town,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

func (l Locality) IsZero() bool { return l.Town == "" && l.PostalCode == "" }

// SharesWith reports a town or postal code match. Empty fields never match.
func (l Locality) SharesWith(o Locality) bool {
	if l.Town != "" && l.Town == o.Town {
		return true
	}
	return l.PostalCode != "" && l.PostalCode == o.PostalCode
}

type Cab struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone,omitempty"`
	Email        string       `json:"email,omitempty"`
	Position     Position     `json:"position"`
	Locality     Locality     `json:"locality"`
	Availability Availability `json:"availability"`
	ActiveTripID string       `json:"activeTripId,omitempty"`
	Version      int64        `json:"-"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type TripStatus string

const (
	TripBooked     TripStatus = "booked"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

// Active reports whether a trip in this status still holds its cab.
func (s TripStatus) Active() bool { return s == TripBooked || s == TripInProgress }

type Trip struct {
	ID          string     `json:"id"`
	CabID       string     `json:"cabId"`
	RiderID     string     `json:"riderId"`
	Pickup      Position   `json:"pickup"`
	Destination Position   `json:"destination"`
	CabStart    Position   `json:"cabStart"`
	Status      TripStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Candidate is a matcher result: a cab with its distance and arrival estimate.
type Candidate struct {
	CabID         string   `json:"cabId"`
	Position      Position `json:"position"`
	DistanceKm    float64  `json:"distanceKm"`
	ETAMinutes    float64  `json:"etaMinutes"`
	LocalityMatch bool     `json:"localityMatch"`
}

// PositionEvent is what the live feed carries for each accepted report.
type PositionEvent struct {
	CabID    string    `json:"cabId"`
	Position Position  `json:"position"`
	At       time.Time `json:"at"`
}
