package model

// Station is a named stop on the network. Stations are immutable for the
// lifetime of a simulation run.
type Station struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Junction  bool    `json:"junction"`
	Platforms int     `json:"platforms"`
	Division  string  `json:"division,omitempty"`
}
