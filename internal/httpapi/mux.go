package httpapi

import (
	"net/http"
)

// StationView is the read side of the station loop.
type StationView interface {
	LatestSource
	Blocked() bool
}

// Deps are the handlers' collaborators. Station, Relays and Metrics may be nil.
type Deps struct {
	Queue   Pinger
	Station StationView
	Relays  RelayBank
	Metrics http.Handler
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	var latest LatestSource
	var blocked blockedReporter
	if d.Station != nil {
		latest, blocked = d.Station, d.Station
	}
	registerHealthcheck(mux, d.Queue, blocked)
	registerReadings(mux, latest)
	if d.Relays != nil {
		registerRelays(mux, d.Relays)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	return mux
}
