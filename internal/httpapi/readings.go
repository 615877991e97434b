package httpapi

import (
	"net/http"
	"sort"

	"pm25-station/internal/station"
	"pm25-station/internal/utils"
)

type LatestSource interface {
	Latest() map[string]station.Reading
}

func registerReadings(mux *http.ServeMux, src LatestSource) {
	mux.HandleFunc("GET /api/v1/readings/latest", func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			utils.WriteJSON(w, http.StatusOK, []station.Reading{})
			return
		}
		latest := src.Latest()
		out := make([]station.Reading, 0, len(latest))
		for _, reading := range latest {
			out = append(out, reading)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Sensor < out[j].Sensor })

		if name := r.URL.Query().Get("sensor"); name != "" {
			reading, ok := latest[name]
			if !ok {
				utils.WriteError(w, http.StatusNotFound, "no reading for sensor "+name)
				return
			}
			utils.WriteJSON(w, http.StatusOK, reading)
			return
		}
		utils.WriteJSON(w, http.StatusOK, out)
	})
}
