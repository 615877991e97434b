package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"pm25-station/internal/relay"
	"pm25-station/internal/utils"
)

type RelayBank interface {
	States() []relay.State
	Set(pin int, on bool) error
	Toggle(pin int) (bool, error)
	SetAll(on bool) error
}

type relayRequest struct {
	On *bool `json:"on"`
}

type relayController struct {
	bank RelayBank
}

func registerRelays(mux *http.ServeMux, bank RelayBank) {
	c := &relayController{bank: bank}
	mux.HandleFunc("GET /api/v1/relays", c.handleList)
	mux.HandleFunc("PUT /api/v1/relays", c.handleSetAll)
	mux.HandleFunc("PUT /api/v1/relays/{pin}", c.handleSet)
	mux.HandleFunc("POST /api/v1/relays/{pin}/toggle", c.handleToggle)
}

func (c *relayController) handleList(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, c.bank.States())
}

func (c *relayController) handleSetAll(w http.ResponseWriter, r *http.Request) {
	on, ok := readOn(w, r)
	if !ok {
		return
	}
	if err := c.bank.SetAll(on); err != nil {
		slog.Error("set all relays failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to switch relays")
		return
	}
	utils.WriteJSON(w, http.StatusOK, c.bank.States())
}

func (c *relayController) handleSet(w http.ResponseWriter, r *http.Request) {
	pin, ok := parsePin(w, r)
	if !ok {
		return
	}
	on, ok := readOn(w, r)
	if !ok {
		return
	}
	if err := c.bank.Set(pin, on); err != nil {
		writeRelayError(w, pin, err)
		return
	}
	c.writeState(w, pin)
}

func (c *relayController) handleToggle(w http.ResponseWriter, r *http.Request) {
	pin, ok := parsePin(w, r)
	if !ok {
		return
	}
	if _, err := c.bank.Toggle(pin); err != nil {
		writeRelayError(w, pin, err)
		return
	}
	c.writeState(w, pin)
}

func (c *relayController) writeState(w http.ResponseWriter, pin int) {
	for _, s := range c.bank.States() {
		if s.Pin == pin {
			utils.WriteJSON(w, http.StatusOK, s)
			return
		}
	}
	utils.WriteError(w, http.StatusNotFound, "unknown relay pin")
}

func parsePin(w http.ResponseWriter, r *http.Request) (int, bool) {
	pin, err := strconv.Atoi(r.PathValue("pin"))
	if err != nil || pin <= 0 {
		utils.WriteError(w, http.StatusBadRequest, "invalid relay pin (expected a BCM number)")
		return 0, false
	}
	return pin, true
}

func readOn(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req relayRequest
	if err := utils.ReadJSON(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return false, false
	}
	if req.On == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing 'on'")
		return false, false
	}
	return *req.On, true
}

func writeRelayError(w http.ResponseWriter, pin int, err error) {
	if errors.Is(err, relay.ErrUnknownPin) {
		utils.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("relay switch failed", "pin", pin, "error", err)
	utils.WriteError(w, http.StatusInternalServerError, "failed to switch relay")
}
