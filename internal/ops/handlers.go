package ops

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"alarmd/internal/alarm"
	"alarmd/internal/bridge"
	"alarmd/internal/dispatch"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/storage"
)

// StatusResponse aggregates the daemon's diagnostic snapshots.
type StatusResponse struct {
	Session    bridge.Stats      `json:"session"`
	Engine     alarm.Snapshot    `json:"engine"`
	Dispatch   dispatch.Snapshot `json:"dispatch"`
	Supervisor *rtsup.Counters   `json:"supervisor,omitempty"`
	BusDropped uint64            `json:"bus_dropped"`
}

func (s *Service) handleStatus(c echo.Context) error {
	resp := StatusResponse{}
	if s.deps.Bridge != nil {
		resp.Session = s.deps.Bridge.Stats()
	}
	if s.deps.Engine != nil {
		resp.Engine = s.deps.Engine.Snapshot()
	}
	if s.deps.Dispatch != nil {
		resp.Dispatch = s.deps.Dispatch.Snapshot()
		if sup := s.deps.Dispatch.Supervisor(); sup != nil {
			counters := sup.Counters()
			resp.Supervisor = &counters
		}
	}
	if s.deps.Bus != nil {
		resp.BusDropped = s.deps.Bus.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Service) handleAlarms(c echo.Context) error {
	var alarms []alarm.Info
	if s.deps.Engine != nil {
		alarms = s.deps.Engine.Snapshot().Alarms
	}
	if alarms == nil {
		alarms = []alarm.Info{}
	}
	return c.JSON(http.StatusOK, alarms)
}

func (s *Service) handleEvents(c echo.Context) error {
	if s.deps.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, storage.ErrDisabled.Error())
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	events, err := s.deps.Store.RecentEvents(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []storage.Event{}
	}
	return c.JSON(http.StatusOK, events)
}
