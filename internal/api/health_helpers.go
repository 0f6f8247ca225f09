package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			if h.Relay != nil {
				message = h.Relay.Primary().Masker().Mask(message)
			}
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.Checks)+3)
	if h.Relay != nil {
		_, _, err := h.Relay.Primary().Mode(ctx)
		components = append(components, recordComponent("supervisor", err))
	}
	if h.Stats != nil {
		_, err := h.Stats.Read(ctx)
		components = append(components, recordComponent("stats", err))
	}
	if h.Journal != nil {
		components = append(components, recordComponent("journal", h.Journal.Ping(ctx)))
	}
	for _, check := range h.Checks {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Ping(ctx)))
	}

	return components, overallStatus, statusCode
}
