package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage"
	"github.com/R3E-Network/vrf_direct_funding/internal/coordinator"
	svcerrors "github.com/R3E-Network/vrf_direct_funding/internal/errors"
	"github.com/R3E-Network/vrf_direct_funding/internal/fee"
	"github.com/R3E-Network/vrf_direct_funding/internal/gasbank"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
)

// toServiceError maps domain errors onto the HTTP error envelope.
func toServiceError(err error) *svcerrors.ServiceError {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	switch {
	case errors.Is(err, wrapper.ErrInsufficientFunds), errors.Is(err, gasbank.ErrInsufficientBalance):
		return svcerrors.InsufficientFunds(err)
	case errors.Is(err, wrapper.ErrTooManyWords),
		errors.Is(err, wrapper.ErrGasLimitTooBig),
		errors.Is(err, wrapper.ErrInvalidConfirmations),
		errors.Is(err, wrapper.ErrGasPriceTooLow),
		errors.Is(err, wrapper.ErrWordCountMismatch):
		return svcerrors.InvalidInput(err.Error(), err)
	case errors.Is(err, wrapper.ErrUnknownRequest), errors.Is(err, storage.ErrNotFound):
		return svcerrors.New(svcerrors.CodeNotFound, http.StatusNotFound, err.Error(), err)
	case errors.Is(err, wrapper.ErrAlreadyFulfilled), errors.Is(err, coordinator.ErrNotPending):
		return svcerrors.Conflict(err.Error(), err)
	case errors.Is(err, fee.ErrPrecondition):
		return svcerrors.Misconfigured("fee configuration cannot price this request", err)
	default:
		return svcerrors.Internal("internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) int {
	se := toServiceError(err)
	writeJSON(w, se.HTTPStatus, map[string]interface{}{"error": se})
	return se.HTTPStatus
}
