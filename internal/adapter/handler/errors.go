package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Entity  string `json:"entity,omitempty"`
	ID      string `json:"id,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message"`
}

func httpStatus(err error) int {
	if errors.Is(err, service.ErrNoChangeFeed) {
		return http.StatusServiceUnavailable
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindInvalidTransition, domain.KindConflict:
		return http.StatusConflict
	case domain.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	if errors.Is(err, service.ErrNoChangeFeed) {
		return codes.Unavailable
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return codes.InvalidArgument
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindInvalidState, domain.KindInvalidTransition:
		return codes.FailedPrecondition
	case domain.KindGateway:
		return codes.Unavailable
	case domain.KindConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// toBody never leaks infrastructure details: unknown errors become "internal error".
func toBody(err error) errorBody {
	var de *domain.Error
	if errors.As(err, &de) {
		return errorBody{Kind: string(de.Kind), Entity: de.Entity, ID: de.ID, State: de.State, Message: de.Error()}
	}
	if errors.Is(err, service.ErrNoChangeFeed) {
		return errorBody{Kind: "UNAVAILABLE", Message: err.Error()}
	}
	return errorBody{Kind: "INTERNAL", Message: "internal error"}
}

func toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
