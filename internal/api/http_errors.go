package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
)

func httpStatusForError(err error) int {
	var cerr *core.Error
	if !errors.As(err, &cerr) || cerr == nil {
		return http.StatusInternalServerError
	}

	switch cerr.Category {
	case core.ErrCatInvalidUsage:
		return http.StatusNotImplemented
	case core.ErrCatAborted:
		return http.StatusConflict
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
