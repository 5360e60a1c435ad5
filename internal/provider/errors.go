package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/openai/openai-go"
)

// classify wraps an SDK error into a ProviderError with the kind the
// tracker reports.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &models.ProviderError{Kind: kindOf(err), Err: err}
}

func kindOf(err error) models.ProviderErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ProviderTimeout
	}

	status := 0
	var aerr *anthropic.Error
	var oerr *openai.Error
	switch {
	case errors.As(err, &aerr):
		status = aerr.StatusCode
	case errors.As(err, &oerr):
		status = oerr.StatusCode
	}
	return kindOfStatus(status)
}

func kindOfStatus(status int) models.ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return models.ProviderQuota
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return models.ProviderTimeout
	case status >= 400 && status < 500:
		return models.ProviderInvalid
	}
	return models.ProviderNetwork
}
