package command

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/quantfolio/go-brokers/core"
)

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode("BROKER_INTERNAL_ERROR")
}

func commandInvalidInputError(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorCodeValidationFailed).
		WithSeverity(goerrors.SeverityError)
}
