package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/release"
)

// mapError translates domain sentinels into HTTP status codes. Anything not
// recognized is a 500 with a generic message so internals never leak.
func mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, deal.ErrValidation),
		errors.Is(err, escrow.ErrValidation),
		errors.Is(err, dispute.ErrValidation),
		errors.Is(err, deal.ErrInvalidSplit),
		errors.Is(err, deal.ErrFeedbackRequired),
		errors.Is(err, escrow.ErrInsufficientEscrow),
		errors.Is(err, auth.ErrWeakPassword):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())

	case errors.Is(err, deal.ErrNotDealParty),
		errors.Is(err, release.ErrNotAuthorized),
		errors.Is(err, dispute.ErrNotParticipant),
		errors.Is(err, dispute.ErrMediatorOnly):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())

	case errors.Is(err, deal.ErrDealNotFound),
		errors.Is(err, deal.ErrMilestoneNotFound),
		errors.Is(err, dispute.ErrDisputeNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, deal.ErrStateConflict),
		errors.Is(err, deal.ErrInvalidTransition),
		errors.Is(err, deal.ErrMilestonesExist),
		errors.Is(err, deal.ErrDealClosed),
		errors.Is(err, deal.ErrDuplicateSubmission),
		errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrEarningConflict),
		errors.Is(err, escrow.ErrNoEscrowedEarning),
		errors.Is(err, escrow.ErrDuplicateKey),
		errors.Is(err, release.ErrNotFunded),
		errors.Is(err, release.ErrAlreadyReleased),
		errors.Is(err, release.ErrMilestoneDisputed),
		errors.Is(err, release.ErrNotEligible),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, dispute.ErrOpenDisputeExists),
		errors.Is(err, auth.ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case gateway.IsGatewayError(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
