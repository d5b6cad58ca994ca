package server

import (
	"context"
	"net/http"
	"strconv"

	"ledger-service/internal/domain"

	"github.com/labstack/echo/v4"
)

type VerificationService interface {
	Verify(ctx context.Context, scope domain.VerifyScope) (*domain.VerificationReport, error)
}

type VerifyServer struct {
	verifier VerificationService
}

func NewVerifyServer(verifier VerificationService) *VerifyServer {
	return &VerifyServer{verifier: verifier}
}

// Verify always answers 200 when the walk completes; validity is in the body.
func (s *VerifyServer) Verify(c echo.Context) error {
	scope := domain.VerifyScope{
		Chain:         c.QueryParam("chain"),
		CompetitionID: optionalParam(c, "competition_id"),
	}

	for name, dst := range map[string]*int64{
		"from_sequence": &scope.FromSequence,
		"to_sequence":   &scope.ToSequence,
	} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return badRequest(c, name+" must be an integer")
		}
		*dst = n
	}

	report, err := s.verifier.Verify(c.Request().Context(), scope)
	if err != nil {
		return respondError(c, err, "Chain verification failed to run")
	}
	return c.JSON(http.StatusOK, report)
}
