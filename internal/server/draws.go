package server

import (
	"context"
	"net/http"

	"ledger-service/internal/domain"

	"github.com/labstack/echo/v4"
)

type DrawService interface {
	DrawPrize(ctx context.Context, competitionID, prizeID string, excludedEntryIDs []string, actor domain.ActorContext) (*domain.DrawResult, error)
	DrawAllPrizes(ctx context.Context, competitionID string, actor domain.ActorContext) (*domain.BatchResult, error)
}

type AuditService interface {
	GetAudit(ctx context.Context, id string) (*domain.DrawAudit, error)
	ListAudits(ctx context.Context, filter domain.AuditFilter) ([]domain.DrawAudit, error)
}

type DrawServer struct {
	draws  DrawService
	audits AuditService
}

func NewDrawServer(draws DrawService, audits AuditService) *DrawServer {
	return &DrawServer{draws: draws, audits: audits}
}

type drawPrizeRequest struct {
	ExcludedEntryIDs []string `json:"excluded_entry_ids"`
}

func (s *DrawServer) DrawPrize(c echo.Context) error {
	var req drawPrizeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	actor, err := actorFromRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := s.draws.DrawPrize(c.Request().Context(), c.Param("id"), c.Param("prizeId"), req.ExcludedEntryIDs, actor)
	if err != nil {
		return respondError(c, err, "Failed to draw prize")
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *DrawServer) DrawAllPrizes(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := s.draws.DrawAllPrizes(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		status, body := handleError(err)
		if result == nil {
			return respondError(c, err, "Failed to draw prizes")
		}
		// partial batch: earlier draws stand and are reported with the failure
		resp := map[string]interface{}{"result": result}
		for k, v := range body {
			resp[k] = v
		}
		return c.JSON(status, resp)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *DrawServer) GetAudit(c echo.Context) error {
	audit, err := s.audits.GetAudit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "Failed to get draw audit")
	}
	return c.JSON(http.StatusOK, audit)
}

func (s *DrawServer) ListAudits(c echo.Context) error {
	limit, offset, err := pageParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	from, err := timeParam(c, "from")
	if err != nil {
		return badRequest(c, err.Error())
	}
	to, err := timeParam(c, "to")
	if err != nil {
		return badRequest(c, err.Error())
	}

	audits, err := s.audits.ListAudits(c.Request().Context(), domain.AuditFilter{
		CompetitionID: optionalParam(c, "competition_id"),
		PrizeID:       optionalParam(c, "prize_id"),
		From:          from,
		To:            to,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return respondError(c, err, "Failed to list draw audits")
	}
	return c.JSON(http.StatusOK, audits)
}
