package server

import (
	"context"
	"encoding/json"
	"net/http"

	"ledger-service/internal/domain"

	"github.com/labstack/echo/v4"
)

type LedgerService interface {
	Append(ctx context.Context, eventType string, payload interface{}, refs domain.EventRefs, actor domain.ActorContext) (*domain.EventHandle, error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	Backlog(ctx context.Context) (*domain.BacklogStatus, error)
}

type EventServer struct {
	ledger LedgerService
}

func NewEventServer(ledger LedgerService) *EventServer {
	return &EventServer{ledger: ledger}
}

type appendEventRequest struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CompetitionID *string         `json:"competition_id"`
	PrizeID       *string         `json:"prize_id"`
	OperatorID    *string         `json:"operator_id"`
}

func (s *EventServer) AppendEvent(c echo.Context) error {
	var req appendEventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	actor, err := actorFromRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	refs := domain.EventRefs{
		CompetitionID: req.CompetitionID,
		PrizeID:       req.PrizeID,
		OperatorID:    req.OperatorID,
	}

	handle, err := s.ledger.Append(c.Request().Context(), req.EventType, req.Payload, refs, actor)
	if err != nil {
		return respondError(c, err, "Failed to append event")
	}

	return c.JSON(http.StatusCreated, handle)
}

func (s *EventServer) GetEvent(c echo.Context) error {
	ev, err := s.ledger.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "Failed to get event")
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *EventServer) ListEvents(c echo.Context) error {
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

	filter := domain.EventFilter{
		CompetitionID: optionalParam(c, "competition_id"),
		EventType:     optionalParam(c, "event_type"),
		From:          from,
		To:            to,
		Limit:         limit,
		Offset:        offset,
	}

	switch c.QueryParam("chained") {
	case "":
	case "true":
		chained := true
		filter.Chained = &chained
	case "false":
		chained := false
		filter.Chained = &chained
	default:
		return badRequest(c, "chained must be true or false")
	}

	events, err := s.ledger.ListEvents(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "Failed to list events")
	}
	return c.JSON(http.StatusOK, events)
}

func (s *EventServer) Backlog(c echo.Context) error {
	status, err := s.ledger.Backlog(c.Request().Context())
	if err != nil {
		return respondError(c, err, "Failed to read chain backlog")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"unchained":       status.Unchained,
		"oldest_sequence": status.OldestSequence,
		"oldest_age":      status.OldestAge.String(),
	})
}
