package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/release"
)

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) register(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := s.auth.Register(c.Request().Context(), req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, userResponse(*user))
}

func (s *Server) login(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  userResponse(result.User),
	})
}

type createDealRequest struct {
	PayeeID       string `json:"payee_id"`
	Title         string `json:"title"`
	TotalAmount   int64  `json:"total_amount"`
	Currency      string `json:"currency"`
	SplitTemplate string `json:"split_template"`
}

func (s *Server) createDeal(c echo.Context) error {
	var req createDealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := s.store.CreateDeal(c.Request().Context(), deal.CreateDealParams{
		PayerID:       actorID(c),
		PayeeID:       req.PayeeID,
		Title:         req.Title,
		TotalAmount:   req.TotalAmount,
		Currency:      req.Currency,
		SplitTemplate: deal.Template(req.SplitTemplate),
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, dealResponse(rec))
}

func (s *Server) dealEscrow(c echo.Context) error {
	summary, err := s.summary.DealSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	actor := actorID(c)
	isParty := actor == summary.Deal.PayerID || actor == summary.Deal.PayeeID
	if !isParty && actorRole(c) != auth.RoleMediator {
		return mapError(deal.ErrNotDealParty)
	}
	return c.JSON(http.StatusOK, summaryResponse(summary))
}

type milestoneSpecRequest struct {
	BonusAmount   int64      `json:"bonus_amount"`
	DueDate       *time.Time `json:"due_date"`
	AutoReleaseAt *time.Time `json:"auto_release_at"`
}

type createMilestonesRequest struct {
	Template   string                 `json:"template"`
	Count      int                    `json:"count"`
	Custom     []float64              `json:"custom_percentages"`
	Milestones []milestoneSpecRequest `json:"milestones"`
}

func (s *Server) createMilestones(c echo.Context) error {
	var req createMilestonesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	items := make([]deal.MilestoneSpec, len(req.Milestones))
	for i, m := range req.Milestones {
		items[i] = deal.MilestoneSpec{
			BonusAmount:   m.BonusAmount,
			DueDate:       m.DueDate,
			AutoReleaseAt: m.AutoReleaseAt,
		}
	}
	created, err := s.deals.CreateMilestones(c.Request().Context(), deal.CreateMilestonesParams{
		DealID:   c.Param("id"),
		ActorID:  actorID(c),
		Template: deal.Template(req.Template),
		Count:    req.Count,
		Custom:   req.Custom,
		Items:    items,
	})
	if err != nil {
		return mapError(err)
	}
	out := make([]map[string]any, len(created))
	for i, m := range created {
		out[i] = milestoneResponse(m)
	}
	return c.JSON(http.StatusCreated, out)
}

type fundRequest struct {
	Instrument     string `json:"instrument"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) fundMilestone(c echo.Context) error {
	var req fundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	m, err := s.funding.Fund(c.Request().Context(), escrow.FundParams{
		MilestoneID:    c.Param("id"),
		ActorID:        actorID(c),
		Instrument:     req.Instrument,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, milestoneResponse(m))
}

type deliverableRequest struct {
	Note string `json:"note"`
	URL  string `json:"url"`
}

type submitRequest struct {
	Deliverables []deliverableRequest `json:"deliverables"`
}

func (s *Server) submitDeliverables(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	items := make([]deal.DeliverableInput, len(req.Deliverables))
	for i, d := range req.Deliverables {
		items[i] = deal.DeliverableInput{Note: d.Note, URL: d.URL}
	}
	m, err := s.deals.SubmitDeliverables(c.Request().Context(), deal.SubmitParams{
		MilestoneID: c.Param("id"),
		ActorID:     actorID(c),
		Items:       items,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, milestoneResponse(m))
}

func (s *Server) approveMilestone(c echo.Context) error {
	m, err := s.deals.Approve(c.Request().Context(), deal.ReviewParams{
		MilestoneID: c.Param("id"),
		ActorID:     actorID(c),
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, milestoneResponse(m))
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) rejectMilestone(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.deals.Reject(c.Request().Context(), deal.ReviewParams{
		MilestoneID: c.Param("id"),
		ActorID:     actorID(c),
		Feedback:    req.Feedback,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, milestoneResponse(m))
}

func (s *Server) releaseMilestone(c echo.Context) error {
	m, err := s.releases.Release(c.Request().Context(), release.Params{
		MilestoneID: c.Param("id"),
		ActorID:     actorID(c),
		Trigger:     escrow.ReleaseManual,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, milestoneResponse(m))
}

type openDisputeRequest struct {
	DealID      string `json:"deal_id"`
	MilestoneID string `json:"milestone_id"`
	Category    string `json:"category"`
	Urgency     string `json:"urgency"`
	Reason      string `json:"reason"`
}

func (s *Server) openDispute(c echo.Context) error {
	var req openDisputeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d, err := s.disputes.Open(c.Request().Context(), dispute.OpenParams{
		DealID:      req.DealID,
		MilestoneID: req.MilestoneID,
		ActorID:     actorID(c),
		Category:    dispute.Category(req.Category),
		Urgency:     dispute.Urgency(req.Urgency),
		Reason:      req.Reason,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, disputeResponse(d))
}

func (s *Server) listDisputes(c echo.Context) error {
	params := dispute.ListParams{
		ActorID:   actorID(c),
		ActorRole: actorRole(c),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := dispute.Status(raw)
		params.Status = &status
	}
	if raw := c.QueryParam("category"); raw != "" {
		category := dispute.Category(raw)
		params.Category = &category
	}
	disputes, err := s.disputes.ListVisible(c.Request().Context(), params)
	if err != nil {
		return mapError(err)
	}
	out := make([]map[string]any, len(disputes))
	for i, d := range disputes {
		out[i] = disputeResponse(d)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) disputeThread(c echo.Context) error {
	messages, err := s.disputes.Thread(c.Request().Context(), c.Param("id"), actorID(c), actorRole(c))
	if err != nil {
		return mapError(err)
	}
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		out[i] = messageResponse(m)
	}
	return c.JSON(http.StatusOK, out)
}

type disputeMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) addDisputeMessage(c echo.Context) error {
	var req disputeMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	msg, err := s.disputes.AddMessage(c.Request().Context(), dispute.MessageParams{
		DisputeID: c.Param("id"),
		ActorID:   actorID(c),
		ActorRole: actorRole(c),
		Body:      req.Body,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, messageResponse(msg))
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Amount  int64  `json:"amount"`
	// ReleaseAmount is the older wire name for Amount; Amount wins when both
	// are set.
	ReleaseAmount int64  `json:"release_amount"`
	Note          string `json:"note"`
}

func (s *Server) resolveDispute(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	amount := req.Amount
	if amount == 0 {
		amount = req.ReleaseAmount
	}
	d, err := s.disputes.Resolve(c.Request().Context(), dispute.RulingParams{
		DisputeID: c.Param("id"),
		ActorID:   actorID(c),
		ActorRole: actorRole(c),
		Outcome:   release.Outcome(req.Outcome),
		Amount:    amount,
		Note:      req.Note,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, disputeResponse(d))
}

func userResponse(u auth.User) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"full_name": u.FullName,
		"role":      u.Role,
	}
}

func dealResponse(d deal.Deal) map[string]any {
	return map[string]any{
		"id":             d.ID,
		"payer_id":       d.PayerID,
		"payee_id":       d.PayeeID,
		"title":          d.Title,
		"total_amount":   d.TotalAmount,
		"currency":       d.Currency,
		"status":         d.Status,
		"split_template": d.SplitTemplate,
		"created_at":     d.CreatedAt,
	}
}

func milestoneResponse(m deal.Milestone) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"deal_id":         m.DealID,
		"order_index":     m.OrderIndex,
		"percentage":      m.Percentage,
		"amount":          m.Amount,
		"bonus_amount":    m.BonusAmount,
		"state":           m.State,
		"dispute_flag":    m.DisputeFlag,
		"due_date":        m.DueDate,
		"auto_release_at": m.AutoReleaseAt,
		"funded_at":       m.FundedAt,
		"completed_at":    m.CompletedAt,
	}
}

func summaryResponse(s deal.Summary) map[string]any {
	milestones := make([]map[string]any, len(s.Milestones))
	for i, ms := range s.Milestones {
		entry := milestoneResponse(ms.Milestone)
		entry["escrowed_amount"] = ms.EscrowedAmount
		entry["released_amount"] = ms.ReleasedAmount
		entry["refund_pending_amount"] = ms.RefundPendingAmount
		entry["refunded_amount"] = ms.RefundedAmount
		milestones[i] = entry
	}
	return map[string]any{
		"deal":                 dealResponse(s.Deal),
		"milestones":           milestones,
		"total_escrowed":       s.TotalEscrowed,
		"total_released":       s.TotalReleased,
		"total_refund_pending": s.TotalRefundPending,
		"total_refunded":       s.TotalRefunded,
		"outstanding_amount":   s.OutstandingAmount,
	}
}

func disputeResponse(d dispute.Dispute) map[string]any {
	return map[string]any{
		"id":                  d.ID,
		"deal_id":             d.DealID,
		"milestone_id":        d.MilestoneID,
		"opened_by":           d.OpenedBy,
		"category":            d.Category,
		"urgency":             d.Urgency,
		"reason":              d.Reason,
		"status":              d.Status,
		"outcome":             d.Outcome,
		"amount":              d.Amount,
		"resolution_note":     d.ResolutionNote,
		"resolved_by":         d.ResolvedBy,
		"escalation_deadline": d.EscalationDeadline,
		"resolved_at":         d.ResolvedAt,
		"created_at":          d.CreatedAt,
	}
}

func messageResponse(m dispute.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"dispute_id": m.DisputeID,
		"author_id":  m.AuthorID,
		"body":       m.Body,
		"created_at": m.CreatedAt,
	}
}
