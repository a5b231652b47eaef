package httpapi

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/release"
)

// AuthService is the authentication surface the API needs.
type AuthService interface {
	TokenValidator
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
}

// DealService drives deal and milestone workflow operations.
type DealService interface {
	CreateMilestones(ctx context.Context, params deal.CreateMilestonesParams) ([]deal.Milestone, error)
	SubmitDeliverables(ctx context.Context, params deal.SubmitParams) (deal.Milestone, error)
	Approve(ctx context.Context, params deal.ReviewParams) (deal.Milestone, error)
	Reject(ctx context.Context, params deal.ReviewParams) (deal.Milestone, error)
}

// DealStore opens deals; satisfied by *deal.Repository.
type DealStore interface {
	CreateDeal(ctx context.Context, params deal.CreateDealParams) (deal.Deal, error)
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
}

// SummaryReader serves escrow summaries; satisfied by *deal.SummaryRepository.
type SummaryReader interface {
	DealSummary(ctx context.Context, dealID string) (deal.Summary, error)
}

// FundingService captures funds into escrow.
type FundingService interface {
	Fund(ctx context.Context, params escrow.FundParams) (deal.Milestone, error)
}

// ReleaseService moves escrowed funds out.
type ReleaseService interface {
	Release(ctx context.Context, params release.Params) (deal.Milestone, error)
}

// DisputeService owns the dispute lifecycle.
type DisputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error)
	AddMessage(ctx context.Context, params dispute.MessageParams) (dispute.Message, error)
	Resolve(ctx context.Context, params dispute.RulingParams) (dispute.Dispute, error)
	ListVisible(ctx context.Context, params dispute.ListParams) ([]dispute.Dispute, error)
	Thread(ctx context.Context, disputeID, actorID string, role auth.Role) ([]dispute.Message, error)
}

// Server wires the HTTP surface over the domain services.
type Server struct {
	echo     *echo.Echo
	auth     AuthService
	deals    DealService
	store    DealStore
	summary  SummaryReader
	funding  FundingService
	releases ReleaseService
	disputes DisputeService
}

func NewServer(authSvc AuthService, deals DealService, store DealStore, summary SummaryReader, funding FundingService, releases ReleaseService, disputes DisputeService) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		auth:     authSvc,
		deals:    deals,
		store:    store,
		summary:  summary,
		funding:  funding,
		releases: releases,
		disputes: disputes,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/api/healthz", s.healthz)
	s.echo.POST("/api/auth/register", s.register)
	s.echo.POST("/api/auth/login", s.login)

	api := s.echo.Group("/api", requireAuth(s.auth))
	api.POST("/deals", s.createDeal)
	api.GET("/deals/:id/escrow", s.dealEscrow)
	api.POST("/deals/:id/milestones", s.createMilestones)

	api.POST("/milestones/:id/fund", s.fundMilestone)
	api.POST("/milestones/:id/deliverables", s.submitDeliverables)
	api.POST("/milestones/:id/approve", s.approveMilestone)
	api.POST("/milestones/:id/reject", s.rejectMilestone)
	api.POST("/milestones/:id/release", s.releaseMilestone)

	api.POST("/disputes", s.openDispute)
	api.GET("/disputes", s.listDisputes)
	api.GET("/disputes/:id/messages", s.disputeThread)
	api.POST("/disputes/:id/messages", s.addDisputeMessage)
	api.POST("/disputes/:id/resolve", s.resolveDispute)
}

// Start blocks serving HTTP on the address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
