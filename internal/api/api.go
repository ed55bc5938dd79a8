// Package api exposes the reservation daemon over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/auth"
	"github.com/opentorque/resv/internal/resv"
)

// JobRequest registers a job with the daemon.
type JobRequest struct {
	Name        string  `json:"name"`
	User        string  `json:"user"`
	Account     string  `json:"account"`
	Partition   string  `json:"partition"`
	Reservation string  `json:"reservation"`
	TimeLimit   *uint32 `json:"time_limit"` // Minutes; absent uses the partition limit
	TimeMin     uint32  `json:"time_min"`
	NodeCnt     int     `json:"node_cnt"`
	Nodes       string  `json:"nodes"` // Explicitly requested nodes
	Licenses    string  `json:"licenses"`
	Priority    uint32  `json:"priority"`
}

// JobInfo is the externally visible form of a job.
type JobInfo struct {
	ID          uint32    `json:"id"`
	Name        string    `json:"name"`
	UserID      uint32    `json:"user_id"`
	Account     string    `json:"account,omitempty"`
	Partition   string    `json:"partition,omitempty"`
	State       string    `json:"state"`
	Reservation string    `json:"reservation,omitempty"`
	ResvID      uint32    `json:"resv_id,omitempty"`
	TimeLimit   uint32    `json:"time_limit"`
	NodeList    string    `json:"node_list,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
}

// TestResult answers whether a job may use its reservation.
type TestResult struct {
	Reservation string    `json:"reservation"`
	Ready       bool      `json:"ready"`            // The job may start now
	Reason      string    `json:"reason,omitempty"` // Why Ready is false
	NodeList    string    `json:"node_list"`
	StartTime   time.Time `json:"start_time"`
}

// Backend is the daemon state the API drives. Implementations serialize
// access themselves.
type Backend interface {
	ShowReservations(user string) ([]resv.Info, error)
	CreateReservation(d *resv.Desc) (resv.Info, error)
	UpdateReservation(d *resv.Desc) (resv.Info, error)
	DeleteReservation(name string) error

	SubmitJob(req *JobRequest) (*JobInfo, error)
	SetJobState(id uint32, state string) (*JobInfo, error)
	TestJob(id uint32, when time.Time, move bool) (*TestResult, error)

	SetNodeState(name, state, reason string) error

	IsOperator(user string) bool
}

// Config wires the API to its collaborators.
type Config struct {
	Backend  Backend
	Verifier *auth.Verifier // nil accepts the X-Auth-User header unchecked
	Metrics  http.Handler   // nil disables /metrics
	Log      *zap.Logger
}

// Handler implements the HTTP endpoints.
type Handler struct {
	b   Backend
	log *zap.Logger
}

// New builds an echo instance with every route registered.
func New(cfg Config) *echo.Echo {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(RequestLog(log), Recover(log))

	h := &Handler{b: cfg.Backend, log: log}
	RegisterRoutes(e, h, cfg.Verifier, cfg.Metrics)
	return e
}

// RegisterRoutes attaches the endpoints to e. Reads need an authenticated
// user; changes to reservations need an operator.
func RegisterRoutes(e *echo.Echo, h *Handler, v *auth.Verifier, metrics http.Handler) {
	e.GET("/healthz", Health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	g := e.Group("/v1", Authenticate(v))
	g.GET("/reservations", h.ListReservations)
	g.GET("/reservations/:name", h.GetReservation)

	op := RequireOperator(h.b)
	g.POST("/reservations", h.CreateReservation, op)
	g.PUT("/reservations/:name", h.UpdateReservation, op)
	g.DELETE("/reservations/:name", h.DeleteReservation, op)

	g.POST("/jobs", h.SubmitJob)
	g.PUT("/jobs/:id/state", h.SetJobState, op)
	g.GET("/jobs/:id/resv-test", h.TestJob)

	g.PUT("/nodes/:name/state", h.SetNodeState, op)
}
