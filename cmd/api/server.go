package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"helpdispatch/arbiter"
	"helpdispatch/auth"
	"helpdispatch/broadcast"
	"helpdispatch/job"
	"helpdispatch/notify"
	"helpdispatch/request"
)

const streamKeepAlive = 25 * time.Second

type requestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.ServiceRequest, error)
	Get(ctx context.Context, id string) (request.ServiceRequest, error)
}

type broadcaster interface {
	Broadcast(ctx context.Context, requestID string) (broadcast.Result, error)
}

type acceptor interface {
	Accept(ctx context.Context, p arbiter.AcceptParams) (arbiter.Result, error)
}

type jobMachine interface {
	Advance(ctx context.Context, requestID, helperID string, to request.BroadcastStatus) (request.ServiceRequest, error)
	VerifyStart(ctx context.Context, requestID, helperID, code string) (request.ServiceRequest, error)
	VerifyEnd(ctx context.Context, requestID, helperID, code string) (request.ServiceRequest, error)
	Cancel(ctx context.Context, p job.CancelParams) (request.ServiceRequest, error)
	Withdraw(ctx context.Context, requestID, helperID string) (request.ServiceRequest, error)
}

type helperDirectory interface {
	ResolveByUser(ctx context.Context, userID string) (string, error)
	UpdateLocation(ctx context.Context, helperID string, lat, lng float64) error
}

type offerBoard interface {
	Decline(ctx context.Context, requestID, helperID string)
	MarkSeen(ctx context.Context, helperID, requestID string) error
	ListOffers(ctx context.Context, helperID string, unseenOnly bool) ([]notify.Offer, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server to run the dispatch http api
type Server struct {
	server *http.Server

	requests  requestService
	scheduler broadcaster
	arbiter   acceptor
	jobs      jobMachine
	helpers   helperDirectory
	offers    offerBoard
	tokens    tokenVerifier
	hub       *notify.Hub
	db        pinger

	allowOrigins []string
	keepAlive    time.Duration
	log          logrus.FieldLogger
}

// Deps groups the collaborators handed to NewServer.
type Deps struct {
	Requests  requestService
	Scheduler broadcaster
	Arbiter   acceptor
	Jobs      jobMachine
	Helpers   helperDirectory
	Offers    offerBoard
	Tokens    tokenVerifier
	Hub       *notify.Hub
	DB        pinger
}

func NewServer(deps Deps, allowOrigins []string) *Server {
	return &Server{
		server:       &http.Server{ReadHeaderTimeout: 10 * time.Second},
		requests:     deps.Requests,
		scheduler:    deps.Scheduler,
		arbiter:      deps.Arbiter,
		jobs:         deps.Jobs,
		helpers:      deps.Helpers,
		offers:       deps.Offers,
		tokens:       deps.Tokens,
		hub:          deps.Hub,
		db:           deps.DB,
		allowOrigins: allowOrigins,
		keepAlive:    streamKeepAlive,
		log:          logrus.WithField("prefix", "gin"),
	}
}

// Run to run the server
func (s *Server) Run(addr string) error {
	s.server.Addr = addr
	s.server.Handler = s.setupRouter()

	return s.server.ListenAndServe()
}

// Shutdown to shutdown the server. A server shut down before Run never
// starts listening.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(s.allowOrigins) == 0 || (len(s.allowOrigins) == 1 && s.allowOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.allowOrigins
	}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", s.healthz)

	apiRoute := r.Group("/")
	apiRoute.Use(s.authMiddleware())
	{
		apiRoute.GET("/stream", s.stream)
	}

	requestRoute := apiRoute.Group("/requests")
	{
		requestRoute.POST("", s.requireRole(auth.RoleCustomer), s.createRequest)
		requestRoute.GET("/:id", s.getRequest)
		requestRoute.POST("/:id/cancel", s.requireRole(auth.RoleCustomer, auth.RoleAdmin), s.cancelRequest)
		requestRoute.POST("/:id/status", s.requireHelper(), s.advanceRequest)
		requestRoute.POST("/:id/withdraw", s.requireHelper(), s.withdrawRequest)
	}

	apiRoute.POST("/broadcast", s.requireRole(auth.RoleCustomer, auth.RoleAdmin), s.broadcastRequest)

	helperRoute := apiRoute.Group("/")
	helperRoute.Use(s.requireHelper())
	{
		helperRoute.POST("/accept", s.accept)
		helperRoute.POST("/decline", s.decline)
		helperRoute.POST("/otp/start", s.verifyStart)
		helperRoute.POST("/otp/end", s.verifyEnd)
		helperRoute.POST("/helpers/location", s.updateLocation)
		helperRoute.GET("/helpers/offers", s.listOffers)
		helperRoute.POST("/notifications/seen", s.markSeen)
	}

	return r
}

func (s *Server) healthz(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log.WithError(err).Error("database ping failed")
			abortWithEncoding(c, http.StatusServiceUnavailable, errorTransient, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Info("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

func responseWithEncoding(c *gin.Context, code int, obj ErrorResponse) {
	c.JSON(code, obj)
}

func abortWithEncoding(c *gin.Context, code int, obj ErrorResponse, errors ...error) {
	for _, err := range errors {
		_ = c.Error(err)
	}
	responseWithEncoding(c, code, obj)
	c.Abort()
}
