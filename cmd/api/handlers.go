package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"helpdispatch/arbiter"
	"helpdispatch/auth"
	"helpdispatch/geo"
	"helpdispatch/helper"
	"helpdispatch/job"
	"helpdispatch/notify"
	"helpdispatch/request"
)

type requestResponse struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customerId"`
	CategoryID         string     `json:"categoryId"`
	Description        string     `json:"description,omitempty"`
	MediaRefs          []string   `json:"mediaRefs,omitempty"`
	Lat                float64    `json:"lat"`
	Lng                float64    `json:"lng"`
	Address            string     `json:"address,omitempty"`
	EstimatedPrice     int64      `json:"estimatedPrice"`
	PaymentMethod      string     `json:"paymentMethod"`
	Urgency            string     `json:"urgency"`
	Status             string     `json:"status"`
	BroadcastStatus    string     `json:"broadcastStatus"`
	AssignedHelperID   string     `json:"assignedHelperId,omitempty"`
	StartOTP           string     `json:"startOtp,omitempty"`
	EndOTP             string     `json:"endOtp,omitempty"`
	BroadcastExpiresAt *time.Time `json:"broadcastExpiresAt,omitempty"`
	HelperAcceptedAt   *time.Time `json:"helperAcceptedAt,omitempty"`
	HelperLocation     *geo.Point `json:"helperLocation,omitempty"`
	WorkStartedAt      *time.Time `json:"workStartedAt,omitempty"`
	WorkCompletedAt    *time.Time `json:"workCompletedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancelReason       string     `json:"cancelReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func newRequestResponse(r request.ServiceRequest) requestResponse {
	return requestResponse{
		ID:                 r.ID,
		CustomerID:         r.CustomerID,
		CategoryID:         r.CategoryID,
		Description:        r.Description,
		MediaRefs:          r.MediaRefs,
		Lat:                r.Location.Lat,
		Lng:                r.Location.Lng,
		Address:            r.Address,
		EstimatedPrice:     r.EstimatedPrice,
		PaymentMethod:      string(r.PaymentMethod),
		Urgency:            string(r.Urgency),
		Status:             string(r.Status),
		BroadcastStatus:    string(r.BroadcastStatus),
		AssignedHelperID:   r.AssignedHelperID,
		StartOTP:           r.StartOTP,
		EndOTP:             r.EndOTP,
		BroadcastExpiresAt: r.BroadcastExpiresAt,
		HelperAcceptedAt:   r.HelperAcceptedAt,
		HelperLocation:     r.HelperLocation,
		WorkStartedAt:      r.WorkStartedAt,
		WorkCompletedAt:    r.WorkCompletedAt,
		CancelledAt:        r.CancelledAt,
		CancelReason:       r.CancelReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type offerResponse struct {
	RequestID      string     `json:"requestId"`
	CategoryID     string     `json:"categoryId"`
	Description    string     `json:"description,omitempty"`
	Address        string     `json:"address,omitempty"`
	Lat            float64    `json:"lat"`
	Lng            float64    `json:"lng"`
	EstimatedPrice int64      `json:"estimatedPrice"`
	Urgency        string     `json:"urgency"`
	DistanceKm     float64    `json:"distanceKm"`
	Status         string     `json:"status"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Seen           bool       `json:"seen"`
}

// validRequestID rejects ids that cannot name a request before they reach
// storage.
func validRequestID(c *gin.Context, id string) bool {
	if _, err := uuid.Parse(id); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorInvalidParameters, err)
		return false
	}
	return true
}

func (s *Server) createRequest(c *gin.Context) {
	var req struct {
		CategoryID     string   `json:"categoryId" binding:"required"`
		Description    string   `json:"description"`
		MediaRefs      []string `json:"mediaRefs"`
		Lat            *float64 `json:"lat" binding:"required"`
		Lng            *float64 `json:"lng" binding:"required"`
		Address        string   `json:"address"`
		EstimatedPrice int64    `json:"estimatedPrice"`
		PaymentMethod  string   `json:"paymentMethod"`
		Urgency        string   `json:"urgency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}

	created, err := s.requests.Create(c.Request.Context(), request.CreateParams{
		CustomerID:     identity(c).UserID,
		CategoryID:     req.CategoryID,
		Description:    req.Description,
		MediaRefs:      req.MediaRefs,
		Location:       geo.Point{Lat: *req.Lat, Lng: *req.Lng},
		Address:        req.Address,
		EstimatedPrice: req.EstimatedPrice,
		PaymentMethod:  request.PaymentMethod(req.PaymentMethod),
		Urgency:        request.Urgency(req.Urgency),
	})
	if shouldInterupt(err, c) {
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": created.ID})
}

// getRequest serves the snapshot. Customers only see their own requests;
// the codes are shown to the owner and the assigned helper.
func (s *Server) getRequest(c *gin.Context) {
	if !validRequestID(c, c.Param("id")) {
		return
	}
	req, err := s.requests.Get(c.Request.Context(), c.Param("id"))
	if shouldInterupt(err, c) {
		return
	}

	viewerHelper, ok := s.viewerHelperID(c)
	if !ok {
		return
	}
	id := identity(c)
	if id.Role == auth.RoleCustomer && req.CustomerID != id.UserID {
		abortWithEncoding(c, http.StatusForbidden, errorForbidden)
		return
	}

	c.JSON(http.StatusOK, newRequestResponse(req.VisibleTo(id.UserID, viewerHelper)))
}

// viewerHelperID resolves the helper profile of a helper caller. Other
// roles and helpers without a profile yield an empty id.
func (s *Server) viewerHelperID(c *gin.Context) (string, bool) {
	if identity(c).Role != auth.RoleHelper {
		return "", true
	}
	id, err := s.helpers.ResolveByUser(c.Request.Context(), identity(c).UserID)
	if errors.Is(err, helper.ErrNotFound) {
		return "", true
	}
	if shouldInterupt(err, c) {
		return "", false
	}
	return id, true
}

func (s *Server) broadcastRequest(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, req.RequestID) {
		return
	}

	if id := identity(c); id.Role != auth.RoleAdmin {
		current, err := s.requests.Get(c.Request.Context(), req.RequestID)
		if shouldInterupt(err, c) {
			return
		}
		if current.CustomerID != id.UserID {
			abortWithEncoding(c, http.StatusForbidden, errorForbidden)
			return
		}
	}

	res, err := s.scheduler.Broadcast(c.Request.Context(), req.RequestID)
	if shouldInterupt(err, c) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"helpersNotified": res.HelpersNotified})
}

func (s *Server) accept(c *gin.Context) {
	var req struct {
		RequestID string   `json:"requestId" binding:"required"`
		HelperID  string   `json:"helperId"`
		HelperLat *float64 `json:"helperLat"`
		HelperLng *float64 `json:"helperLng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, req.RequestID) {
		return
	}
	if req.HelperID != "" && req.HelperID != helperID(c) {
		abortWithEncoding(c, http.StatusForbidden, errorForbidden)
		return
	}

	params := arbiter.AcceptParams{RequestID: req.RequestID, HelperID: helperID(c)}
	if req.HelperLat != nil && req.HelperLng != nil {
		loc := geo.Point{Lat: *req.HelperLat, Lng: *req.HelperLng}
		if err := loc.Validate(); err != nil {
			abortWithEncoding(c, http.StatusBadRequest, errorInvalidParameters, err)
			return
		}
		params.Location = &loc
	}

	res, err := s.arbiter.Accept(c.Request.Context(), params)
	if shouldInterupt(err, c) {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"replayed": res.Replayed,
		"request":  newRequestResponse(res.Request),
	})
}

// decline always answers 200; the offer simply stays unanswered when it
// cannot be recorded.
func (s *Server) decline(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if err := c.ShouldBindJSON(&req); err == nil && uuid.Validate(req.RequestID) == nil {
		s.offers.Decline(c.Request.Context(), req.RequestID, helperID(c))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type otpBody struct {
	RequestID string `json:"requestId" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (s *Server) verifyStart(c *gin.Context) {
	var req otpBody
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, req.RequestID) {
		return
	}

	updated, err := s.jobs.VerifyStart(c.Request.Context(), req.RequestID, helperID(c), req.Code)
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "broadcastStatus": updated.BroadcastStatus})
}

func (s *Server) verifyEnd(c *gin.Context) {
	var req otpBody
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, req.RequestID) {
		return
	}

	updated, err := s.jobs.VerifyEnd(c.Request.Context(), req.RequestID, helperID(c), req.Code)
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "broadcastStatus": updated.BroadcastStatus})
}

func (s *Server) advanceRequest(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, c.Param("id")) {
		return
	}

	updated, err := s.jobs.Advance(c.Request.Context(), c.Param("id"), helperID(c), request.BroadcastStatus(req.Status))
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, newRequestResponse(updated))
}

func (s *Server) cancelRequest(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
			return
		}
	}

	if !validRequestID(c, c.Param("id")) {
		return
	}

	id := identity(c)
	updated, err := s.jobs.Cancel(c.Request.Context(), job.CancelParams{
		RequestID: c.Param("id"),
		ActorID:   id.UserID,
		Reason:    req.Reason,
		System:    id.Role == auth.RoleAdmin,
	})
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, newRequestResponse(updated.VisibleTo(id.UserID, "")))
}

func (s *Server) withdrawRequest(c *gin.Context) {
	if !validRequestID(c, c.Param("id")) {
		return
	}
	updated, err := s.jobs.Withdraw(c.Request.Context(), c.Param("id"), helperID(c))
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, newRequestResponse(updated.VisibleTo("", helperID(c))))
}

func (s *Server) updateLocation(c *gin.Context) {
	var req struct {
		Lat *float64 `json:"lat" binding:"required"`
		Lng *float64 `json:"lng" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	loc := geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	if err := loc.Validate(); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorInvalidParameters, err)
		return
	}

	err := s.helpers.UpdateLocation(c.Request.Context(), helperID(c), loc.Lat, loc.Lng)
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) listOffers(c *gin.Context) {
	unseen, _ := strconv.ParseBool(c.DefaultQuery("unseen", "false"))

	offers, err := s.offers.ListOffers(c.Request.Context(), helperID(c), unseen)
	if shouldInterupt(err, c) {
		return
	}

	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, newOfferResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"offers": out})
}

func newOfferResponse(o notify.Offer) offerResponse {
	return offerResponse{
		RequestID:      o.RequestID,
		CategoryID:     o.CategoryID,
		Description:    o.Description,
		Address:        o.Address,
		Lat:            o.Lat,
		Lng:            o.Lng,
		EstimatedPrice: o.EstimatedPrice,
		Urgency:        o.Urgency,
		DistanceKm:     o.DistanceKm,
		Status:         string(o.Status),
		SentAt:         o.SentAt,
		ExpiresAt:      o.ExpiresAt,
		Seen:           o.Seen,
	}
}

func (s *Server) markSeen(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithEncoding(c, http.StatusBadRequest, errorCannotParseRequest, err)
		return
	}
	if !validRequestID(c, req.RequestID) {
		return
	}

	err := s.offers.MarkSeen(c.Request.Context(), helperID(c), req.RequestID)
	if shouldInterupt(err, c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
