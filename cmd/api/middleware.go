package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"helpdispatch/auth"
	"helpdispatch/helper"
)

const (
	identityKey = "identity"
	helperIDKey = "helper_id"
)

// authMiddleware verifies the bearer token and stores the caller identity.
// Browsers cannot set headers on EventSource, so the token may also come in
// the access_token query parameter.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			abortWithEncoding(c, http.StatusUnauthorized, errorUnauthorized)
			return
		}

		id, err := s.tokens.VerifyToken(token)
		if err != nil {
			abortWithEncoding(c, http.StatusUnauthorized, errorUnauthorized, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) requireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity(c)
		for _, role := range roles {
			if id.Role == role {
				c.Next()
				return
			}
		}
		abortWithEncoding(c, http.StatusForbidden, errorForbidden)
	}
}

// requireHelper admits helpers and resolves their profile id.
func (s *Server) requireHelper() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(helperIDKey); ok {
			c.Next()
			return
		}
		id := identity(c)
		if id.Role != auth.RoleHelper {
			abortWithEncoding(c, http.StatusForbidden, errorForbidden)
			return
		}

		helperID, err := s.helpers.ResolveByUser(c.Request.Context(), id.UserID)
		if errors.Is(err, helper.ErrNotFound) {
			abortWithEncoding(c, http.StatusForbidden, errorForbidden, err)
			return
		}
		if shouldInterupt(err, c) {
			return
		}
		c.Set(helperIDKey, helperID)
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	id, _ := c.Get(identityKey)
	v, _ := id.(auth.Identity)
	return v
}

func helperID(c *gin.Context) string {
	return c.GetString(helperIDKey)
}
