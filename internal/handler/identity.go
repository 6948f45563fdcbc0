package handler

import (
	"guardian/internal/middleware"

	"github.com/gin-gonic/gin"
)

// resolveIdentity reconciles the identity given in the query with the
// authenticated one. Without a token the query is trusted. With a token,
// empty query values are filled from it and conflicting ones are refused.
func resolveIdentity(c *gin.Context, role, id string) (string, string, bool) {
	subject, tokenRole, ok := middleware.Identity(c)
	if !ok {
		return role, id, true
	}
	if role == "" {
		role = tokenRole
	}
	if id == "" {
		id = subject
	}
	return role, id, role == tokenRole && id == subject
}
