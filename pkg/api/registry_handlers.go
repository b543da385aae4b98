package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/stores"
)

// Query parameters of the policy list that are not filters.
const (
	querySortBy = "sort_by"
	queryOrder  = "order"
)

// listPolicies returns every policy. Query parameters other than sort_by
// and order filter on dotted paths of the policy document, for example
// ?status.phase=enforced&subject.appName=web.
func (s *Server) listPolicies(c *gin.Context) {
	filters := stores.Filters{}
	for key, values := range c.Request.URL.Query() {
		if key == querySortBy || key == queryOrder || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}

	policies, err := s.deps.Registry.FindPolicies(c.Request.Context(), filters, c.Query(querySortBy), c.Query(queryOrder))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if policies == nil {
		policies = []*model.Policy{}
	}
	c.JSON(http.StatusOK, policies)
}

func (s *Server) createPolicy(c *gin.Context) {
	doNotActivate := false
	if raw := c.Query("do_not_activate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, model.NewValidationError("do_not_activate must be a boolean", err))
			return
		}
		doNotActivate = v
	}

	var req model.PolicyCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, invalidRequest(err))
		return
	}

	p, err := s.deps.Registry.CreatePolicy(c.Request.Context(), &req, !doNotActivate)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getPolicy(c *gin.Context) {
	p, err := s.deps.Registry.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePolicy(c *gin.Context) {
	if err := s.deps.Registry.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) activatePolicy(c *gin.Context) {
	if _, err := s.deps.Registry.Activate(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deactivatePolicy(c *gin.Context) {
	if _, err := s.deps.Registry.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getVariables(c *gin.Context) {
	p, err := s.deps.Registry.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	vars := p.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	c.JSON(http.StatusOK, vars)
}

// setVariable sets a variable from the path. The value is an int if it
// parses as one, else a float, else the raw string.
func (s *Server) setVariable(c *gin.Context) {
	value := ParseVariableValue(c.Param("value"))
	if _, err := s.deps.Registry.SetVariable(c.Request.Context(), c.Param("id"), c.Param("name"), value); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unsetVariable(c *gin.Context) {
	if _, err := s.deps.Registry.SetVariable(c.Request.Context(), c.Param("id"), c.Param("name"), nil); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ParseVariableValue converts a textual variable value to int, float64 or
// string, in that order of preference.
func ParseVariableValue(raw string) interface{} {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.deps.Registry.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) templates(c *gin.Context) {
	if s.deps.Catalog == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Catalog.Entries())
}
