package kgs

import (
	"fmt"
	"strings"
)

// TenantParam is the parameter name every statement binds the tenant
// under. Statement text must reference it as "@tenant_id" (SQL named
// args) or "$tenant_id" (Cypher parameters).
const TenantParam = "tenant_id"

// Statement is a tenant-bound query for a query-language backend.
// Construction fails unless the text scopes by tenant and the tenant
// value is set, so a statement that exists is always isolated.
type Statement struct {
	text   string
	params map[string]any
}

// NewStatement binds text and params to a tenant. The text must
// reference the tenant parameter, params must not set it themselves,
// and tenant must be non-empty. Violations wrap ErrIsolationViolation.
func NewStatement(text string, tenant string, params map[string]any) (*Statement, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("%w: empty tenant", ErrIsolationViolation)
	}
	if !strings.Contains(text, "@"+TenantParam) && !strings.Contains(text, "$"+TenantParam) {
		return nil, fmt.Errorf("%w: statement does not scope by tenant", ErrIsolationViolation)
	}
	if _, ok := params[TenantParam]; ok {
		return nil, fmt.Errorf("%w: tenant parameter set by caller", ErrIsolationViolation)
	}

	bound := make(map[string]any, len(params)+1)
	for k, v := range params {
		bound[k] = v
	}
	bound[TenantParam] = tenant

	return &Statement{text: text, params: bound}, nil
}

// Text returns the statement text.
func (s *Statement) Text() string {
	return s.text
}

// Params returns the bound parameters including the tenant. The map is
// owned by the statement and must not be mutated.
func (s *Statement) Params() map[string]any {
	return s.params
}
