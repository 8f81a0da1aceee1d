package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/costing_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// TenantGuardPlugin scopes queries, updates and deletes to the context's
// business_id whenever the model has a business_id column. It is a safety net
// behind the explicit WHERE clauses, not a replacement for them.
//
// NOTE:
// - Raw SQL is not covered; raw queries must filter business_id themselves.
// - Cross-tenant internal work opts out via appctx.ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if skipTenantScope(ctx) {
		return
	}
	businessId := businessIdFromContext(ctx)
	if businessId == "" {
		return
	}
	if !schemaHasBusinessId(db.Statement.Schema) {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereMentionsBusinessId(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "business_id"},
				Value:  businessId,
			},
		},
	})
}

func businessIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyBusinessId).(string); ok {
		return v
	}
	return ""
}

func skipTenantScope(ctx context.Context) bool {
	v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool)
	return ok && v
}

func schemaHasBusinessId(s *schema.Schema) bool {
	if s == nil {
		return false
	}
	for _, f := range s.Fields {
		if strings.EqualFold(f.DBName, "business_id") {
			return true
		}
	}
	return false
}

func whereMentionsBusinessId(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprMentionsBusinessId(e) {
			return true
		}
	}
	return false
}

func exprMentionsBusinessId(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsBusinessId(v.Column)
	case clause.IN:
		return colIsBusinessId(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprMentionsBusinessId(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprMentionsBusinessId(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for string conditions.
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	default:
		return false
	}
}

func colIsBusinessId(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	default:
		return false
	}
}
