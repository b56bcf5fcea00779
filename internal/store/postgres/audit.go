package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

// FindingCode identifies a class of isolation defect.
type FindingCode string

const (
	FindingMissingTable          FindingCode = "missing_table"
	FindingRLSDisabled           FindingCode = "rls_disabled"
	FindingRLSNotForced          FindingCode = "rls_not_forced"
	FindingMissingForAllPolicy   FindingCode = "missing_for_all_policy"
	FindingMissingWithCheck      FindingCode = "missing_with_check"
	FindingPolicyPredicate       FindingCode = "policy_predicate"
	FindingExtraPermissive       FindingCode = "extra_permissive_policy"
	FindingCoalesceFallback      FindingCode = "coalesce_fallback"
	FindingUnsafeContextRead     FindingCode = "unsafe_context_read"
	FindingNullableOrganization  FindingCode = "nullable_organization_id"
	FindingMissingTenantKey      FindingCode = "missing_tenant_unique_key"
	FindingMissingCompositeFK    FindingCode = "missing_composite_fk"
	FindingSingleColumnTenantFK  FindingCode = "single_column_tenant_fk"
	FindingUnregisteredTable     FindingCode = "unregistered_tenant_table"
	FindingRoleBypassesRLS       FindingCode = "role_bypasses_rls"
	FindingUnsafeContextFunction FindingCode = "unsafe_context_function"
)

// ParentRef is a reference from a tenant table to another tenant table.
type ParentRef struct {
	Table  string
	Column string
}

// TenantTable describes a tenant-scoped table and the tenant tables it references.
type TenantTable struct {
	Name    string
	Parents []ParentRef
}

// TenantTables is the registry of tenant-scoped tables. A migration adding a table with
// an organization_id column must register it here or the audit reports it.
var TenantTables = []TenantTable{
	{Name: "users"},
	{Name: "clients"},
	{Name: "cases", Parents: []ParentRef{{Table: "clients", Column: "client_id"}}},
	{Name: "email_logs", Parents: []ParentRef{{Table: "cases", Column: "case_id"}}},
	{Name: "documents", Parents: []ParentRef{
		{Table: "cases", Column: "case_id"},
		{Table: "email_logs", Column: "email_log_id"},
	}},
	{Name: "document_analyses", Parents: []ParentRef{{Table: "documents", Column: "document_id"}}},
	{Name: "report_versions", Parents: []ParentRef{{Table: "cases", Column: "case_id"}}},
	{Name: "insured_parties", Parents: []ParentRef{{Table: "cases", Column: "case_id"}}},
}

// contextFunctions must read their setting with missing_ok and must not substitute a default.
var contextFunctions = map[string]string{
	"app_current_org_id":  "app.current_org_id",
	"app_current_user_id": "app.current_user_id",
}

// tenantPredicates are the normalized forms accepted for the USING and WITH CHECK
// expressions of the tenant policy.
var tenantPredicates = []string{
	"(organization_id=app_current_org_id())",
	"(organization_id=(nullif(current_setting('app.current_org_id',true),'')))",
}

// Finding is a single isolation defect.
type Finding struct {
	Table  string
	Code   FindingCode
	Detail string
}

func (f Finding) String() string {
	if f.Table == "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", f.Table, f.Code, f.Detail)
}

// AuditReport is the result of AuditIsolation.
type AuditReport struct {
	Role          string
	TablesChecked int
	Findings      []Finding
}

// OK reports whether the audit found nothing.
func (r *AuditReport) OK() bool {
	return len(r.Findings) == 0
}

// Codes returns the finding codes reported for table.
func (r *AuditReport) Codes(table string) []FindingCode {
	var codes []FindingCode
	for _, f := range r.Findings {
		if f.Table == table {
			codes = append(codes, f.Code)
		}
	}
	return codes
}

type policyFacts struct {
	Name       string
	Command    string // "*" is FOR ALL
	Permissive bool
	Using      string
	WithCheck  string
}

type constraintFacts struct {
	Name       string
	Type       string // p, u or f
	RefTable   string
	Columns    []string
	RefColumns []string
}

type tableFacts struct {
	Exists        bool
	RLSEnabled    bool
	RLSForced     bool
	HasOrgColumn  bool
	OrgNotNull    bool
	Policies      []policyFacts
	Constraints   []constraintFacts
	tenantTargets map[string]bool
}

// AuditIsolation inspects the catalog of the current schema and reports every tenant
// table whose isolation does not match the expected shape, plus roles and helper
// functions that would undermine it. q should be connected as the application role.
func AuditIsolation(ctx context.Context, q DBTX) (*AuditReport, error) {
	report := &AuditReport{}

	var super, bypass bool
	err := q.QueryRow(ctx,
		`SELECT current_user::text, rolsuper, rolbypassrls FROM pg_roles WHERE rolname = current_user`,
	).Scan(&report.Role, &super, &bypass)
	if err != nil {
		return nil, fmt.Errorf("failed to read role attributes: %w", err)
	}
	if super || bypass {
		report.Findings = append(report.Findings, Finding{
			Code:   FindingRoleBypassesRLS,
			Detail: fmt.Sprintf("role %s has SUPERUSER or BYPASSRLS; row security does not apply to it", report.Role),
		})
	}

	fnFindings, err := auditContextFunctions(ctx, q)
	if err != nil {
		return nil, err
	}
	report.Findings = append(report.Findings, fnFindings...)

	targets := make(map[string]bool, len(TenantTables))
	for _, t := range TenantTables {
		targets[t.Name] = true
	}

	for _, t := range TenantTables {
		facts, err := collectTableFacts(ctx, q, t.Name)
		if err != nil {
			return nil, err
		}
		facts.tenantTargets = targets
		report.Findings = append(report.Findings, evaluateTable(t, facts)...)
		report.TablesChecked++
	}

	rows, err := q.Query(ctx, `
		SELECT c.relname::text
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attname = 'organization_id' AND NOT a.attisdropped
		WHERE n.nspname = current_schema() AND c.relkind IN ('r', 'p')
		ORDER BY c.relname
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant tables: %w", err)
	}
	for _, name := range names {
		if !targets[name] {
			report.Findings = append(report.Findings, Finding{
				Table:  name,
				Code:   FindingUnregisteredTable,
				Detail: "table has organization_id but is not in the tenant table registry",
			})
		}
	}

	return report, nil
}

func auditContextFunctions(ctx context.Context, q DBTX) ([]Finding, error) {
	var findings []Finding
	for fn, setting := range contextFunctions {
		var def string
		err := q.QueryRow(ctx, `
			SELECT pg_get_functiondef(p.oid)
			FROM pg_proc p
			JOIN pg_namespace n ON n.oid = p.pronamespace
			WHERE n.nspname = current_schema() AND p.proname = $1
		`, fn).Scan(&def)
		if errors.Is(err, pgx.ErrNoRows) {
			findings = append(findings, Finding{Code: FindingUnsafeContextFunction, Detail: fn + " does not exist"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read function %s: %w", fn, err)
		}
		findings = append(findings, evaluateContextFunction(fn, setting, def)...)
	}
	slices.SortFunc(findings, func(a, b Finding) int { return strings.Compare(a.Detail, b.Detail) })
	return findings, nil
}

func evaluateContextFunction(fn, setting, def string) []Finding {
	var findings []Finding
	body := normalizeExpr(def)
	if strings.Contains(body, "coalesce(") {
		findings = append(findings, Finding{
			Code:   FindingUnsafeContextFunction,
			Detail: fn + " substitutes a default for an unset context",
		})
	}
	if !strings.Contains(body, "current_setting('"+setting+"',true)") {
		findings = append(findings, Finding{
			Code:   FindingUnsafeContextFunction,
			Detail: fn + " does not read " + setting + " with missing_ok",
		})
	}
	return findings
}

func collectTableFacts(ctx context.Context, q DBTX, table string) (tableFacts, error) {
	var (
		facts tableFacts
		oid   uint32
	)

	err := q.QueryRow(ctx, `
		SELECT c.oid, c.relrowsecurity, c.relforcerowsecurity
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relname = $1 AND c.relkind IN ('r', 'p')
	`, table).Scan(&oid, &facts.RLSEnabled, &facts.RLSForced)
	if errors.Is(err, pgx.ErrNoRows) {
		return facts, nil
	}
	if err != nil {
		return facts, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	facts.Exists = true

	err = q.QueryRow(ctx, `
		SELECT a.attnotnull FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attname = 'organization_id' AND NOT a.attisdropped
	`, oid).Scan(&facts.OrgNotNull)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return facts, fmt.Errorf("failed to read organization_id of %s: %w", table, err)
	default:
		facts.HasOrgColumn = true
	}

	rows, err := q.Query(ctx, `
		SELECT polname::text, polcmd::text, polpermissive,
			COALESCE(pg_get_expr(polqual, polrelid), ''),
			COALESCE(pg_get_expr(polwithcheck, polrelid), '')
		FROM pg_policy
		WHERE polrelid = $1
		ORDER BY polname
	`, oid)
	if err != nil {
		return facts, fmt.Errorf("failed to read policies of %s: %w", table, err)
	}
	facts.Policies, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (policyFacts, error) {
		var p policyFacts
		err := row.Scan(&p.Name, &p.Command, &p.Permissive, &p.Using, &p.WithCheck)
		return p, err
	})
	if err != nil {
		return facts, fmt.Errorf("failed to scan policies of %s: %w", table, err)
	}

	rows, err = q.Query(ctx, `
		SELECT con.conname::text, con.contype::text,
			CASE WHEN con.confrelid = 0 THEN '' ELSE (SELECT relname::text FROM pg_class WHERE oid = con.confrelid) END,
			ARRAY(
				SELECT a.attname::text
				FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
				ORDER BY k.ord
			),
			ARRAY(
				SELECT a.attname::text
				FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
				ORDER BY k.ord
			)
		FROM pg_constraint con
		WHERE con.conrelid = $1 AND con.contype IN ('p', 'u', 'f')
		ORDER BY con.conname
	`, oid)
	if err != nil {
		return facts, fmt.Errorf("failed to read constraints of %s: %w", table, err)
	}
	facts.Constraints, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (constraintFacts, error) {
		var c constraintFacts
		err := row.Scan(&c.Name, &c.Type, &c.RefTable, &c.Columns, &c.RefColumns)
		return c, err
	})
	if err != nil {
		return facts, fmt.Errorf("failed to scan constraints of %s: %w", table, err)
	}

	return facts, nil
}

// evaluateTable applies the isolation rules to the catalog facts of one table.
func evaluateTable(t TenantTable, facts tableFacts) []Finding {
	add := func(findings []Finding, code FindingCode, format string, args ...any) []Finding {
		return append(findings, Finding{Table: t.Name, Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	var findings []Finding
	if !facts.Exists {
		return add(findings, FindingMissingTable, "registered tenant table does not exist")
	}

	if !facts.RLSEnabled {
		findings = add(findings, FindingRLSDisabled, "row level security is not enabled")
	}
	if !facts.RLSForced {
		findings = add(findings, FindingRLSNotForced, "row level security is not forced; the table owner bypasses it")
	}
	if !facts.HasOrgColumn || !facts.OrgNotNull {
		findings = add(findings, FindingNullableOrganization, "organization_id is missing or nullable")
	}

	var forAll *policyFacts
	for i, p := range facts.Policies {
		if p.Command == "*" && p.Permissive {
			forAll = &facts.Policies[i]
			break
		}
	}
	if forAll == nil {
		findings = add(findings, FindingMissingForAllPolicy, "no permissive FOR ALL policy")
	} else {
		if !isTenantPredicate(forAll.Using) {
			findings = add(findings, FindingPolicyPredicate,
				"policy %s USING does not compare organization_id with app_current_org_id(): %s", forAll.Name, forAll.Using)
		}
		switch {
		case strings.TrimSpace(forAll.WithCheck) == "":
			findings = add(findings, FindingMissingWithCheck, "policy %s has no WITH CHECK expression", forAll.Name)
		case !isTenantPredicate(forAll.WithCheck):
			findings = add(findings, FindingPolicyPredicate,
				"policy %s WITH CHECK does not compare organization_id with app_current_org_id(): %s", forAll.Name, forAll.WithCheck)
		}
	}

	// Permissive policies are ORed together, so any other one widens what the tenant sees.
	for i, p := range facts.Policies {
		if p.Permissive && (forAll == nil || &facts.Policies[i] != forAll) {
			findings = add(findings, FindingExtraPermissive,
				"permissive policy %s is combined with the tenant policy by OR", p.Name)
		}
	}

	for _, p := range facts.Policies {
		for _, expr := range []string{p.Using, p.WithCheck} {
			norm := normalizeExpr(expr)
			if strings.Contains(norm, "coalesce(") {
				findings = add(findings, FindingCoalesceFallback, "policy %s substitutes a default for an unset context", p.Name)
				break
			}
			if unsafeContextRead(norm) {
				findings = add(findings, FindingUnsafeContextRead, "policy %s reads the context without missing_ok", p.Name)
				break
			}
		}
	}

	hasTenantKey := false
	for _, c := range facts.Constraints {
		if (c.Type == "u" || c.Type == "p") && sameColumns(c.Columns, []string{"id", "organization_id"}) {
			hasTenantKey = true
		}
	}
	if !hasTenantKey {
		findings = add(findings, FindingMissingTenantKey, "no unique key on (id, organization_id)")
	}

	for _, parent := range t.Parents {
		composite, single := false, false
		for _, c := range facts.Constraints {
			if c.Type != "f" || c.RefTable != parent.Table {
				continue
			}
			if isCompositeTenantFK(c, parent.Column) {
				composite = true
			} else if slices.Contains(c.Columns, parent.Column) && !slices.Contains(c.Columns, "organization_id") {
				single = true
			}
		}
		switch {
		case !composite && single:
			findings = add(findings, FindingSingleColumnTenantFK,
				"%s references %s without organization_id", parent.Column, parent.Table)
		case !composite:
			findings = add(findings, FindingMissingCompositeFK,
				"no foreign key (%s, organization_id) to %s", parent.Column, parent.Table)
		}
	}

	// Any other reference into a tenant table must carry the tenant column too.
	for _, c := range facts.Constraints {
		if c.Type != "f" || !facts.tenantTargets[c.RefTable] || slices.Contains(c.Columns, "organization_id") {
			continue
		}
		registered := false
		for _, parent := range t.Parents {
			if parent.Table == c.RefTable && slices.Contains(c.Columns, parent.Column) {
				registered = true
			}
		}
		if !registered {
			findings = add(findings, FindingSingleColumnTenantFK,
				"foreign key %s references %s without organization_id", c.Name, c.RefTable)
		}
	}

	return findings
}

func isCompositeTenantFK(c constraintFacts, column string) bool {
	if len(c.Columns) != 2 || len(c.RefColumns) != 2 {
		return false
	}
	pairs := map[string]string{}
	for i := range c.Columns {
		pairs[c.Columns[i]] = c.RefColumns[i]
	}
	return pairs[column] == "id" && pairs["organization_id"] == "organization_id"
}

func isTenantPredicate(expr string) bool {
	return slices.Contains(tenantPredicates, normalizeExpr(expr))
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// normalizeExpr lowercases an expression and drops whitespace and casts so that textual
// checks do not depend on how the catalog prints it.
func normalizeExpr(expr string) string {
	expr = strings.ToLower(expr)
	expr = strings.NewReplacer("::text", "", "::uuid", "").Replace(expr)
	return strings.Join(strings.Fields(expr), "")
}

// unsafeContextRead reports a current_setting call that is not given missing_ok = true.
func unsafeContextRead(norm string) bool {
	rest := norm
	for {
		i := strings.Index(rest, "current_setting(")
		if i < 0 {
			return false
		}
		rest = rest[i+len("current_setting("):]
		end := strings.Index(rest, ")")
		if end < 0 {
			return true
		}
		if !strings.HasSuffix(rest[:end], ",true") {
			return true
		}
		rest = rest[end:]
	}
}
