package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// parseTenant splits a raw username of the form "<role><sep><payload>"
// into the backend role and the per-connection context values encoded
// in payload. payload is always split on valueSep and must yield exactly
// one non-empty value per configured context variable, so a single
// context variable's value cannot itself contain valueSep.
func parseTenant(rawUser, tenantSep, valueSep string, contextVars []string) (actualUser string, contextValues []string, err error) {
	idx := strings.Index(rawUser, tenantSep)
	if idx < 0 {
		return "", nil, fmt.Errorf("username must contain context values separated by %q", tenantSep)
	}
	actualUser = rawUser[:idx]
	payload := rawUser[idx+len(tenantSep):]
	if actualUser == "" || payload == "" {
		return "", nil, fmt.Errorf("empty role or context in username")
	}

	values := strings.Split(payload, valueSep)

	if len(values) != len(contextVars) {
		return "", nil, fmt.Errorf("expected %d context value(s), got %d", len(contextVars), len(values))
	}
	for _, v := range values {
		if v == "" {
			return "", nil, fmt.Errorf("empty context value in username")
		}
	}
	return actualUser, values, nil
}

// buildStaticContext pairs each configured context variable with the
// value extracted from the username, producing the map resolvers will
// read from and add to.
func buildStaticContext(contextVars, contextValues []string) map[string]*string {
	m := make(map[string]*string, len(contextVars))
	for i, name := range contextVars {
		val := contextValues[i]
		m[name] = &val
	}
	return m
}

// buildInjectionSQL renders the batched SET statements for every
// context variable plus a trailing SET ROLE, in a deterministic
// (sorted) order.
func buildInjectionSQL(targetRole string, contextMap map[string]*string) (string, error) {
	keys := make([]string, 0, len(contextMap))
	for k := range contextMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		v := contextMap[k]
		if v == nil {
			clauses = append(clauses, fmt.Sprintf("SET %s = ''", k))
		} else {
			clauses = append(clauses, fmt.Sprintf("SET %s = %s", k, wire.EscapeSetValue(*v)))
		}
	}

	roleIdent, err := wire.QuoteIdent(targetRole)
	if err != nil {
		return "", err
	}
	clauses = append(clauses, "SET ROLE "+roleIdent)
	return strings.Join(clauses, "; ") + ";", nil
}
