package rules

import (
	"path"
	"regexp"
	"strings"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

// Patterns classifies files and queries. Matching is case-insensitive.
//
// A restricted file entry ending in "/" matches any path under that
// directory; other entries match the full path or its base name. Query
// patterns are substrings after whitespace folding; "..." inside a pattern
// matches anything, so "copy ... to" needs both parts in order.
type Patterns struct {
	restrictedFiles []string
	sensitiveTable  *regexp.Regexp
	privilege       [][]string
	bulkExport      [][]string
}

func NewPatterns(cfg config.DetectionConfig) *Patterns {
	p := &Patterns{}
	for _, f := range cfg.RestrictedFiles {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			p.restrictedFiles = append(p.restrictedFiles, f)
		}
	}
	var tables []string
	for _, t := range cfg.SensitiveTables {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, regexp.QuoteMeta(strings.ToLower(t)))
		}
	}
	if len(tables) > 0 {
		p.sensitiveTable = regexp.MustCompile(
			`\b(?:from|into|update|join|table)\s+["'` + "`" + `]?(?:\w+\.)?(?:` + strings.Join(tables, "|") + `)\b`)
	}
	p.privilege = splitPatterns(cfg.PrivilegeQueries)
	p.bulkExport = splitPatterns(cfg.BulkExportPatterns)
	return p
}

func splitPatterns(values []string) [][]string {
	out := make([][]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(v)
		if strings.TrimSpace(v) == "" {
			continue
		}
		parts := strings.Split(v, "...")
		for i := range parts {
			parts[i] = foldSpaces(parts[i], false)
		}
		out = append(out, parts)
	}
	return out
}

// foldSpaces collapses whitespace runs to one space. Leading and trailing
// spaces survive so "grant " does not match "granted".
func foldSpaces(s string, trim bool) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			space = true
			continue
		}
		if space && (b.Len() > 0 || !trim) {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	if space && !trim {
		b.WriteByte(' ')
	}
	return b.String()
}

func normalizeQuery(q string) string {
	return " " + foldSpaces(strings.ToLower(q), true) + " "
}

func matchesAny(query string, patterns [][]string) bool {
	for _, parts := range patterns {
		rest := query
		ok := true
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				continue
			}
			idx := strings.Index(rest, part)
			if idx < 0 {
				ok = false
				break
			}
			rest = rest[idx+len(part):]
		}
		if ok {
			return true
		}
	}
	return false
}

func (p *Patterns) IsRestrictedFile(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	base := path.Base(name)
	for _, f := range p.restrictedFiles {
		if strings.HasSuffix(f, "/") {
			if strings.Contains(name, f) || strings.HasPrefix(name, strings.TrimPrefix(f, "/")) {
				return true
			}
			continue
		}
		if name == f || base == f || strings.HasSuffix(name, "/"+strings.TrimPrefix(f, "/")) {
			return true
		}
	}
	return false
}

func (p *Patterns) TouchesSensitiveTable(query string) bool {
	if p.sensitiveTable == nil {
		return false
	}
	return p.sensitiveTable.MatchString(strings.ToLower(query))
}

func (p *Patterns) IsPrivilegeQuery(query string) bool {
	return matchesAny(normalizeQuery(query), p.privilege)
}

func (p *Patterns) IsBulkExport(query string) bool {
	return matchesAny(normalizeQuery(query), p.bulkExport)
}

// IsSensitiveAccess is a restricted file read or a query against a
// sensitive table.
func (p *Patterns) IsSensitiveAccess(ev model.LogEvent) bool {
	switch ev.Action {
	case model.ActionFileAccess:
		return p.IsRestrictedFile(ev.File())
	case model.ActionDatabaseQuery:
		return p.TouchesSensitiveTable(ev.Query())
	}
	return false
}
