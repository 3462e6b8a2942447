// Package conflict computes file-level contention from the current task
// set and static ownership zones.
package conflict

import (
	"regexp"
	"strings"

	"github.com/conductorhq/conductor/internal/domain"
)

// ZoneManager matches repository paths against an ordered list of
// ownership zones. Order matters: the first matching zone wins, so more
// specific patterns must be listed first.
type ZoneManager struct {
	zones    []domain.Zone
	compiled []*regexp.Regexp
}

// NewZoneManager compiles the zone patterns. Patterns that fail to
// compile match nothing.
func NewZoneManager(zones []domain.Zone) *ZoneManager {
	zm := &ZoneManager{zones: zones}
	for _, z := range zones {
		zm.compiled = append(zm.compiled, compileGlob(z.Pattern))
	}
	return zm
}

// compileGlob translates a zone glob to a regexp: ** matches any path
// segments, * matches within a segment, ? matches one character.
func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

// Zones returns the configured zones in declaration order.
func (zm *ZoneManager) Zones() []domain.Zone { return zm.zones }

// GetFileOwner returns the owner of the first zone matching the path,
// or empty when no zone matches or the matching zone has no owner.
func (zm *ZoneManager) GetFileOwner(path string) string {
	for i, re := range zm.compiled {
		if re != nil && re.MatchString(path) {
			return zm.zones[i].Owner
		}
	}
	return ""
}

// CanModify reports whether an agent may modify a path: denied if any
// matching zone is read-only, or owned by a different agent.
func (zm *ZoneManager) CanModify(path, agentID string) bool {
	for i, re := range zm.compiled {
		if re == nil || !re.MatchString(path) {
			continue
		}
		z := zm.zones[i]
		if z.ReadOnly {
			return false
		}
		if z.Owner != "" && z.Owner != agentID {
			return false
		}
	}
	return true
}
