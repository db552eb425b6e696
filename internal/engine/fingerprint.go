package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"threatwatch/internal/rules"
)

// Fingerprint identifies a verdict independently of when it was found:
// user, threat type, the sorted anchor ids and the rule version. Evidence
// that joins a cluster after its threshold was met does not change it.
func Fingerprint(userID string, v rules.Verdict) string {
	ids := v.AnchorIDs()
	sort.Strings(ids)
	parts := []string{
		userID,
		string(v.ThreatType),
		strings.Join(ids, ","),
		v.RuleID + "@" + strconv.Itoa(v.RuleVersion),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// fingerprintCache remembers fingerprints known to be stored so repeated
// runs skip the store lookup for them.
type fingerprintCache struct {
	items *lru.Cache[string, struct{}]
}

func newFingerprintCache(size int) *fingerprintCache {
	if size <= 0 {
		size = 100000
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return &fingerprintCache{}
	}
	return &fingerprintCache{items: c}
}

func (c *fingerprintCache) Seen(fp string) bool {
	if c.items == nil {
		return false
	}
	return c.items.Contains(fp)
}

func (c *fingerprintCache) Add(fp string) {
	if c.items == nil {
		return
	}
	c.items.Add(fp, struct{}{})
}
