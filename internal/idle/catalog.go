// Package idle runs the avatar's autonomous idle-motion loop.
package idle

import (
	"math/rand"
	"strings"
)

// DefaultMotions are the idle groups shipped with the stock character models
var DefaultMotions = []string{"Idle", "Idle_A", "Idle_B", "Standby", "Breath"}

// Catalog is an immutable set of motion names eligible for idle playback
type Catalog struct {
	names []string
}

// NewCatalog builds a catalog, dropping blanks and duplicates
func NewCatalog(names ...string) *Catalog {
	seen := make(map[string]bool, len(names))
	c := &Catalog{names: make([]string, 0, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		c.names = append(c.names, n)
	}
	return c
}

// DefaultCatalog returns a catalog of DefaultMotions
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultMotions...)
}

// Names returns a copy of the catalog entries
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Len returns the number of idle motions
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// IsIdle reports whether a motion directive names an idle motion. The
// literal "idle" always counts, whatever the catalog holds.
func (c *Catalog) IsIdle(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "idle") {
		return true
	}
	if c == nil {
		return false
	}
	for _, n := range c.names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Pick chooses an entry uniformly at random
func (c *Catalog) Pick(rng *rand.Rand) (string, bool) {
	if c.Len() == 0 {
		return "", false
	}
	return c.names[rng.Intn(len(c.names))], true
}
