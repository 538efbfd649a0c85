// Package rights computes the scoped capability grant a job carries while it
// runs and checks callbacks from the job against it.
package rights

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/virtool/jobrunner/pkg/models"
)

// ErrInvalidRight is returned for a required right with no concrete object.
var ErrInvalidRight = errors.New("right must name a concrete object")

// InsufficientRightsError lists the required rights the creating user does
// not hold. No job is created when it is returned.
type InsufficientRightsError struct {
	UserID  string
	Missing []models.Right
}

func (e *InsufficientRightsError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		parts[i] = r.String()
	}
	return fmt.Sprintf("user %s lacks rights: %s", e.UserID, strings.Join(parts, ", "))
}

// Policy decides whether a user's permission set covers a right.
type Policy struct {
	// AdministratorBypass lets administrators satisfy every check regardless
	// of their explicit grants.
	AdministratorBypass bool
}

// Can reports whether perms covers r. A grant with the wildcard object id
// covers every object of its type.
func (p Policy) Can(perms models.UserPermissions, r models.Right) bool {
	if p.AdministratorBypass && perms.Administrator {
		return true
	}
	for _, g := range perms.Grants {
		if g.ObjectType != r.ObjectType || g.Capability != r.Capability {
			continue
		}
		if g.ObjectID == r.ObjectID || g.ObjectID == models.WildcardID {
			return true
		}
	}
	return false
}

// Compute returns the grant for a job needing required. The grant is
// exactly the deduplicated required set, so it can never exceed what the
// user holds; any gap fails the whole computation.
func (p Policy) Compute(perms models.UserPermissions, required []models.Right) ([]models.Right, error) {
	grant := Normalize(required)

	var missing []models.Right
	for _, r := range grant {
		if r.ObjectID == "" || r.ObjectID == models.WildcardID {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRight, r)
		}
		if !p.Can(perms, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, &InsufficientRightsError{UserID: perms.UserID, Missing: missing}
	}
	return grant, nil
}

// Normalize deduplicates rights and sorts them by type, object and capability.
func Normalize(rs []models.Right) []models.Right {
	seen := make(map[models.Right]struct{}, len(rs))
	out := make([]models.Right, 0, len(rs))
	for _, r := range rs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ObjectType != b.ObjectType {
			return a.ObjectType < b.ObjectType
		}
		if a.ObjectID != b.ObjectID {
			return a.ObjectID < b.ObjectID
		}
		return a.Capability < b.Capability
	})
	return out
}

// Has reports whether a job grant contains r. Job grants are concrete, so
// only exact matches count.
func Has(grant []models.Right, r models.Right) bool {
	for _, g := range grant {
		if g == r {
			return true
		}
	}
	return false
}
