package identity

import "strings"

// RawUser is the record supplied by the identity provider: a stable id, the
// account email and the free-form profile metadata attached to the session.
type RawUser struct {
	ID       string
	Email    string
	Metadata map[string]any
}

// Resolve turns a raw provider record plus the directory's role assignments
// into an Identity. It is a pure function of its inputs: same inputs always
// produce the same identity, and malformed assignment data degrades to an
// identity with no grants rather than an error.
func Resolve(raw RawUser, assignments []RoleAssignment) Identity {
	first, last := ExtractName(raw.Metadata)
	id := Identity{
		ID:        strings.TrimSpace(raw.ID),
		Email:     strings.TrimSpace(raw.Email),
		FirstName: first,
		LastName:  last,
	}
	for _, a := range assignments {
		if strings.TrimSpace(a.Role.Name) == "" {
			continue
		}
		id.RoleAssignments = append(id.RoleAssignments, a)
	}
	return id
}

// ExtractName resolves first/last name from provider metadata. Fallback
// order, first non-empty wins per field:
//
//  1. explicit first_name / last_name keys,
//  2. whitespace split of full_name (first token / remaining tokens),
//  3. the same split applied to a generic name key.
//
// Fields still missing after all fallbacks resolve to the empty string.
func ExtractName(metadata map[string]any) (first, last string) {
	first = metaString(metadata, "first_name")
	last = metaString(metadata, "last_name")
	for _, key := range []string{"full_name", "name"} {
		if first != "" && last != "" {
			break
		}
		f, l := splitFullName(metaString(metadata, key))
		if first == "" {
			first = f
		}
		if last == "" {
			last = l
		}
	}
	return first, last
}

func splitFullName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func metaString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	v, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
