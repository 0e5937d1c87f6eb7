package core

import "strings"

// ACLOperation names a job operation guarded by an access control list.
type ACLOperation string

const (
	ACLViewJob   ACLOperation = "VIEW_JOB"
	ACLModifyJob ACLOperation = "MODIFY_JOB"
)

// ACL is a list of users allowed to perform one operation. The wildcard "*"
// admits everyone.
type ACL struct {
	All   bool
	Users []string
}

// ParseACL parses a comma or space separated user list. A single "*" grants
// access to all users.
func ParseACL(s string) ACL {
	s = strings.TrimSpace(s)
	if s == "*" {
		return ACL{All: true}
	}
	var users []string
	for _, u := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return ACL{Users: users}
}

// Allows reports whether user is named by the list.
func (a ACL) Allows(user string) bool {
	if a.All {
		return true
	}
	for _, u := range a.Users {
		if u == user {
			return true
		}
	}
	return false
}

// CheckAccess decides whether user may perform op on a job owned by owner.
// With ACLs disabled everything is allowed. The owner always retains access
// to their own job, and an operation with no configured list is open.
func CheckAccess(enabled bool, owner string, acls map[ACLOperation]ACL, user string, op ACLOperation) bool {
	if !enabled {
		return true
	}
	if user == owner {
		return true
	}
	acl, ok := acls[op]
	if !ok {
		return true
	}
	return acl.Allows(user)
}
