package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseACL(t *testing.T) {
	assert.True(t, ParseACL("*").All)
	assert.Equal(t, []string{"alice", "bob"}, ParseACL("alice,bob").Users)
	assert.Equal(t, []string{"alice", "bob"}, ParseACL(" alice, bob ").Users)
	assert.Empty(t, ParseACL("").Users)
}

func TestCheckAccessDisabledAllowsEveryone(t *testing.T) {
	acls := map[ACLOperation]ACL{ACLViewJob: ParseACL("alice")}
	assert.True(t, CheckAccess(false, "owner", acls, "mallory", ACLViewJob))
}

func TestCheckAccessOwnerAlwaysAllowed(t *testing.T) {
	acls := map[ACLOperation]ACL{ACLModifyJob: ParseACL("alice")}
	assert.True(t, CheckAccess(true, "owner", acls, "owner", ACLModifyJob))
}

func TestCheckAccessListedUser(t *testing.T) {
	acls := map[ACLOperation]ACL{ACLModifyJob: ParseACL("alice,bob")}
	assert.True(t, CheckAccess(true, "owner", acls, "alice", ACLModifyJob))
	assert.False(t, CheckAccess(true, "owner", acls, "mallory", ACLModifyJob))
}

func TestCheckAccessUnconfiguredOperationIsOpen(t *testing.T) {
	acls := map[ACLOperation]ACL{ACLModifyJob: ParseACL("alice")}
	assert.True(t, CheckAccess(true, "owner", acls, "mallory", ACLViewJob))
}

func TestCheckAccessWildcard(t *testing.T) {
	acls := map[ACLOperation]ACL{ACLViewJob: ParseACL("*")}
	assert.True(t, CheckAccess(true, "owner", acls, "anyone", ACLViewJob))
}
