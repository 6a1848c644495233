package concepts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
)

func TestAllRegisters(t *testing.T) {
	req, all := All(openTestState(t))
	require.NotNil(t, req)

	reg, err := concept.NewRegistry(all...)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Requesting", "Sessioning", "UserAuthentication", "Friending", "Blocking",
		"Preferencing", "Scheduling", "CourseCatalog", "Grouping",
	}, reg.Concepts())
	assert.True(t, reg.Has(ir.ActionRef("Friending._areTheyFriends")))
	assert.True(t, reg.Has(ir.ActionRef("Requesting.respond")))
}

func TestOpenStateTwice(t *testing.T) {
	path := t.TempDir() + "/state.db"
	st, err := OpenState(path)
	require.NoError(t, err)
	mustAct(t, NewSessioning(st), "create", ir.IRObject{"user": s("u1")})
	require.NoError(t, st.Close())

	st, err = OpenState(path)
	require.NoError(t, err)
	defer st.Close()

	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSessioning(t *testing.T) {
	c := NewSessioning(openTestState(t))

	out := mustAct(t, c, "create", ir.IRObject{"user": s("alice")})
	session := out["session"]
	require.IsType(t, ir.IRString(""), session)

	rows := query(t, c, "_getUser", ir.IRObject{"session": session})
	assert.Equal(t, []ir.IRObject{{"user": s("alice")}}, rows)

	assert.Empty(t, query(t, c, "_getUser", ir.IRObject{"session": s("nope")}))

	mustAct(t, c, "delete", ir.IRObject{"session": session})
	assert.Empty(t, query(t, c, "_getUser", ir.IRObject{"session": session}))
	assert.Equal(t, "Session not found.", failWith(t, c, "delete", ir.IRObject{"session": session}))
}

func TestMissingArgumentIsFailure(t *testing.T) {
	c := NewSessioning(openTestState(t))
	assert.Equal(t, "Missing argument: user.", failWith(t, c, "create", ir.IRObject{}))
	assert.Equal(t, "Argument user must be a string.", failWith(t, c, "create", ir.IRObject{"user": ir.IRInt(3)}))
}

func TestUserAuthentication(t *testing.T) {
	c := NewUserAuthentication(openTestState(t))
	c.Cost = bcrypt.MinCost

	out := mustAct(t, c, "register", ir.IRObject{"username": s("bob"), "password": s("hunter2")})
	bob := out["user"]

	assert.Equal(t, "Username already taken.",
		failWith(t, c, "register", ir.IRObject{"username": s("bob"), "password": s("x")}))

	got := mustAct(t, c, "authenticate", ir.IRObject{"username": s("bob"), "password": s("hunter2")})
	assert.Equal(t, bob, got["user"])

	assert.Equal(t, "Invalid username or password.",
		failWith(t, c, "authenticate", ir.IRObject{"username": s("bob"), "password": s("wrong")}))
	assert.Equal(t, "Invalid username or password.",
		failWith(t, c, "authenticate", ir.IRObject{"username": s("carol"), "password": s("x")}))

	assert.Equal(t, []ir.IRObject{{"user": bob}},
		query(t, c, "_getUserByUsername", ir.IRObject{"username": s("bob")}))
	assert.Equal(t, []ir.IRObject{{"username": s("bob")}},
		query(t, c, "_getUsername", ir.IRObject{"user": bob}))
	assert.Empty(t, query(t, c, "_getUserByUsername", ir.IRObject{"username": s("carol")}))
}

func TestFriending(t *testing.T) {
	c := NewFriending(openTestState(t))
	pair := func(a, b string) ir.IRObject { return ir.IRObject{"requester": s(a), "requestee": s(b)} }

	assert.Equal(t, "Cannot send a friend request to oneself.", failWith(t, c, "requestFriend", pair("alice", "alice")))

	mustAct(t, c, "requestFriend", pair("alice", "bob"))
	assert.Equal(t, "A friend request already exists.", failWith(t, c, "requestFriend", pair("alice", "bob")))
	assert.Equal(t, "A friend request already exists.", failWith(t, c, "requestFriend", pair("bob", "alice")))

	assert.Equal(t, []ir.IRObject{{"requester": s("alice")}},
		query(t, c, "_getAllIncomingFriendRequests", ir.IRObject{"user": s("bob")}))
	assert.Equal(t, []ir.IRObject{{"requestee": s("bob")}},
		query(t, c, "_getAllOutgoingFriendRequests", ir.IRObject{"user": s("alice")}))

	assert.Equal(t, "No pending friend request found.", failWith(t, c, "acceptFriend", pair("bob", "alice")))
	mustAct(t, c, "acceptFriend", pair("alice", "bob"))

	assert.Equal(t, []ir.IRObject{{"areFriends": ir.IRBool(true)}},
		query(t, c, "_areTheyFriends", ir.IRObject{"user1": s("bob"), "user2": s("alice")}))
	assert.Equal(t, []ir.IRValue{s("bob")}, column(query(t, c, "_getAllFriends", ir.IRObject{"user": s("alice")}), "friend"))
	assert.Empty(t, query(t, c, "_getAllIncomingFriendRequests", ir.IRObject{"user": s("bob")}))
	assert.Equal(t, "Users are already friends.", failWith(t, c, "requestFriend", pair("bob", "alice")))

	remove := ir.IRObject{"remover": s("bob"), "removed": s("alice")}
	mustAct(t, c, "removeFriend", remove)
	assert.Equal(t, "These users are not friends.", failWith(t, c, "removeFriend", remove))
	assert.Equal(t, []ir.IRObject{{"areFriends": ir.IRBool(false)}},
		query(t, c, "_areTheyFriends", ir.IRObject{"user1": s("alice"), "user2": s("bob")}))

	mustAct(t, c, "requestFriend", pair("carol", "alice"))
	mustAct(t, c, "rejectFriend", pair("carol", "alice"))
	assert.Equal(t, "No pending friend request found to reject.", failWith(t, c, "rejectFriend", pair("carol", "alice")))
}

func TestBlocking(t *testing.T) {
	c := NewBlocking(openTestState(t))
	block := ir.IRObject{"blocker": s("a"), "userToBlock": s("b")}

	assert.Equal(t, "Cannot block oneself.", failWith(t, c, "blockUser", ir.IRObject{"blocker": s("a"), "userToBlock": s("a")}))

	mustAct(t, c, "blockUser", block)
	mustAct(t, c, "blockUser", block)
	mustAct(t, c, "blockUser", ir.IRObject{"blocker": s("a"), "userToBlock": s("c")})

	assert.Equal(t, []ir.IRObject{{"result": ir.IRBool(true)}},
		query(t, c, "_isUserBlocked", ir.IRObject{"primaryUser": s("a"), "secondaryUser": s("b")}))
	assert.Equal(t, []ir.IRObject{{"result": ir.IRBool(false)}},
		query(t, c, "_isUserBlocked", ir.IRObject{"primaryUser": s("b"), "secondaryUser": s("a")}))
	assert.Equal(t, []ir.IRValue{s("b"), s("c")}, column(query(t, c, "_blockedUsers", ir.IRObject{"user": s("a")}), "user"))

	mustAct(t, c, "unblockUser", ir.IRObject{"blocker": s("a"), "userToUnblock": s("b")})
	assert.Equal(t, "User is not blocked.", failWith(t, c, "unblockUser", ir.IRObject{"blocker": s("a"), "userToUnblock": s("b")}))
}

func TestPreferencing(t *testing.T) {
	c := NewPreferencing(openTestState(t))

	mustAct(t, c, "addScore", ir.IRObject{"user": s("u"), "item": s("6.1040"), "score": ir.IRInt(3)})
	mustAct(t, c, "addScore", ir.IRObject{"user": s("u"), "item": s("6.1040"), "score": ir.IRInt(5)})
	mustAct(t, c, "addScore", ir.IRObject{"user": s("u"), "item": s("18.06"), "score": ir.IRInt(1)})

	assert.Equal(t, []ir.IRObject{{"score": ir.IRInt(5)}},
		query(t, c, "_getScore", ir.IRObject{"user": s("u"), "item": s("6.1040")}))
	assert.Equal(t, []ir.IRValue{s("6.1040"), s("18.06")}, column(query(t, c, "_getAllItems", ir.IRObject{"user": s("u")}), "item"))

	mustAct(t, c, "removeScore", ir.IRObject{"user": s("u"), "item": s("6.1040")})
	assert.Empty(t, query(t, c, "_getScore", ir.IRObject{"user": s("u"), "item": s("6.1040")}))
	assert.Equal(t, "User has not scored this item.",
		failWith(t, c, "removeScore", ir.IRObject{"user": s("u"), "item": s("6.1040")}))

	assert.Equal(t, "Argument score must be an integer.",
		failWith(t, c, "addScore", ir.IRObject{"user": s("u"), "item": s("x"), "score": s("high")}))
}

func TestScheduling(t *testing.T) {
	c := NewScheduling(openTestState(t))
	for _, ev := range []string{"e1", "e2", "e3"} {
		mustAct(t, c, "scheduleEvent", ir.IRObject{"user": s("a"), "event": s(ev)})
	}
	for _, ev := range []string{"e3", "e1"} {
		mustAct(t, c, "scheduleEvent", ir.IRObject{"user": s("b"), "event": s(ev)})
	}
	assert.Equal(t, "Event already scheduled.", failWith(t, c, "scheduleEvent", ir.IRObject{"user": s("a"), "event": s("e1")}))

	assert.Equal(t, []ir.IRValue{s("e1"), s("e2"), s("e3")},
		column(query(t, c, "_getUserSchedule", ir.IRObject{"user": s("a")}), "event"))
	assert.Equal(t, []ir.IRValue{s("e1"), s("e3")},
		column(query(t, c, "_getScheduleComparison", ir.IRObject{"user1": s("a"), "user2": s("b")}), "event"))

	mustAct(t, c, "unscheduleEvent", ir.IRObject{"user": s("a"), "event": s("e2")})
	assert.Equal(t, "Event not scheduled.", failWith(t, c, "unscheduleEvent", ir.IRObject{"user": s("a"), "event": s("e2")}))
}

func meeting(kind, start, end string, days ...string) ir.IRObject {
	d := make(ir.IRArray, len(days))
	for i, day := range days {
		d[i] = s(day)
	}
	return ir.IRObject{
		"type":  s(kind),
		"times": ir.IRObject{"days": d, "startTime": s(start), "endTime": s(end)},
	}
}

func TestCourseCatalog(t *testing.T) {
	c := NewCourseCatalog(openTestState(t))

	out := mustAct(t, c, "createOrGetCourse", ir.IRObject{
		"name": s("6.1040"),
		"events": ir.IRArray{
			meeting("Lecture", "11:00", "12:30", "Monday", "Wednesday"),
			meeting("Recitation", "13:00", "14:00", "Friday"),
		},
	})
	course := out["course"]

	var lecture ir.IRValue
	for _, ev := range eventsOf(t, c, course) {
		if ev["type"] == s("Lecture") {
			lecture = ev["event"]
		}
	}
	require.NotNil(t, lecture)

	info := query(t, c, "_getEventInfo", ir.IRObject{"event": lecture})
	require.Len(t, info, 1)
	assert.Equal(t, course, info[0]["course"])
	assert.Equal(t, s("6.1040"), info[0]["name"])
	assert.Equal(t, s("Lecture"), info[0]["type"])
	assert.Equal(t, s("11:00"), info[0]["times"].(ir.IRObject)["startTime"])

	// Redefining keeps the lecture's ID and drops the recitation.
	again := mustAct(t, c, "createOrGetCourse", ir.IRObject{
		"name":   s("6.1040"),
		"events": ir.IRArray{meeting("Lecture", "09:30", "11:00", "Tuesday")},
	})
	assert.Equal(t, course, again["course"])
	events := eventsOf(t, c, course)
	require.Len(t, events, 1)
	assert.Equal(t, lecture, events[0]["event"])

	assert.Equal(t, []ir.IRObject{{"course": course, "name": s("6.1040")}}, query(t, c, "_getCourses", ir.IRObject{}))

	msg := failWith(t, c, "createOrGetCourse", ir.IRObject{
		"name":   s("18.06"),
		"events": ir.IRArray{meeting("Lab", "14:00", "14:00")},
	})
	assert.Contains(t, msg, "startTime must be before endTime")

	mustAct(t, c, "removeCourse", ir.IRObject{"course": course})
	assert.Empty(t, query(t, c, "_getEventInfo", ir.IRObject{"event": lecture}))
	assert.Contains(t, failWith(t, c, "removeCourse", ir.IRObject{"course": course}), "not found")
}

func eventsOf(t *testing.T, c *CourseCatalog, course ir.IRValue) []ir.IRObject {
	t.Helper()
	rows, err := c.st.query(context.Background(), courseEvents, ir.IRObject{"course": course})
	require.NoError(t, err)
	return rows
}

func TestGrouping(t *testing.T) {
	c := NewGrouping(openTestState(t))

	out := mustAct(t, c, "createGroup", ir.IRObject{"name": s("study"), "admin": s("ann")})
	g := out["group"]
	in := func(k, v string) ir.IRObject { return ir.IRObject{"group": g, k: s(v)} }

	assert.Equal(t, []ir.IRObject{{"isAdmin": ir.IRBool(true)}}, query(t, c, "_isGroupAdmin", in("user", "ann")))
	assert.Equal(t, []ir.IRObject{{"isAdmin": ir.IRBool(false)}}, query(t, c, "_isGroupAdmin", in("user", "ben")))

	mustAct(t, c, "requestToJoin", in("requester", "ben"))
	assert.Equal(t, "A join request already exists.", failWith(t, c, "requestToJoin", in("requester", "ben")))
	assert.Equal(t, "User is already a member of this group.", failWith(t, c, "requestToJoin", in("requester", "ann")))
	assert.Equal(t, []ir.IRObject{{"requestingUser": s("ben")}}, query(t, c, "_getGroupRequests", ir.IRObject{"group": g}))
	assert.Equal(t, []ir.IRObject{{"group": g}}, query(t, c, "_getUserRequests", ir.IRObject{"user": s("ben")}))

	mustAct(t, c, "confirmRequest", in("requester", "ben"))
	assert.Equal(t, "No pending join request found.", failWith(t, c, "confirmRequest", in("requester", "ben")))
	assert.Equal(t, []ir.IRValue{s("ann"), s("ben")}, column(query(t, c, "_getMembers", ir.IRObject{"group": g}), "member"))
	assert.Equal(t, []ir.IRObject{{"inGroup": ir.IRBool(true)}}, query(t, c, "_isGroupMember", in("user", "ben")))
	assert.Equal(t, []ir.IRObject{{"group": g}}, query(t, c, "_getUserGroups", ir.IRObject{"user": s("ben")}))

	mustAct(t, c, "requestToJoin", in("requester", "cat"))
	mustAct(t, c, "declineRequest", in("requester", "cat"))
	assert.Empty(t, query(t, c, "_getGroupRequests", ir.IRObject{"group": g}))

	assert.Equal(t, "Cannot remove the group admin.", failWith(t, c, "removeMember", in("member", "ann")))
	mustAct(t, c, "removeMember", in("member", "ben"))
	assert.Equal(t, "User is not a member of this group.", failWith(t, c, "removeMember", in("member", "ben")))

	mustAct(t, c, "renameGroup", ir.IRObject{"group": g, "newName": s("reading")})
	assert.Equal(t, []ir.IRObject{{"name": s("reading")}}, query(t, c, "_getGroupName", ir.IRObject{"group": g}))

	mustAct(t, c, "deleteGroup", ir.IRObject{"group": g})
	assert.Empty(t, query(t, c, "_getMembers", ir.IRObject{"group": g}))
	assert.Equal(t, "Group not found.", failWith(t, c, "requestToJoin", in("requester", "dan")))
}

func TestGroupingRoles(t *testing.T) {
	c := NewGrouping(openTestState(t))
	g := mustAct(t, c, "createGroup", ir.IRObject{"name": s("study"), "admin": s("ann")})["group"]
	role := func(member, newRole string) ir.IRObject {
		return ir.IRObject{"group": g, "member": s(member), "newRole": s(newRole)}
	}
	admins := func() []ir.IRValue { return column(query(t, c, "_getAdmins", ir.IRObject{"group": g}), "admin") }

	assert.Equal(t, []ir.IRValue{s("ann")}, admins())
	assert.Equal(t, "User is not a member of this group.", failWith(t, c, "adjustRole", role("ben", "admin")))
	assert.Equal(t, "A group must keep at least one admin.", failWith(t, c, "adjustRole", role("ann", "member")))

	mustAct(t, c, "requestToJoin", ir.IRObject{"group": g, "requester": s("ben")})
	mustAct(t, c, "confirmRequest", ir.IRObject{"group": g, "requester": s("ben")})
	assert.Equal(t, "Role must be admin or member.", failWith(t, c, "adjustRole", role("ben", "owner")))

	mustAct(t, c, "adjustRole", role("ben", "admin"))
	assert.Equal(t, []ir.IRValue{s("ann"), s("ben")}, admins())
	assert.Equal(t, []ir.IRObject{{"isAdmin": ir.IRBool(true)}}, query(t, c, "_isGroupAdmin", ir.IRObject{"group": g, "user": s("ben")}))

	mustAct(t, c, "adjustRole", role("ann", "member"))
	assert.Equal(t, []ir.IRValue{s("ben")}, admins())
	assert.Equal(t, []ir.IRObject{{"isAdmin": ir.IRBool(false)}}, query(t, c, "_isGroupAdmin", ir.IRObject{"group": g, "user": s("ann")}))
	mustAct(t, c, "removeMember", ir.IRObject{"group": g, "member": s("ann")})

	assert.Equal(t, "Group not found.", failWith(t, c, "adjustRole", ir.IRObject{"group": s("nope"), "member": s("ben"), "newRole": s("member")}))
	assert.Empty(t, query(t, c, "_getAdmins", ir.IRObject{"group": s("nope")}))
}
