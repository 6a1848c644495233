package concepts

import (
	"context"
	"database/sql"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	groupByID = queryir.Select{
		From:   "study_groups",
		Filter: queryir.Where("id", "group"),
		Fields: map[string]string{"name": "name"},
	}
	groupMembers = queryir.Select{
		From:   "group_members",
		Filter: queryir.Where("group_id", "group"),
		Fields: map[string]string{"member": "member"},
	}
	groupMember = queryir.Select{
		From:   "group_members",
		Filter: queryir.Where("group_id", "group", "member", "user"),
		Fields: map[string]string{"role": "role"},
	}
	groupAdmins = queryir.Select{
		From: "group_members",
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.BoundEquals{Field: "group_id", Arg: "group"},
			queryir.Equals{Field: "role", Value: ir.IRString(roleAdmin)},
		}},
		Fields: map[string]string{"member": "admin"},
	}
	memberGroups = queryir.Select{
		From:   "group_members",
		Filter: queryir.Where("member", "user"),
		Fields: map[string]string{"group_id": "group"},
	}
	joinRequest = queryir.Select{
		From:   "group_requests",
		Filter: queryir.Where("group_id", "group", "requester", "requester"),
		Fields: map[string]string{"requester": "requester"},
	}
	groupRequests = queryir.Select{
		From:   "group_requests",
		Filter: queryir.Where("group_id", "group"),
		Fields: map[string]string{"requester": "requestingUser"},
	}
	userRequests = queryir.Select{
		From:   "group_requests",
		Filter: queryir.Where("requester", "user"),
		Fields: map[string]string{"group_id": "group"},
	}
)

// Member roles.
const (
	roleAdmin  = "admin"
	roleMember = "member"
)

// Grouping manages named groups, their members and pending join requests.
// Every member is either an admin or a plain member; a group always keeps
// at least one admin.
type Grouping struct {
	st *State
}

func NewGrouping(st *State) *Grouping {
	return &Grouping{st: st}
}

func (g *Grouping) Name() string { return "Grouping" }

func (g *Grouping) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"createGroup":    g.createGroup,
		"deleteGroup":    g.deleteGroup,
		"renameGroup":    g.renameGroup,
		"requestToJoin":  g.requestToJoin,
		"confirmRequest": g.confirmRequest,
		"declineRequest": g.declineRequest,
		"removeMember":   g.removeMember,
		"adjustRole":     g.adjustRole,
	}
}

func (g *Grouping) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getMembers":       g.getMembers,
		"_isGroupAdmin":     g.isGroupAdmin,
		"_isGroupMember":    g.isGroupMember,
		"_getUserGroups":    g.getUserGroups,
		"_getGroupName":     g.getGroupName,
		"_getGroupRequests": g.getGroupRequests,
		"_getUserRequests":  g.getUserRequests,
		"_getAdmins":        g.getAdmins,
	}
}

// group returns the group row, failing when it does not exist.
func (g *Grouping) group(ctx context.Context, id string) (ir.IRObject, error) {
	rows, err := g.st.query(ctx, groupByID, ir.IRObject{"group": ir.IRString(id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, concept.Fail("Group not found.")
	}
	return rows[0], nil
}

// role returns user's role in group, or "" for non-members.
func (g *Grouping) role(ctx context.Context, group, user string) (string, error) {
	rows, err := g.st.query(ctx, groupMember, ir.IRObject{"group": ir.IRString(group), "user": ir.IRString(user)})
	if err != nil || len(rows) == 0 {
		return "", err
	}
	role, _ := rows[0]["role"].(ir.IRString)
	return string(role), nil
}

func (g *Grouping) isMember(ctx context.Context, group, user string) (bool, error) {
	return g.st.exists(ctx, groupMember, ir.IRObject{"group": ir.IRString(group), "user": ir.IRString(user)})
}

func (g *Grouping) hasRequest(ctx context.Context, group, requester string) (bool, error) {
	return g.st.exists(ctx, joinRequest, ir.IRObject{"group": ir.IRString(group), "requester": ir.IRString(requester)})
}

func (g *Grouping) createGroup(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	name, admin, err := pairArgs(args, "name", "admin")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, concept.Fail("Group name must not be empty.")
	}
	id := g.st.newID()
	err = g.st.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO study_groups (id, name) VALUES (?, ?)`, id, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO group_members (group_id, member, role) VALUES (?, ?, ?)`, id, admin, roleAdmin)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ir.IRObject{"group": ir.IRString(id)}, nil
}

func (g *Grouping) deleteGroup(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, err := stringArg(args, "group")
	if err != nil {
		return nil, err
	}
	if _, err := g.group(ctx, id); err != nil {
		return nil, err
	}
	if err := g.st.exec(ctx, `DELETE FROM study_groups WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) renameGroup(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, name, err := pairArgs(args, "group", "newName")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, concept.Fail("Group name must not be empty.")
	}
	if _, err := g.group(ctx, id); err != nil {
		return nil, err
	}
	if err := g.st.exec(ctx, `UPDATE study_groups SET name = ? WHERE id = ?`, name, id); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) requestToJoin(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, requester, err := pairArgs(args, "group", "requester")
	if err != nil {
		return nil, err
	}
	if _, err := g.group(ctx, id); err != nil {
		return nil, err
	}
	member, err := g.isMember(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, concept.Fail("User is already a member of this group.")
	}
	pending, err := g.hasRequest(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, concept.Fail("A join request already exists.")
	}
	if err := g.st.exec(ctx, `INSERT INTO group_requests (group_id, requester) VALUES (?, ?)`, id, requester); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) confirmRequest(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, requester, err := pairArgs(args, "group", "requester")
	if err != nil {
		return nil, err
	}
	pending, err := g.hasRequest(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if !pending {
		return nil, concept.Fail("No pending join request found.")
	}
	err = g.st.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_requests WHERE group_id = ? AND requester = ?`, id, requester); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO group_members (group_id, member) VALUES (?, ?)`, id, requester)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) declineRequest(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, requester, err := pairArgs(args, "group", "requester")
	if err != nil {
		return nil, err
	}
	pending, err := g.hasRequest(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if !pending {
		return nil, concept.Fail("No pending join request found.")
	}
	if err := g.st.exec(ctx, `DELETE FROM group_requests WHERE group_id = ? AND requester = ?`, id, requester); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) removeMember(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, member, err := pairArgs(args, "group", "member")
	if err != nil {
		return nil, err
	}
	if _, err := g.group(ctx, id); err != nil {
		return nil, err
	}
	role, err := g.role(ctx, id, member)
	if err != nil {
		return nil, err
	}
	switch role {
	case "":
		return nil, concept.Fail("User is not a member of this group.")
	case roleAdmin:
		return nil, concept.Fail("Cannot remove the group admin.")
	}
	if err := g.st.exec(ctx, `DELETE FROM group_members WHERE group_id = ? AND member = ?`, id, member); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

// adjustRole sets member's role. Admins are removed by demoting them
// first; the last admin cannot be demoted.
func (g *Grouping) adjustRole(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	id, member, err := pairArgs(args, "group", "member")
	if err != nil {
		return nil, err
	}
	newRole, err := stringArg(args, "newRole")
	if err != nil {
		return nil, err
	}
	if newRole != roleAdmin && newRole != roleMember {
		return nil, concept.Fail("Role must be admin or member.")
	}
	if _, err := g.group(ctx, id); err != nil {
		return nil, err
	}
	role, err := g.role(ctx, id, member)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, concept.Fail("User is not a member of this group.")
	}
	if role == roleAdmin && newRole == roleMember {
		admins, err := g.st.query(ctx, groupAdmins, ir.IRObject{"group": ir.IRString(id)})
		if err != nil {
			return nil, err
		}
		if len(admins) <= 1 {
			return nil, concept.Fail("A group must keep at least one admin.")
		}
	}
	if err := g.st.exec(ctx, `UPDATE group_members SET role = ? WHERE group_id = ? AND member = ?`, newRole, id, member); err != nil {
		return nil, err
	}
	return ir.IRObject{}, nil
}

func (g *Grouping) getMembers(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, err := stringArg(args, "group")
	if err != nil {
		return nil, err
	}
	return g.st.query(ctx, groupMembers, ir.IRObject{"group": ir.IRString(id)})
}

func (g *Grouping) isGroupAdmin(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, user, err := pairArgs(args, "group", "user")
	if err != nil {
		return nil, err
	}
	role, err := g.role(ctx, id, user)
	if err != nil {
		return nil, err
	}
	return single("isAdmin", ir.IRBool(role == roleAdmin)), nil
}

func (g *Grouping) isGroupMember(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, user, err := pairArgs(args, "group", "user")
	if err != nil {
		return nil, err
	}
	ok, err := g.isMember(ctx, id, user)
	if err != nil {
		return nil, err
	}
	return single("inGroup", ir.IRBool(ok)), nil
}

func (g *Grouping) getUserGroups(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return g.st.query(ctx, memberGroups, ir.IRObject{"user": ir.IRString(user)})
}

func (g *Grouping) getGroupName(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, err := stringArg(args, "group")
	if err != nil {
		return nil, err
	}
	rows, err := g.st.query(ctx, groupByID, ir.IRObject{"group": ir.IRString(id)})
	if err != nil {
		return nil, err
	}
	out := make([]ir.IRObject, 0, len(rows))
	for _, row := range rows {
		out = append(out, ir.IRObject{"name": row["name"]})
	}
	return out, nil
}

func (g *Grouping) getGroupRequests(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, err := stringArg(args, "group")
	if err != nil {
		return nil, err
	}
	return g.st.query(ctx, groupRequests, ir.IRObject{"group": ir.IRString(id)})
}

func (g *Grouping) getUserRequests(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return g.st.query(ctx, userRequests, ir.IRObject{"user": ir.IRString(user)})
}

func (g *Grouping) getAdmins(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	id, err := stringArg(args, "group")
	if err != nil {
		return nil, err
	}
	return g.st.query(ctx, groupAdmins, ir.IRObject{"group": ir.IRString(id)})
}
