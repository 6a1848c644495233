package concepts

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
)

var (
	userByUsername = queryir.Select{
		From:   "users",
		Filter: queryir.Where("username", "username"),
		Fields: map[string]string{"id": "user"},
	}
	usernameOf = queryir.Select{
		From:   "users",
		Filter: queryir.Where("id", "user"),
		Fields: map[string]string{"username": "username"},
	}
	credentials = queryir.Select{
		From:   "users",
		Filter: queryir.Where("username", "username"),
		Fields: map[string]string{"id": "user", "password_hash": "hash"},
	}
)

// UserAuthentication registers users and checks their passwords.
type UserAuthentication struct {
	st *State

	// Cost is the bcrypt cost for new passwords.
	Cost int
}

func NewUserAuthentication(st *State) *UserAuthentication {
	return &UserAuthentication{st: st, Cost: bcrypt.DefaultCost}
}

func (u *UserAuthentication) Name() string { return "UserAuthentication" }

func (u *UserAuthentication) Actions() map[string]concept.ActionFunc {
	return map[string]concept.ActionFunc{
		"register":     u.register,
		"authenticate": u.authenticate,
	}
}

func (u *UserAuthentication) Queries() map[string]concept.QueryFunc {
	return map[string]concept.QueryFunc{
		"_getUserByUsername": u.getUserByUsername,
		"_getUsername":       u.getUsername,
	}
}

func (u *UserAuthentication) register(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	username, err := stringArg(args, "username")
	if err != nil {
		return nil, err
	}
	password, err := stringArg(args, "password")
	if err != nil {
		return nil, err
	}
	if username == "" || password == "" {
		return nil, concept.Fail("Username and password must not be empty.")
	}

	taken, err := u.st.exists(ctx, userByUsername, ir.IRObject{"username": ir.IRString(username)})
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, concept.Fail("Username already taken.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.Cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id := u.st.newID()
	err = u.st.exec(ctx, `INSERT INTO users (id, username, password_hash) VALUES (?, ?, ?)`, id, username, string(hash))
	if err != nil {
		return nil, err
	}
	return ir.IRObject{"user": ir.IRString(id)}, nil
}

func (u *UserAuthentication) authenticate(ctx context.Context, args ir.IRObject) (ir.IRObject, error) {
	username, err := stringArg(args, "username")
	if err != nil {
		return nil, err
	}
	password, err := stringArg(args, "password")
	if err != nil {
		return nil, err
	}

	rows, err := u.st.query(ctx, credentials, ir.IRObject{"username": ir.IRString(username)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, concept.Fail("Invalid username or password.")
	}
	hash, _ := rows[0]["hash"].(ir.IRString)
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return nil, concept.Fail("Invalid username or password.")
	}
	if err != nil {
		return nil, fmt.Errorf("compare password: %w", err)
	}
	return ir.IRObject{"user": rows[0]["user"]}, nil
}

func (u *UserAuthentication) getUserByUsername(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	username, err := stringArg(args, "username")
	if err != nil {
		return nil, err
	}
	return u.st.query(ctx, userByUsername, ir.IRObject{"username": ir.IRString(username)})
}

func (u *UserAuthentication) getUsername(ctx context.Context, args ir.IRObject) ([]ir.IRObject, error) {
	user, err := stringArg(args, "user")
	if err != nil {
		return nil, err
	}
	return u.st.query(ctx, usernameOf, ir.IRObject{"user": ir.IRString(user)})
}
