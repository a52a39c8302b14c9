package main

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"
	"golang.org/x/crypto/bcrypt"

	. "authograder/types"
)

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserPatch struct {
	Name     *string `json:"name"`
	Tutor    *bool   `json:"tutor"`
	Admin    *bool   `json:"admin"`
	Password *string `json:"password"`
}

// PostUser handles /v2/users, creating a new user account.
// New accounts are students; role changes require an administrator.
// The very first account becomes an administrator so a fresh install
// can be bootstrapped.
func PostUser(w http.ResponseWriter, tx *sql.Tx, req RegisterRequest, render render.Render) {
	now := time.Now()
	if len(req.Password) < MinPasswordLength {
		loggedHTTPErrorf(w, http.StatusBadRequest, "password must be at least %d characters", MinPasswordLength)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error hashing password: %v", err)
		return
	}

	user := &User{
		Name:           req.Name,
		Email:          req.Email,
		PasswordHash:   hash,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSignedInAt: now,
	}
	if err := user.Normalize(now); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "%v", err)
		return
	}

	var existing int64
	if err := tx.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&existing); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	if existing == 0 {
		user.Admin = true
		user.Tutor = true
	}

	var count int64
	if err := tx.QueryRow(`SELECT COUNT(1) FROM users WHERE email = ?`, user.Email).Scan(&count); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	if count > 0 {
		loggedHTTPErrorf(w, http.StatusConflict, "a user with email %s already exists", user.Email)
		return
	}

	if err := meddler.Insert(tx, "users", user); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	render.JSON(http.StatusOK, user)
}

// PostUserLogin handles /v2/users/login,
// checking a password and starting a cookie session.
func PostUserLogin(w http.ResponseWriter, tx *sql.Tx, req LoginRequest, render render.Render) {
	now := time.Now()
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user := new(User)
	err := meddler.QueryRow(tx, user, `SELECT * FROM users WHERE email = ?`, email)
	if err != nil {
		// run the hash comparison anyway so a missing account
		// takes as long as a wrong password
		bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGHyT2Ioqs5FGHWXLQv9bj3nvFVFeVIO"), []byte(req.Password))
		loggedHTTPErrorf(w, http.StatusUnauthorized, "login failed")
		return
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)); err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "login failed")
		return
	}

	user.LastSignedInAt = now
	user.UpdatedAt = now
	if err := meddler.Update(tx, "users", user); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	if err := NewSession(user.ID).Save(w); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error saving session: %v", err)
		return
	}

	render.JSON(http.StatusOK, user)
}

// PostUserLogout handles /v2/users/logout, ending the cookie session.
func PostUserLogout(w http.ResponseWriter, r *http.Request) {
	session, err := GetSession(r)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
		return
	}
	session.Delete(w)
	w.WriteHeader(http.StatusNoContent)
}

// GetUsers handles /v2/users, returning a list of all users.
// Optional filters:
//
//	name=<string>: fuzzy name match
//	email=<string>: exact email match
//	tutor=<bool>: tutors only (or non-tutors)
//	admin=<bool>: administrators only (or non-administrators)
func GetUsers(w http.ResponseWriter, r *http.Request, tx *sql.Tx, render render.Render) {
	where := ""
	args := []interface{}{}

	if name := r.FormValue("name"); name != "" {
		where, args = addWhereLike(where, args, "name", name)
	}
	if email := r.FormValue("email"); email != "" {
		where, args = addWhereEq(where, args, "email", strings.ToLower(email))
	}
	if tutor := r.FormValue("tutor"); tutor != "" {
		where, args = addWhereEq(where, args, "tutor", tutor == "true")
	}
	if admin := r.FormValue("admin"); admin != "" {
		where, args = addWhereEq(where, args, "admin", admin == "true")
	}

	users := []*User{}
	if err := meddler.QueryAll(tx, &users, `SELECT * FROM users`+where+` ORDER BY id`, args...); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, users)
}

// GetUserMe handles /v2/users/me, returning the current user.
func GetUserMe(currentUser *User, render render.Render) {
	render.JSON(http.StatusOK, currentUser)
}

// GetUser handles /v2/users/:user_id, returning a single user. Students
// can only see themselves.
func GetUser(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	userID, err := parseID(w, "user_id", params["user_id"])
	if err != nil {
		return
	}

	if userID != currentUser.ID && !currentUser.Admin {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d is not allowed to view user %d", currentUser.ID, userID)
		return
	}

	user := new(User)
	if err := meddler.Load(tx, "users", user, userID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	render.JSON(http.StatusOK, user)
}

// PatchUser handles /v2/users/:user_id, applying role and account
// changes. Administrators only.
func PatchUser(w http.ResponseWriter, tx *sql.Tx, params martini.Params, patch UserPatch, render render.Render) {
	now := time.Now()
	userID, err := parseID(w, "user_id", params["user_id"])
	if err != nil {
		return
	}

	user := new(User)
	if err := meddler.Load(tx, "users", user, userID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}

	if patch.Name != nil {
		user.Name = *patch.Name
	}
	if patch.Tutor != nil {
		user.Tutor = *patch.Tutor
	}
	if patch.Admin != nil {
		user.Admin = *patch.Admin
	}
	if patch.Password != nil {
		if len(*patch.Password) < MinPasswordLength {
			loggedHTTPErrorf(w, http.StatusBadRequest, "password must be at least %d characters", MinPasswordLength)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.DefaultCost)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "error hashing password: %v", err)
			return
		}
		user.PasswordHash = hash
	}
	user.UpdatedAt = now
	if err := user.Normalize(now); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := meddler.Update(tx, "users", user); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, user)
}

// DeleteUser handles /v2/users/:user_id, deleting a user and (through
// cascades) the user's submissions, any assignments they authored, and
// all submissions to those assignments. Administrators only.
func DeleteUser(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) {
	userID, err := parseID(w, "user_id", params["user_id"])
	if err != nil {
		return
	}
	if userID == currentUser.ID {
		loggedHTTPErrorf(w, http.StatusBadRequest, "you cannot delete yourself")
		return
	}

	// collect the stored file paths before the cascade wipes the rows:
	// the user's own submissions, plus (for tutors) the notebooks of
	// their assignments and every submission to those assignments
	paths := []string{}
	rows, err := tx.Query(`SELECT submission_files.path FROM submission_files `+
		`JOIN submissions ON submission_files.submission_id = submissions.id `+
		`WHERE submissions.user_id = ? `+
		`UNION SELECT path FROM assignment_files `+
		`WHERE assignment_id IN (SELECT id FROM assignments WHERE user_id = ?) `+
		`UNION SELECT path FROM submission_files `+
		`WHERE assignment_id IN (SELECT id FROM assignments WHERE user_id = ?)`,
		userID, userID, userID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
			return
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	rows.Close()

	result, err := tx.Exec(`DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		loggedHTTPErrorf(w, http.StatusNotFound, "user %d not found", userID)
		return
	}

	for _, path := range paths {
		if err := fileStore.Delete(path); err != nil {
			loggedErrorf("error deleting stored file %s: %v", path, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
