package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	. "authograder/types"
)

type Session struct {
	UserID    int64     `json:"userID"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func NewSession(userID int64) *Session {
	return &Session{
		UserID:    userID,
		ExpiresAt: sessionExpiresNext(time.Now()),
	}
}

func GetSession(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, fmt.Errorf("unable to find session cookie: %v", err)
	}

	session := new(Session)
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	if err := secure.Decode(CookieName, cookie.Value, session); err != nil {
		return nil, fmt.Errorf("unable to decode session cookie: %v", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("session expired at %v", session.ExpiresAt)
	}

	return session, nil
}

func (session *Session) Save(w http.ResponseWriter) error {
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	encoded, err := secure.Encode(CookieName, session)
	if err != nil {
		return fmt.Errorf("unable to encode session cookie: %v", err)
	}
	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   encoded,
		Path:    "/",
		Expires: session.ExpiresAt,
		MaxAge:  int(time.Until(session.ExpiresAt).Seconds()),
		Secure:  true,
	}
	http.SetCookie(w, cookie)

	return nil
}

func (session *Session) Delete(w http.ResponseWriter) {
	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   "deleted",
		Path:    "/",
		Expires: time.Now().Add(-time.Hour),
		MaxAge:  -1,
		Secure:  true,
	}
	http.SetCookie(w, cookie)
}

// sessionExpiresNext finds the next configured expiration date after now.
// The year of each configured date is ignored, only the month, day, and
// time of day matter.
func sessionExpiresNext(now time.Time) time.Time {
	expires := now.AddDate(1, 0, 0)
	for _, elt := range Config.SessionsExpire {
		when := time.Date(now.Year(), elt.Month(), elt.Day(),
			elt.Hour(), elt.Minute(), elt.Second(), 0, time.Local)
		if when.Before(now) {
			when = when.AddDate(1, 0, 0)
		}
		if when.Before(expires) {
			expires = when
		}
	}
	return expires
}
