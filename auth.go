package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"
)

const (
	SETTINGS_BUCKET = "settings"
	SECRET_KEY      = "jwt_secret"
)

var (
	JWT_HMAC_SECRET []byte
	JWT_LIFESPAN    time.Duration = time.Hour
)

//---
// Structs
//

// Represents a local user
type User struct {
	ID       int    `storm:"id,increment"`
	Email    string `storm:"unique"`
	Name     string
	Password string
	Admin    bool
}

// Sets the User.Password to the hashed value for the provided plain text
func (u *User) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// Compares User.Password with the provided plain text.
// Returns values directly as provided by the bcrypt library for downstream processing.
func (u *User) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), pass)
}

//---
// Generic payloads
//---

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l *LoginPayload) Bind(r *http.Request) error {
	if l.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

type JWTPayload struct {
	SignedToken string `json:"token"`
}

//---
// Helper functions
//

func randomSecret() []byte {
	secret := make([]byte, 64)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return secret
}

// jwtSecret uses JWT_SECRET when it is set, otherwise a key that only lasts as
// long as the process.
func jwtSecret(configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	return randomSecret()
}

// storedSecret loads the signing key from the database, creating it on first
// use so tokens survive a restart.
func storedSecret(db *storm.DB) ([]byte, error) {
	var secret []byte
	err := db.Get(SETTINGS_BUCKET, SECRET_KEY, &secret)
	if err == nil && len(secret) > 0 {
		return secret, nil
	}
	if err != nil && err != storm.ErrNotFound {
		return nil, err
	}

	secret = randomSecret()
	if err := db.Set(SETTINGS_BUCKET, SECRET_KEY, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// createUser saves a new user with a hashed password.
func createUser(db *storm.DB, email, password string, admin bool) (*User, error) {
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}

	user := &User{
		Email: email,
		Name:  email,
		Admin: admin,
	}
	if err := user.SetPassword([]byte(password)); err != nil {
		return nil, err
	}
	if err := db.Save(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Produce a standard format JWT token
func newJWT(sub string) (ts string, err error) {
	now := time.Now().UTC()
	claims := jwt.StandardClaims{
		Issuer:    ENV.JWT_ISSUER,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(JWT_LIFESPAN).Unix(),
		Subject:   sub,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(JWT_HMAC_SECRET)
}

//---
// Views
//---

// Login looks up a user, verifies password and returns response
func Login(w http.ResponseWriter, r *http.Request) {
	if ENV.DB == nil {
		render.Render(w, r, ErrUnavailable(errors.New("user database is not open")))
		return
	}

	data := &LoginPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var user User
	if err := ENV.DB.One("Email", data.Email, &user); err != nil {
		if err == storm.ErrNotFound {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	if err := user.VerifyPassword([]byte(data.Password)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			render.Render(w, r, ErrPermissionDenied(errors.New("Invalid password")))
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	tokenString, err := newJWT(user.Email)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.JSON(w, r, JWTPayload{tokenString})
}

// Provides a new token to the client
func JWTRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := r.Context().Value(ctxJWT).(*jwt.Token)
	if !ok {
		render.Render(w, r, ErrUnauthorized(JWTEmpty))
		return
	}
	claims := token.Claims.(*jwt.StandardClaims)

	tokenString, err := newJWT(claims.Subject)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.JSON(w, r, JWTPayload{tokenString})
}

//---
// Authentication middleware
//---

type ctxKey string

const ctxJWT ctxKey = "jwt"

var (
	JWTEmpty = errors.New("Bearer token not provided")
)

func ValidateJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var tokenStr string

		// query params first, websockets cannot set headers from a browser
		tokenStr = r.URL.Query().Get("jwt")

		if tokenStr == "" {
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
				tokenStr = bearer[7:]
			}
		}

		if tokenStr == "" {
			cookie, err := r.Cookie("jwt")
			if err == nil {
				tokenStr = cookie.Value
			}
		}

		if tokenStr == "" {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}

		token, err := jwt.ParseWithClaims(tokenStr,
			&jwt.StandardClaims{},
			func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS512 {
					return nil, errors.New("unexpected signing method")
				}
				return JWT_HMAC_SECRET, nil
			})

		if err != nil {
			msg := "Invalid token"
			if jwterr, ok := err.(*jwt.ValidationError); ok && jwterr.Errors&jwt.ValidationErrorExpired != 0 {
				msg = "Token has expired"
			}
			render.Render(w, r, ErrUnauthorized(errors.New(msg)))
			return
		}

		if !token.Valid {
			render.Render(w, r, ErrUnauthorized(errors.New("Invalid token")))
			return
		}

		ctx = context.WithValue(ctx, ctxJWT, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
