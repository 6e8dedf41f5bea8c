package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

// AccountsCollection holds password hashes. It is never exposed through the
// document API.
const AccountsCollection = "accounts"

const MinPasswordLength = 6

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrWeakPassword = errors.New("password should be at least 6 characters")
	ErrEmailInUse   = errors.New("email already in use")
)

// Session is the result of a successful sign-up or sign-in.
type Session struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type account struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

// Provider manages email/password accounts in a document store and issues
// ID tokens for them.
type Provider struct {
	store  docstore.Store
	tokens *JWT
	cost   int
}

func NewProvider(store docstore.Store, tokens *JWT) *Provider {
	return &Provider{store: store, tokens: tokens, cost: bcrypt.DefaultCost}
}

// NormalizeEmail trims and lower-cases an address and checks its syntax.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func accountPath(email string) string {
	sum := sha256.Sum256([]byte(email))
	return docstore.Join(AccountsCollection, hex.EncodeToString(sum[:]))
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if len(password) < MinPasswordLength {
		return Session{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	acct := account{UID: p.store.NewID(), Email: email, PasswordHash: string(hash)}
	_, err = p.store.Create(ctx, accountPath(email), docstore.Data{
		"uid":          acct.UID,
		"email":        acct.Email,
		"passwordHash": acct.PasswordHash,
		"createdAt":    docstore.ServerTimestamp,
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return Session{}, ErrEmailInUse
	}
	if err != nil {
		return Session{}, fmt.Errorf("create account: %w", err)
	}
	return p.issue(acct)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	doc, err := p.store.Get(ctx, accountPath(email))
	if errors.Is(err, docstore.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("load account: %w", err)
	}
	var acct account
	if err := doc.Decode(&acct); err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}
	return p.issue(acct)
}

func (p *Provider) issue(acct account) (Session, error) {
	token, exp, err := p.tokens.Issue(Principal{UID: acct.UID, Email: acct.Email})
	if err != nil {
		return Session{}, err
	}
	return Session{UID: acct.UID, Email: acct.Email, Token: token, ExpiresAt: exp}, nil
}
