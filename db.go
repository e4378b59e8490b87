package atheneum

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// UserId is the opaque store identifier of a principal.
type UserId int64

const NullUserId UserId = 0

// A User is a principal: somebody who can log in through an identity
// provider and be granted groups. The pair (Idp, Username) is unique,
// case-insensitively on the username.
type User struct {
	UserId       UserId
	Idp          string // Name of the identity provider that owns this principal
	Username     string
	Salt         string
	PasswordHash string // Hex PBKDF2 digest. Empty for federated principals.
	Email        string
	Groups       []string
	Attributes   map[string]string
	Created      time.Time
	Modified     time.Time
}

// ReadableId returns the composite "idp.username" identifier, which is what
// we emit in logs and audit records.
func (u *User) ReadableId() string {
	return u.Idp + "." + u.Username
}

func (u *User) IdString() string {
	return strconv.FormatInt(int64(u.UserId), 10)
}

// HasGroup tells you whether the principal carries the exact group name.
func (u *User) HasGroup(name string) bool {
	for _, g := range u.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// IsAdmin is a literal group membership check. There is nothing special
// about the admin group beyond its name.
func (u *User) IsAdmin() bool {
	return u.HasGroup("admin")
}

func (u *User) IsDeveloper() bool {
	return u.HasGroup("developer")
}

// The primary job of a user store is to persist principals and their group
// sets. Usernames are matched case-insensitively within a provider.
type UserStore interface {
	CreateUser(user *User, password string) (UserId, error) // Must return ErrIdentityExists if (idp, username) is taken
	GetUserById(userId UserId) (*User, error)
	GetUserByIdpUsername(idp, username string) (*User, error)
	GetUsers() ([]*User, error)
	FindUsersByGroup(pattern string) ([]*User, error) // Principals carrying at least one group matching the regex pattern
	SaveGroups(userId UserId, groups []string) error
	SetPassword(userId UserId, password string) error
	DeleteUser(userId UserId) error
	Close() // Typically used to close a database handle
}

// A Session database is essentially a key/value store where the keys are
// session keys and the values are Session records.
type SessionDB interface {
	Write(sessionkey string, session *Session) error
	Read(sessionkey string) (*Session, error)
	// Delete all sessions belonging to the given principal.
	// This is called after the principal has been deleted.
	InvalidateSessionsForUser(userId UserId) error
	Delete(sessionkey string) error
	Close() // Typically used to close a database handle
}

// A Container database persists the hierarchy nodes. Names are unique.
type ContainerDB interface {
	Insert(container *Container) error // Must return ErrContainerExists if the name is taken
	GetByName(name string) (*Container, error)
	GetById(id int64) (*Container, error)
	GetAll() ([]*Container, error)
	FindByNameRegex(pattern string) ([]*Container, error)
	Update(container *Container) error
	Delete(name string) error
	Close()
}

// An App database persists registered client applications and their key
// pairs.
type AppDB interface {
	InsertApplication(app *Application) error
	GetApplicationById(id int64) (*Application, error)
	GetApplicationsByOwner(userId UserId) ([]*Application, error)
	GetAllApplications() ([]*Application, error)
	UpdateApplication(app *Application) error
	DeleteApplication(id int64) error
	InsertKey(key *ApplicationKey) error
	GetKeysForApplication(applicationId int64) ([]*ApplicationKey, error)
	GetKeyBySecret(secret string) (*ApplicationKey, error)
	DeleteKey(id int64) error
	Close()
}

// A Token database persists issued bearer tokens. Tokens have no expiry.
type TokenDB interface {
	Insert(token *AuthToken) error
	GetByBody(tokenBody string) (*AuthToken, error)
	GetByBodyForApplication(tokenBody string, applicationId int64) (*AuthToken, error)
	GetForUser(userId UserId) ([]*AuthToken, error)
	Close()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// User store that sanitizes inputs, so that we have more consistency with
// different backends.
type sanitizingUserStore struct {
	backend UserStore
}

func cleanUsernamePassword(username, password string) (string, string) {
	return strings.TrimSpace(username), strings.TrimSpace(password)
}

func (x *sanitizingUserStore) CreateUser(user *User, password string) (UserId, error) {
	user.Username, password = cleanUsernamePassword(user.Username, password)
	if len(user.Username) == 0 {
		return NullUserId, ErrIdentityEmpty
	}
	if len(user.Idp) == 0 {
		return NullUserId, NewError(ErrValidation, "identity provider may not be empty")
	}
	// An empty password is legal here. Federated principals never carry a
	// local credential, and their password stays empty forever.
	return x.backend.CreateUser(user, password)
}

func (x *sanitizingUserStore) GetUserById(userId UserId) (*User, error) {
	return x.backend.GetUserById(userId)
}

func (x *sanitizingUserStore) GetUserByIdpUsername(idp, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return nil, ErrIdentityEmpty
	}
	return x.backend.GetUserByIdpUsername(idp, username)
}

func (x *sanitizingUserStore) GetUsers() ([]*User, error) {
	return x.backend.GetUsers()
}

func (x *sanitizingUserStore) FindUsersByGroup(pattern string) ([]*User, error) {
	return x.backend.FindUsersByGroup(pattern)
}

func (x *sanitizingUserStore) SaveGroups(userId UserId, groups []string) error {
	return x.backend.SaveGroups(userId, groups)
}

func (x *sanitizingUserStore) SetPassword(userId UserId, password string) error {
	return x.backend.SetPassword(userId, strings.TrimSpace(password))
}

func (x *sanitizingUserStore) DeleteUser(userId UserId) error {
	return x.backend.DeleteUser(userId)
}

func (x *sanitizingUserStore) Close() {
	if x.backend != nil {
		x.backend.Close()
		x.backend = nil
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Session database that simply stores the sessions in memory
type dummySessionDB struct {
	sessions     map[string]*Session
	sessionsLock sync.RWMutex
}

func newDummySessionDB() *dummySessionDB {
	db := &dummySessionDB{}
	db.sessions = make(map[string]*Session)
	return db
}

func (x *dummySessionDB) Write(sessionkey string, session *Session) error {
	x.sessionsLock.Lock()
	x.sessions[sessionkey] = session.Clone()
	x.sessionsLock.Unlock()
	return nil
}

func (x *dummySessionDB) Read(sessionkey string) (*Session, error) {
	x.sessionsLock.RLock()
	session, exists := x.sessions[sessionkey]
	x.sessionsLock.RUnlock()
	if !exists {
		return nil, ErrInvalidSessionKey
	}
	return session.Clone(), nil
}

func (x *dummySessionDB) InvalidateSessionsForUser(userId UserId) error {
	x.sessionsLock.Lock()
	for _, ses := range x.sessionKeysForUser(userId) {
		delete(x.sessions, ses)
	}
	x.sessionsLock.Unlock()
	return nil
}

func (x *dummySessionDB) Delete(sessionkey string) error {
	x.sessionsLock.Lock()
	delete(x.sessions, sessionkey)
	x.sessionsLock.Unlock()
	return nil
}

func (x *dummySessionDB) Close() {
}

// Assume that sessionsLock.WRITE is held
func (x *dummySessionDB) sessionKeysForUser(userId UserId) []string {
	sessions := []string{}
	for ses, p := range x.sessions {
		if p.UserId == userId {
			sessions = append(sessions, ses)
		}
	}
	return sessions
}
