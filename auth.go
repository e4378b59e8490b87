package atheneum

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IMQS/log"
	"github.com/google/uuid"
)

const (
	/* Number of characters from the set [a-zA-Z0-9] = 62. 62^30 = 6 x 10^53, which is 178 bits of entropy.
	Assume there will be 1 million valid sessions. That removes 20 bits of entropy, leaving 158 bits.
	Divide 158 by 2 and we have a security level of 79 bits. If an attacker can try 100000 keys per
	second, then it would take 2 * 10^11 years to find a random good key.
	*/
	sessionKeyLength = 30

	defaultSessionExpirySeconds = 30 * 24 * 3600
)

var (
	// NOTE: These 'base' error strings may not be prefixes of each other,
	// otherwise it violates our NewError() concept, which ensures that
	// any Atheneum error starts with one of these *unique* prefixes.
	// The six bases are the error taxonomy; everything else is built on
	// top of them with NewError().
	ErrValidation       = errors.New("Validation error")
	ErrNotFound         = errors.New("Not found")
	ErrAuthentication   = errors.New("Authentication error")
	ErrAuthorization    = errors.New("Authorization error")
	ErrConflict         = errors.New("Conflict")
	ErrInvalidOperation = errors.New("Invalid operation")
	ErrConnect          = errors.New("Connect failed")

	ErrIdentityNotFound    = NewError(ErrNotFound, "identity not found")
	ErrIdentityExists      = NewError(ErrConflict, "identity already exists")
	ErrIdentityEmpty       = NewError(ErrValidation, "identity may not be empty")
	ErrInvalidPassword     = NewError(ErrAuthentication, "invalid password")
	ErrInvalidSessionKey   = NewError(ErrAuthentication, "invalid session key")
	ErrTokenNotFound       = NewError(ErrNotFound, "auth token not found")
	ErrApplicationNotFound = NewError(ErrNotFound, "application not found")
	ErrKeyNotFound         = NewError(ErrNotFound, "application key not found")
)

// NewError is to be used whenever you return an Atheneum error. We rely upon
// the prefix of the error string to identify the broad category of the error.
func NewError(base error, detail string) error {
	return errors.New(base.Error() + ": " + detail)
}

// IsError tells you whether err belongs to the taxonomy category identified
// by base (one of the Err___ base errors above).
func IsError(err, base error) bool {
	return err != nil && strings.Index(err.Error(), base.Error()) == 0
}

// CanonicalizeIdentity transforms an identity into its canonical form. What
// this means is that any two identities are considered equal if their
// canonical forms are equal. This is simply a lower-casing of the identity,
// plus trimming of the surrounding whitespace.
func CanonicalizeIdentity(identity string) string {
	return strings.TrimSpace(strings.ToLower(identity))
}

// RandomString returns a random string of 'nchars' bytes, sampled uniformly from the given corpus of byte characters.
func RandomString(nchars int, corpus string) string {
	rbytes := make([]byte, nchars)
	rstring := make([]byte, nchars)
	rand.Read(rbytes)
	for i := 0; i < nchars; i++ {
		rstring[i] = corpus[rbytes[i]%byte(len(corpus))]
	}
	return string(rstring)
}

func generateSessionKey() string {
	// It is important not to have any unusual characters in here, especially an equals sign. Old versions of Tomcat
	// will parse such a cookie incorrectly (imagine Cookie: magic=abracadabra=)
	return RandomString(sessionKeyLength, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
}

func generateTokenBody() string {
	id, _ := uuid.NewRandom()
	return id.String()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type CentralStats struct {
	InvalidSessionKeys uint64
	InvalidPasswords   uint64
	EmptyIdentities    uint64
	GoodLogin          uint64
	Logout             uint64
	TokensIssued       uint64
	TokensResolved     uint64
}

func isPowerOf2(x uint64) bool {
	return 0 == x&(x-1)
}

func (x *CentralStats) IncrementAndLog(name string, val *uint64, logger *log.Logger) {
	n := atomic.AddUint64(val, 1)
	if isPowerOf2(n) || (n&255) == 0 {
		logger.Infof("%v %v", n, name)
	}
}

func (x *CentralStats) IncrementInvalidSessionKey(logger *log.Logger) {
	x.IncrementAndLog("invalid session keys", &x.InvalidSessionKeys, logger)
}

func (x *CentralStats) IncrementInvalidPasswords(logger *log.Logger) {
	x.IncrementAndLog("invalid passwords", &x.InvalidPasswords, logger)
}

func (x *CentralStats) IncrementEmptyIdentities(logger *log.Logger) {
	x.IncrementAndLog("empty identities", &x.EmptyIdentities, logger)
}

func (x *CentralStats) IncrementGoodLogin(logger *log.Logger) {
	x.IncrementAndLog("good logins", &x.GoodLogin, logger)
}

func (x *CentralStats) IncrementLogout(logger *log.Logger) {
	x.IncrementAndLog("logouts", &x.Logout, logger)
}

func (x *CentralStats) IncrementTokensIssued(logger *log.Logger) {
	x.IncrementAndLog("tokens issued", &x.TokensIssued, logger)
}

func (x *CentralStats) IncrementTokensResolved(logger *log.Logger) {
	x.IncrementAndLog("tokens resolved", &x.TokensResolved, logger)
}

/*
For lack of a better name, this is the single hub of authentication that you
interact with. All public methods of Central are callable from multiple
threads.
*/
type Central struct {
	// Stats must be first so that we are guaranteed to get it 8-byte aligned. We atomically
	// increment counters inside CentralStats, and the atomic functions need 8-byte alignment
	// on their operands.
	Stats                  CentralStats
	Auditor                Auditor
	Log                    *log.Logger
	NewSessionExpiresAfter time.Duration
	MasterKey              string
	DB                     *sql.DB

	userStore    UserStore
	sessionDB    SessionDB
	containerDB  ContainerDB
	appDB        AppDB
	tokenDB      TokenDB
	providers    []IdentityProvider
	providerLock sync.Mutex
	shuttingDown uint32
}

// Create a new Central object from the specified pieces.
func NewCentral(logfile string, userStore UserStore, sessionDB SessionDB, containerDB ContainerDB, appDB AppDB, tokenDB TokenDB) *Central {
	c := &Central{}
	c.userStore = &sanitizingUserStore{
		backend: userStore,
	}
	c.sessionDB = sessionDB
	c.containerDB = containerDB
	c.appDB = appDB
	c.tokenDB = tokenDB
	c.NewSessionExpiresAfter = time.Duration(defaultSessionExpirySeconds) * time.Second

	// We don't want logging to stdout when the service is running on a windows
	// machine. This decision was made to avoid having to bloat the service with
	// unnecessary config
	c.Log = log.New(resolveLogfile(logfile), runtime.GOOS != "windows")
	c.Auditor = &logAuditor{log: c.Log}

	c.Log.Infof("Atheneum successfully started up\n")

	return c
}

// Create a new 'Central' object from a Config.
func NewCentralFromConfig(config *Config) (central *Central, err error) {
	var (
		db          *sql.DB
		userStore   UserStore
		sessionDB   SessionDB
		containerDB ContainerDB
		appDB       AppDB
		tokenDB     TokenDB
	)

	startupLogger := log.New(resolveLogfile(config.Log.Filename), runtime.GOOS != "windows")

	defer func() {
		if ePanic := recover(); ePanic != nil {
			if userStore != nil {
				userStore.Close()
			}
			if sessionDB != nil {
				sessionDB.Close()
			}
			if containerDB != nil {
				containerDB.Close()
			}
			if appDB != nil {
				appDB.Close()
			}
			if tokenDB != nil {
				tokenDB.Close()
			}
			if db != nil {
				db.Close()
			}
			startupLogger.Errorf("Error initializing: %v\n", ePanic)
			err = ePanic.(error)
		}
	}()

	if err := config.Validate(); err != nil {
		panic(err)
	}

	// All of our interfaces which use a Postgres database share the same
	// database, and thus the same schema, so we connect once and hand the
	// same handle to every store.
	db, err = config.DB.Connect()
	if err != nil {
		panic(fmt.Errorf("Error connecting to DB: %v", err))
	}

	if userStore, err = NewUserStoreDB_SQL(db); err != nil {
		panic(fmt.Errorf("Error connecting to UserStoreDB: %v", err))
	}
	if sessionDB, err = NewSessionDB_SQL(db); err != nil {
		panic(fmt.Errorf("Error connecting to SessionDB: %v", err))
	}
	if containerDB, err = NewContainerDB_SQL(db); err != nil {
		panic(fmt.Errorf("Error connecting to ContainerDB: %v", err))
	}
	if appDB, err = NewAppDB_SQL(db); err != nil {
		panic(fmt.Errorf("Error connecting to AppDB: %v", err))
	}
	if tokenDB, err = NewTokenDB_SQL(db); err != nil {
		panic(fmt.Errorf("Error connecting to TokenDB: %v", err))
	}

	c := NewCentral(config.Log.Filename, userStore, sessionDB, containerDB, appDB, tokenDB)
	c.DB = db
	c.MasterKey = config.MasterKey
	if config.SessionDB.SessionExpirySeconds != 0 {
		c.NewSessionExpiresAfter = time.Duration(config.SessionDB.SessionExpirySeconds) * time.Second
	}
	startupLogger.Infof("Sessions expire after %v", c.NewSessionExpiresAfter)

	for _, pconf := range config.IdentityProviders {
		provider, eProvider := NewIdentityProvider(c, pconf)
		if eProvider != nil {
			panic(eProvider)
		}
		if eInit := provider.Initialize(); eInit != nil {
			panic(eInit)
		}
		c.providers = append(c.providers, provider)
		startupLogger.Infof("Identity provider %v (%v) initialized", pconf.Name, pconf.Type)
	}

	return c, nil
}

func resolveLogfile(logfile string) string {
	if logfile != "" {
		return logfile
	}
	return log.Stdout
}

// Providers returns the configured identity providers, in configuration order.
func (x *Central) Providers() []IdentityProvider {
	return x.providers
}

// ProviderByName returns the identity provider with the given name, or nil.
func (x *Central) ProviderByName(name string) IdentityProvider {
	for _, p := range x.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Sessions

// A Session is the per-browser state that survives the multi-step login
// handshake. PendingApplicationId carries the application that requested the
// login, from the moment the login page is hit until the token assertion
// redirect fires.
type Session struct {
	Key                  string
	UserId               UserId
	PendingApplicationId int64
	Expires              time.Time
	Flash                []FlashMessage
}

// A read-once human-facing message carried on the session.
type FlashMessage struct {
	Kind string // "success" or "error"
	Text string
}

func (s *Session) Clone() *Session {
	cpy := *s
	cpy.Flash = make([]FlashMessage, len(s.Flash))
	copy(cpy.Flash, s.Flash)
	return &cpy
}

// CreateSession establishes a new authenticated browser session for 'user',
// after you have authenticated the caller. Returns the session key, which is
// typically sent to the client as a cookie.
func (x *Central) CreateSession(user *User) (sessionkey string, session *Session, err error) {
	session = &Session{
		Key:     generateSessionKey(),
		UserId:  user.UserId,
		Expires: time.Now().Add(x.NewSessionExpiresAfter),
	}
	if err = x.sessionDB.Write(session.Key, session); err != nil {
		x.Log.Errorf("Writing session key failed (%v)", err)
		return "", nil, err
	}
	x.Stats.IncrementGoodLogin(x.Log)
	x.Log.Infof("Login successful (%v)", user.UserId)
	return session.Key, session, nil
}

// CreateAnonymousSession establishes a session that is not yet authenticated.
// This is used to carry the pending application ID across the handshake.
func (x *Central) CreateAnonymousSession() (*Session, error) {
	session := &Session{
		Key:     generateSessionKey(),
		Expires: time.Now().Add(x.NewSessionExpiresAfter),
	}
	if err := x.sessionDB.Write(session.Key, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves the session for the given key, enforcing expiry.
func (x *Central) GetSession(sessionkey string) (*Session, error) {
	session, err := x.sessionDB.Read(sessionkey)
	if err != nil {
		x.Stats.IncrementInvalidSessionKey(x.Log)
		return nil, err
	}
	if time.Now().UnixNano() > session.Expires.UnixNano() {
		// DB has not yet expired the session. It's OK for the DB to be a bit lazy in its cleanup.
		x.Stats.IncrementInvalidSessionKey(x.Log)
		return nil, ErrInvalidSessionKey
	}
	return session, nil
}

// GetSessionUser resolves the session's principal. An anonymous session
// yields (session, nil, nil).
func (x *Central) GetSessionUser(sessionkey string) (*Session, *User, error) {
	session, err := x.GetSession(sessionkey)
	if err != nil {
		return nil, nil, err
	}
	if session.UserId == NullUserId {
		return session, nil, nil
	}
	user, eUser := x.userStore.GetUserById(session.UserId)
	if eUser != nil {
		return session, nil, eUser
	}
	return session, user, nil
}

// AuthenticateSession upgrades an existing (typically anonymous) session to
// an authenticated one, preserving the pending application ID.
func (x *Central) AuthenticateSession(session *Session, user *User) error {
	session.UserId = user.UserId
	if err := x.sessionDB.Write(session.Key, session); err != nil {
		return err
	}
	x.Stats.IncrementGoodLogin(x.Log)
	x.Log.Infof("Login successful (%v)", user.UserId)
	return nil
}

// SetPendingApplication records the application that requested this login.
func (x *Central) SetPendingApplication(session *Session, applicationId int64) error {
	session.PendingApplicationId = applicationId
	return x.sessionDB.Write(session.Key, session)
}

// PushFlash appends a read-once message to the session.
func (x *Central) PushFlash(session *Session, kind, text string) {
	session.Flash = append(session.Flash, FlashMessage{Kind: kind, Text: text})
	if err := x.sessionDB.Write(session.Key, session); err != nil {
		x.Log.Warnf("Writing flash message failed (%v)", err)
	}
}

// PopFlash drains and returns the session's flash queue.
func (x *Central) PopFlash(session *Session) []FlashMessage {
	if len(session.Flash) == 0 {
		return nil
	}
	messages := session.Flash
	session.Flash = nil
	if err := x.sessionDB.Write(session.Key, session); err != nil {
		x.Log.Warnf("Draining flash messages failed (%v)", err)
	}
	return messages
}

// Logout, which erases the session.
func (x *Central) Logout(sessionkey string) error {
	x.Stats.IncrementLogout(x.Log)
	return x.sessionDB.Delete(sessionkey)
}

// Invalidate all sessions for a particular principal.
func (x *Central) InvalidateSessionsForUser(userId UserId) error {
	return x.sessionDB.InvalidateSessionsForUser(userId)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Login

// LoginLocal authenticates a username+password against the named local
// provider's user records, and if successful, authenticates 'session'.
func (x *Central) LoginLocal(session *Session, idpName, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		x.Stats.IncrementEmptyIdentities(x.Log)
		return nil, ErrIdentityEmpty
	}
	user, err := x.userStore.GetUserByIdpUsername(idpName, username)
	if err != nil {
		x.Log.Errorf("Login failed, identity not found (%v.%v)", idpName, username)
		return nil, err
	}
	if !VerifyPassword(password, user.Salt, user.PasswordHash) {
		x.Stats.IncrementInvalidPasswords(x.Log)
		x.Log.Errorf("Login failed, invalid password (%v)", user.UserId)
		x.Auditor.AuditUserAction(user.ReadableId(), "User Profile: "+user.Username, "", AuditActionFailedLogin)
		return nil, ErrInvalidPassword
	}
	if err := x.AuthenticateSession(session, user); err != nil {
		return nil, err
	}
	x.Auditor.AuditUserAction(user.ReadableId(), "User Profile: "+user.Username, "", AuditActionAuthentication)
	return user, nil
}

// ResolveFederatedUser maps a validated federated assertion to a principal,
// creating the principal on first login. New federated principals get an
// empty password, an empty group set, and an attribute bag populated from
// the assertion claims.
func (x *Central) ResolveFederatedUser(idpName, nameID string, attributes map[string]string) (*User, error) {
	nameID = strings.TrimSpace(nameID)
	if nameID == "" {
		x.Stats.IncrementEmptyIdentities(x.Log)
		return nil, ErrIdentityEmpty
	}
	user, err := x.userStore.GetUserByIdpUsername(idpName, nameID)
	if err == nil {
		return user, nil
	}
	if !IsError(err, ErrNotFound) {
		return nil, err
	}
	newUser := &User{
		Idp:        idpName,
		Username:   nameID,
		Groups:     []string{},
		Attributes: attributes,
	}
	userId, eCreate := x.userStore.CreateUser(newUser, "")
	if eCreate != nil {
		x.Log.Errorf("Implicit federated user creation failed (%v.%v) (%v)", idpName, nameID, eCreate)
		return nil, eCreate
	}
	newUser.UserId = userId
	x.Log.Infof("Created federated user %v for %v.%v", userId, idpName, nameID)
	x.Auditor.AuditUserAction(newUser.ReadableId(), "User Profile: "+nameID, "", AuditActionCreated)
	return newUser, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Token issuance and resolution

// CompleteLogin runs the token issuance protocol at the end of a successful
// login. It returns the URL the browser must be redirected to: either the
// pending application's assertion endpoint carrying the fresh token, or the
// session page when no application assertion is in flight.
//
// The pending application ID is cleared as soon as it has been read,
// regardless of whether issuance succeeds, so a failed issuance cannot be
// replayed by a later unrelated login.
func (x *Central) CompleteLogin(session *Session, user *User) (redirect string, err error) {
	pending := session.PendingApplicationId
	if pending == 0 {
		return "/session", nil
	}
	session.PendingApplicationId = 0
	if eClear := x.sessionDB.Write(session.Key, session); eClear != nil {
		x.Log.Warnf("Clearing pending application failed (%v)", eClear)
	}

	app, eApp := x.appDB.GetApplicationById(pending)
	if eApp != nil {
		x.Log.Warnf("Pending application %v not found, no token issued", pending)
		return "/session", nil
	}

	token := &AuthToken{
		UserId:        user.UserId,
		ApplicationId: app.Id,
		TokenBody:     generateTokenBody(),
		Created:       time.Now().UTC(),
	}
	if eToken := x.tokenDB.Insert(token); eToken != nil {
		x.Log.Errorf("Persisting auth token failed (%v)", eToken)
		return "", eToken
	}
	x.Stats.IncrementTokensIssued(x.Log)
	x.Auditor.AuditUserAction(user.ReadableId(), "Application: "+app.Name, "", AuditActionTokenIssued)
	return app.AssertionEndpoint + "?token=" + token.TokenBody, nil
}

// ResolveToken resolves a bearer token body to its principal and application.
// Tokens do not expire: a body either resolves or it does not. A token whose
// principal has since been deleted is treated as not found.
func (x *Central) ResolveToken(tokenBody string) (*AuthToken, *User, error) {
	token, err := x.tokenDB.GetByBody(tokenBody)
	if err != nil {
		return nil, nil, err
	}
	user, eUser := x.userStore.GetUserById(token.UserId)
	if eUser != nil {
		// Dangling token: principal deleted after issuance.
		return nil, nil, ErrTokenNotFound
	}
	x.Stats.IncrementTokensResolved(x.Log)
	return token, user, nil
}

// ResolveTokenForApplication is ResolveToken scoped to one application: a
// token issued for a different application is not visible to this caller.
func (x *Central) ResolveTokenForApplication(tokenBody string, applicationId int64) (*AuthToken, *User, error) {
	token, err := x.tokenDB.GetByBodyForApplication(tokenBody, applicationId)
	if err != nil {
		return nil, nil, err
	}
	user, eUser := x.userStore.GetUserById(token.UserId)
	if eUser != nil {
		return nil, nil, ErrTokenNotFound
	}
	x.Stats.IncrementTokensResolved(x.Log)
	return token, user, nil
}

// ResolveSecretKey resolves an application secret key to its application.
func (x *Central) ResolveSecretKey(secret string) (*Application, error) {
	key, err := x.appDB.GetKeyBySecret(secret)
	if err != nil {
		return nil, err
	}
	return x.appDB.GetApplicationById(key.ApplicationId)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// User administration

// GetUserByIdentifier resolves either an opaque store ID ("42") or the
// composite "idp.username" form.
func (x *Central) GetUserByIdentifier(identifier string) (*User, error) {
	if id, eParse := strconv.ParseInt(identifier, 10, 64); eParse == nil {
		if user, err := x.userStore.GetUserById(UserId(id)); err == nil {
			return user, nil
		}
	}
	dot := strings.Index(identifier, ".")
	if dot <= 0 || dot == len(identifier)-1 {
		return nil, ErrIdentityNotFound
	}
	return x.userStore.GetUserByIdpUsername(identifier[:dot], identifier[dot+1:])
}

// CreateUser creates a principal in the user store.
func (x *Central) CreateUser(user *User, password string) (UserId, error) {
	userId, e := x.userStore.CreateUser(user, password)
	if e == nil {
		x.Log.Infof("CreateUser successful: (%v)", userId)
		x.Auditor.AuditUserAction(user.ReadableId(), "User Profile: "+user.Username, "", AuditActionCreated)
	} else {
		x.Log.Warnf("CreateUser failed: (%v), (%v)", userId, e)
	}
	return userId, e
}

// DeleteUser removes a principal, and invalidates its sessions. Tokens that
// reference the principal are left dangling deliberately; they become
// invalid on lookup.
func (x *Central) DeleteUser(userId UserId) error {
	user, eUser := x.userStore.GetUserById(userId)
	if eUser != nil {
		return eUser
	}
	if e := x.userStore.DeleteUser(userId); e != nil {
		x.Log.Warnf("DeleteUser failed: (%v), (%v)", userId, e)
		return e
	}
	x.InvalidateSessionsForUser(userId)
	x.Auditor.AuditUserAction(user.ReadableId(), "User Profile: "+user.Username, "", AuditActionDeleted)
	return nil
}

// SetUserGroups overwrites a principal's group set.
// Concurrent writers are not guarded: the last writer wins, which can drop a
// concurrent addition. Serializing group mutations is left to the caller.
func (x *Central) SetUserGroups(userId UserId, groups []string) error {
	user, eUser := x.userStore.GetUserById(userId)
	if eUser != nil {
		return eUser
	}
	before := user.Groups
	if err := x.userStore.SaveGroups(userId, groups); err != nil {
		x.Log.Errorf("SetUserGroups failed (%v) (%v)", userId, err)
		return err
	}
	x.Auditor.AuditUserAction(user.ReadableId(), "User Profile: "+user.Username, GroupsChangeContext(before, groups), AuditActionUpdated)
	return nil
}

// GetUsers retrieves all principals.
func (x *Central) GetUsers() ([]*User, error) {
	return x.userStore.GetUsers()
}

func (x *Central) IsShuttingDown() bool {
	return atomic.LoadUint32(&x.shuttingDown) != 0
}

func (x *Central) Close() {
	if x.Log != nil {
		x.Log.Infof("Atheneum has started shutting down")
	}
	atomic.StoreUint32(&x.shuttingDown, 1)
	if x.userStore != nil {
		x.userStore.Close()
		x.userStore = nil
	}
	if x.sessionDB != nil {
		x.sessionDB.Close()
		x.sessionDB = nil
	}
	if x.containerDB != nil {
		x.containerDB.Close()
		x.containerDB = nil
	}
	if x.appDB != nil {
		x.appDB.Close()
		x.appDB = nil
	}
	if x.tokenDB != nil {
		x.tokenDB.Close()
		x.tokenDB = nil
	}
	if x.DB != nil {
		x.DB.Close()
	}
	if x.Log != nil {
		x.Log.Infof("Atheneum has shut down")
		// Don't set Log to nil, because a background/cleanup goroutine can't be expected to
		// check for x.Log being nil every time before it emits a log message.
	}
}
