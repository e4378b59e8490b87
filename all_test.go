package atheneum

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/IMQS/log"
)

/*
Create a test Postgres database:
	create role atheneum_test login password 'atheneum_test';
	create database atheneum_test owner = atheneum_test;

Suggested test runs:

	-- Test using maps mocking the backend:
	go test -race . -test.cpu 2

	-- Test using postgres as the backend:
	go test -race . -test.cpu 2 -backend_postgres
*/

var backend_postgres = flag.Bool("backend_postgres", false, "Run tests against Postgres backend")

// These are hard-coded identities for unit test predictability
var aliceUsername = "alice"
var bobUsername = "Bob"
var carolUsername = "carol"

var alicePwd = "1234abcd"
var bobPwd = "abcd1234"
var carolPwd = "12341234"

// These hard-coded UserId values are predictable because we always wipe the
// backend when running tests, so IDs start at 1
var aliceUserId UserId = 1
var bobUserId UserId = 2
var carolUserId UserId = 3
var notFoundUserId UserId = 999

var conx_postgres = DBConnection{
	Driver:   "postgres",
	Host:     "localhost",
	Port:     5432,
	Database: "unit_test_atheneum",
	User:     "unit_test_user",
	Password: "unit_test_password",
	SSL:      false,
}

func isBackendPostgresTest() bool {
	return *backend_postgres
}

func sqlDeleteAllTables(conn DBConnection, t *testing.T) {
	db, err := conn.Connect()
	if err != nil {
		t.Fatalf("Unable to connect to database %v: %v", conn.Database, err)
	}
	defer db.Close()
	tables := []string{"authuser", "authusergroup", "authsession", "authcontainer", "authapp", "authappkey", "authtoken", "migration_version"}
	for _, table := range tables {
		db.Exec("DROP TABLE IF EXISTS " + table)
	}
}

func getCentral(t *testing.T) *Central {
	if isBackendPostgresTest() {
		if err := SqlCreateDatabase(&conx_postgres); err != nil {
			t.Fatalf("Unable to create test database: %v", err)
		}
		sqlDeleteAllTables(conx_postgres, t)
		if err := RunMigrations(&conx_postgres); err != nil {
			t.Fatalf("Unable to run migrations: %v", err)
		}
		db, err := conx_postgres.Connect()
		if err != nil {
			t.Fatalf("Unable to connect to database: %v", err)
		}
		userStore, _ := NewUserStoreDB_SQL(db)
		sessionDB, _ := NewSessionDB_SQL(db)
		containerDB, _ := NewContainerDB_SQL(db)
		appDB, _ := NewAppDB_SQL(db)
		tokenDB, _ := NewTokenDB_SQL(db)
		central := NewCentral(log.Stdout, userStore, sessionDB, containerDB, appDB, tokenDB)
		central.DB = db
		return central
	}
	return NewCentralDummy(log.Stdout)
}

func setup(t *testing.T) *Central {
	central := getCentral(t)

	alice := &User{
		Idp:      "local",
		Username: aliceUsername,
		Email:    "alice@example.edu",
		Groups:   []string{"admin"},
	}
	if _, e := central.CreateUser(alice, alicePwd); e != nil {
		t.Fatalf("CreateUser failed: %v", e)
	}
	bob := &User{
		Idp:      "local",
		Username: bobUsername,
		Email:    "bob@example.edu",
	}
	if _, e := central.CreateUser(bob, bobPwd); e != nil {
		t.Fatalf("CreateUser failed: %v", e)
	}
	carol := &User{
		Idp:      "local",
		Username: carolUsername,
		Email:    "carol@example.edu",
	}
	if _, e := central.CreateUser(carol, carolPwd); e != nil {
		t.Fatalf("CreateUser failed: %v", e)
	}

	return central
}

func Teardown(central *Central) {
	central.Close()
}

func anonymousSession(t *testing.T, central *Central) *Session {
	session, err := central.CreateAnonymousSession()
	if err != nil {
		t.Fatalf("CreateAnonymousSession failed: %v", err)
	}
	return session
}

func TestAuthLoginLocal(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	session := anonymousSession(t, c)
	user, err := c.LoginLocal(session, "local", aliceUsername, alicePwd)
	if err != nil {
		t.Errorf("Login should have succeeded: %v", err)
	}
	if user.UserId != aliceUserId {
		t.Errorf("Expected user %v, got %v", aliceUserId, user.UserId)
	}
	if session.UserId != aliceUserId {
		t.Errorf("Session should be authenticated as %v", aliceUserId)
	}

	session2 := anonymousSession(t, c)
	if _, err := c.LoginLocal(session2, "local", aliceUsername, "wrong password"); !IsError(err, ErrAuthentication) {
		t.Errorf("Expected authentication error, got %v", err)
	}
	if _, err := c.LoginLocal(session2, "local", " ", alicePwd); !IsError(err, ErrValidation) {
		t.Errorf("Expected validation error for empty identity, got %v", err)
	}
	if _, err := c.LoginLocal(session2, "local", "nobody", "x"); !IsError(err, ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestAuthUsernameCaseInsensitive(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	// Bob was created with a capital B; logging in with any casing works
	session := anonymousSession(t, c)
	if _, err := c.LoginLocal(session, "local", "bob", bobPwd); err != nil {
		t.Errorf("Case-insensitive login should have succeeded: %v", err)
	}

	// But a second identity differing only in case is a conflict
	dup := &User{Idp: "local", Username: "BOB"}
	if _, err := c.CreateUser(dup, "x"); !IsError(err, ErrConflict) {
		t.Errorf("Expected conflict creating case-variant duplicate, got %v", err)
	}
}

func TestAuthSessionExpiry(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	testExpiry := 50 * time.Millisecond
	c.NewSessionExpiresAfter = testExpiry

	session := anonymousSession(t, c)
	if _, err := c.LoginLocal(session, "local", aliceUsername, alicePwd); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := c.GetSession(session.Key); err != nil {
		t.Errorf("Session should still be alive: %v", err)
	}
	time.Sleep(testExpiry + 20*time.Millisecond)
	if _, err := c.GetSession(session.Key); !IsError(err, ErrAuthentication) {
		t.Errorf("Expected expired session to read as invalid, got %v", err)
	}
}

func TestAuthLogout(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	session := anonymousSession(t, c)
	if _, err := c.LoginLocal(session, "local", aliceUsername, alicePwd); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := c.Logout(session.Key); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := c.GetSession(session.Key); err == nil {
		t.Errorf("Session should be gone after logout")
	}
}

func TestAuthDeleteUserInvalidatesSessions(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	session := anonymousSession(t, c)
	if _, err := c.LoginLocal(session, "local", bobUsername, bobPwd); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := c.DeleteUser(bobUserId); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, err := c.GetSession(session.Key); err == nil {
		t.Errorf("Sessions of a deleted user should be invalid")
	}
	if _, err := c.userStore.GetUserById(bobUserId); !IsError(err, ErrNotFound) {
		t.Errorf("Expected not found for deleted user, got %v", err)
	}
}

func TestAuthFederatedImplicitCreation(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	attributes := map[string]string{"urn:oid:displayName": "Dave Example"}
	user, err := c.ResolveFederatedUser("utoronto", "dave", attributes)
	if err != nil {
		t.Fatalf("First federated resolve should create the user: %v", err)
	}
	if user.PasswordHash != "" {
		t.Errorf("Federated user must not carry a local credential")
	}
	if user.Attributes["urn:oid:displayName"] != "Dave Example" {
		t.Errorf("Assertion attributes should be stored on the new user")
	}

	again, err := c.ResolveFederatedUser("utoronto", "dave", nil)
	if err != nil {
		t.Fatalf("Second federated resolve failed: %v", err)
	}
	if again.UserId != user.UserId {
		t.Errorf("Repeat federated login must resolve the same principal")
	}

	// The same username under a different provider is a different principal
	other, err := c.ResolveFederatedUser("shibboleth", "dave", nil)
	if err != nil {
		t.Fatalf("Resolve under second provider failed: %v", err)
	}
	if other.UserId == user.UserId {
		t.Errorf("Principals are scoped per provider")
	}

	// A federated principal's empty password never verifies
	session := anonymousSession(t, c)
	if _, err := c.LoginLocal(session, "utoronto", "dave", ""); !IsError(err, ErrAuthentication) {
		t.Errorf("Empty password must not authenticate a federated principal, got %v", err)
	}
}

func TestAuthGetUserByIdentifier(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	byId, err := c.GetUserByIdentifier("1")
	if err != nil || byId.Username != aliceUsername {
		t.Errorf("Lookup by store ID failed: %v", err)
	}
	byComposite, err := c.GetUserByIdentifier("local.alice")
	if err != nil || byComposite.UserId != aliceUserId {
		t.Errorf("Lookup by idp.username failed: %v", err)
	}
	if _, err := c.GetUserByIdentifier("999"); !IsError(err, ErrNotFound) {
		t.Errorf("Expected not found for unknown ID, got %v", err)
	}
	if _, err := c.GetUserByIdentifier("malformed"); !IsError(err, ErrNotFound) {
		t.Errorf("Expected not found for malformed identifier, got %v", err)
	}
}

func TestTokenIssueAndResolve(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	alice, _ := c.userStore.GetUserById(aliceUserId)
	app, err := c.RegisterApplication(alice, "gradebook", "https://gradebook.example.edu/assert", nil)
	if err != nil {
		t.Fatalf("RegisterApplication failed: %v", err)
	}
	otherApp, err := c.RegisterApplication(alice, "forum", "https://forum.example.edu/assert", nil)
	if err != nil {
		t.Fatalf("RegisterApplication failed: %v", err)
	}

	session := anonymousSession(t, c)
	bob, err := c.LoginLocal(session, "local", bobUsername, bobPwd)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := c.SetPendingApplication(session, app.Id); err != nil {
		t.Fatalf("SetPendingApplication failed: %v", err)
	}

	redirect, err := c.CompleteLogin(session, bob)
	if err != nil {
		t.Fatalf("CompleteLogin failed: %v", err)
	}
	if !strings.HasPrefix(redirect, app.AssertionEndpoint+"?token=") {
		t.Fatalf("Redirect should target the assertion endpoint, got %v", redirect)
	}
	tokenBody := strings.TrimPrefix(redirect, app.AssertionEndpoint+"?token=")

	token, user, err := c.ResolveToken(tokenBody)
	if err != nil {
		t.Fatalf("ResolveToken failed: %v", err)
	}
	if token.ApplicationId != app.Id || user.UserId != bob.UserId {
		t.Errorf("Token must resolve to exactly the issuing (user, application) pair")
	}

	// Application-scoped resolution hides tokens of other applications
	if _, _, err := c.ResolveTokenForApplication(tokenBody, otherApp.Id); !IsError(err, ErrNotFound) {
		t.Errorf("Token must not be visible to another application, got %v", err)
	}
	if _, _, err := c.ResolveTokenForApplication(tokenBody, app.Id); err != nil {
		t.Errorf("Token should resolve for its own application: %v", err)
	}

	if _, _, err := c.ResolveToken("no-such-token"); !IsError(err, ErrNotFound) {
		t.Errorf("Unknown token must read as not found, got %v", err)
	}

	// Pending application is consumed: a second CompleteLogin issues nothing
	redirect2, err := c.CompleteLogin(session, bob)
	if err != nil || redirect2 != "/session" {
		t.Errorf("Second CompleteLogin should land on the session page, got %v (%v)", redirect2, err)
	}

	// Tokens never expire, but a deleted principal makes them dangle
	if err := c.DeleteUser(bob.UserId); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, _, err := c.ResolveToken(tokenBody); !IsError(err, ErrNotFound) {
		t.Errorf("Token of a deleted principal must read as not found, got %v", err)
	}
}

func TestTokenPendingClearedOnMissingApplication(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	session := anonymousSession(t, c)
	bob, err := c.LoginLocal(session, "local", bobUsername, bobPwd)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := c.SetPendingApplication(session, 777); err != nil {
		t.Fatalf("SetPendingApplication failed: %v", err)
	}

	// The pending application does not exist. No token is issued, and the
	// pending marker is still consumed.
	redirect, err := c.CompleteLogin(session, bob)
	if err != nil || redirect != "/session" {
		t.Fatalf("Expected fallback to session page, got %v (%v)", redirect, err)
	}
	if session.PendingApplicationId != 0 {
		t.Errorf("Pending application must be cleared even when issuance cannot happen")
	}
	persisted, _ := c.GetSession(session.Key)
	if persisted.PendingApplicationId != 0 {
		t.Errorf("Cleared pending application must be persisted")
	}
}

func TestApplicationKeys(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	alice, _ := c.userStore.GetUserById(aliceUserId)
	app, err := c.RegisterApplication(alice, "gradebook", "https://gradebook.example.edu/assert", nil)
	if err != nil {
		t.Fatalf("RegisterApplication failed: %v", err)
	}
	if _, err := c.RegisterApplication(alice, "gradebook", "https://elsewhere.example.edu", nil); !IsError(err, ErrConflict) {
		t.Errorf("Duplicate application name must conflict, got %v", err)
	}

	key, err := c.GenerateApplicationKey(app.Id)
	if err != nil {
		t.Fatalf("GenerateApplicationKey failed: %v", err)
	}
	if !strings.HasPrefix(key.PublishableKey, "pk_") || !strings.HasPrefix(key.SecretKey, "sk_") {
		t.Errorf("Key pair must carry the pk_/sk_ prefixes, got %v %v", key.PublishableKey, key.SecretKey)
	}

	resolved, err := c.ResolveSecretKey(key.SecretKey)
	if err != nil || resolved.Id != app.Id {
		t.Errorf("Secret key must resolve to its application: %v", err)
	}

	if err := c.RevokeApplicationKey(key.Id); err != nil {
		t.Fatalf("RevokeApplicationKey failed: %v", err)
	}
	if _, err := c.ResolveSecretKey(key.SecretKey); !IsError(err, ErrNotFound) {
		t.Errorf("Revoked secret must stop resolving, got %v", err)
	}
}

func TestGroupsSetAndAudit(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	groups := []string{"developer", "course.csc301.student"}
	if err := c.SetUserGroups(bobUserId, groups); err != nil {
		t.Fatalf("SetUserGroups failed: %v", err)
	}
	bob, _ := c.userStore.GetUserById(bobUserId)
	if len(bob.Groups) != 2 || bob.Groups[0] != "developer" || bob.Groups[1] != "course.csc301.student" {
		t.Errorf("Group set round trip failed: %v", bob.Groups)
	}
	if !bob.IsDeveloper() || bob.IsAdmin() {
		t.Errorf("Literal group checks are wrong: %v", bob.Groups)
	}

	if err := c.SetUserGroups(notFoundUserId, groups); !IsError(err, ErrNotFound) {
		t.Errorf("Expected not found for unknown user, got %v", err)
	}

	if context := GroupsChangeContext([]string{"a"}, []string{"a", "b"}); context == "" {
		t.Errorf("A group change must produce a non-empty diff context")
	}
	if context := GroupsChangeContext([]string{"a"}, []string{"a"}); context != "" {
		t.Errorf("An unchanged group set must produce an empty diff context, got %v", context)
	}
}

func TestStatsCounters(t *testing.T) {
	c := setup(t)
	defer Teardown(c)

	session := anonymousSession(t, c)
	c.LoginLocal(session, "local", aliceUsername, alicePwd)
	c.LoginLocal(anonymousSession(t, c), "local", aliceUsername, "bad")
	c.GetSession("not-a-session-key")

	if c.Stats.GoodLogin == 0 {
		t.Errorf("GoodLogin counter should have advanced")
	}
	if c.Stats.InvalidPasswords == 0 {
		t.Errorf("InvalidPasswords counter should have advanced")
	}
	if c.Stats.InvalidSessionKeys == 0 {
		t.Errorf("InvalidSessionKeys counter should have advanced")
	}
}

func TestRandomStringCorpus(t *testing.T) {
	corpus := "ab"
	s := RandomString(64, corpus)
	if len(s) != 64 {
		t.Fatalf("Wrong length %v", len(s))
	}
	for _, ch := range s {
		if ch != 'a' && ch != 'b' {
			t.Fatalf("Character %c outside corpus", ch)
		}
	}
	if generateSessionKey() == generateSessionKey() {
		t.Errorf("Session keys must not repeat")
	}
}
