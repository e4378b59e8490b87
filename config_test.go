package atheneum

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigLoadFile(t *testing.T) {
	raw := `{
		"HTTP": {"CookieSecure": true, "Port": 9000},
		"DB": {"Host": "db.example.edu", "Database": "atheneum", "User": "ia", "Password": "pw"},
		"MasterKey": "keyboard cat",
		"SessionDB": {"SessionExpirySeconds": 3600},
		"IdentityProviders": [
			{"Name": "local", "Type": "local"},
			{"Name": "utoronto", "Type": "saml", "SAML": {"IdpSsoUrl": "https://idp.example.edu/sso"}}
		]
	}`
	filename := filepath.Join(t.TempDir(), "config.json")
	if err := ioutil.WriteFile(filename, []byte(raw), 0600); err != nil {
		t.Fatalf("Writing config file failed: %v", err)
	}

	config := Config{}
	if err := config.LoadFile(filename); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	// Absent keys keep their Reset defaults
	if config.HTTP.CookieName != "session" || config.HTTP.Bind != "127.0.0.1" {
		t.Errorf("Defaults lost: %v %v", config.HTTP.CookieName, config.HTTP.Bind)
	}
	if config.HTTP.Port != 9000 || !config.HTTP.CookieSecure {
		t.Errorf("HTTP settings not loaded: %+v", config.HTTP)
	}
	if config.DB.Driver != "postgres" || config.DB.Host != "db.example.edu" {
		t.Errorf("DB settings wrong: %+v", config.DB)
	}
	if config.MasterKey != "keyboard cat" {
		t.Errorf("MasterKey not loaded")
	}
	if len(config.IdentityProviders) != 2 || config.IdentityProviders[1].SAML.IdpSsoUrl == "" {
		t.Errorf("Identity providers not loaded: %+v", config.IdentityProviders)
	}

	if err := config.LoadFile(filepath.Join(t.TempDir(), "missing.json")); !os.IsNotExist(err) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	config := Config{}
	config.Reset()
	if err := config.Validate(); err != nil {
		t.Errorf("Empty config should validate: %v", err)
	}

	config.SessionDB.SessionExpirySeconds = -1
	if err := config.Validate(); err == nil {
		t.Errorf("Negative session expiry must be rejected")
	}
	config.SessionDB.SessionExpirySeconds = 0

	config.IdentityProviders = []ConfigIdentityProvider{{Name: "", Type: "local"}}
	if err := config.Validate(); err == nil {
		t.Errorf("Unnamed provider must be rejected")
	}
	config.IdentityProviders = []ConfigIdentityProvider{
		{Name: "a", Type: "local"},
		{Name: "a", Type: "saml"},
	}
	if err := config.Validate(); err == nil {
		t.Errorf("Duplicate provider names must be rejected")
	}
	config.IdentityProviders = []ConfigIdentityProvider{{Name: "x", Type: "oauth"}}
	if err := config.Validate(); err == nil {
		t.Errorf("Unknown provider type must be rejected")
	}
	config.IdentityProviders = []ConfigIdentityProvider{
		{Name: "campus-a", Type: "local"},
		{Name: "campus-b", Type: "local"},
	}
	if err := config.Validate(); err == nil || !IsError(err, ErrValidation) {
		t.Errorf("Two local providers must be rejected: %v", err)
	}
	config.IdentityProviders = []ConfigIdentityProvider{
		{Name: "idp-a", Type: "saml"},
		{Name: "idp-b", Type: "saml"},
	}
	if err := config.Validate(); err == nil || !IsError(err, ErrValidation) {
		t.Errorf("Two saml providers must be rejected: %v", err)
	}
	config.IdentityProviders = []ConfigIdentityProvider{
		{Name: "campus", Type: "local"},
		{Name: "idp", Type: "saml"},
	}
	if err := config.Validate(); err != nil {
		t.Errorf("One provider of each type should validate: %v", err)
	}
}

func TestConfigConnectionString(t *testing.T) {
	conn := DBConnection{Driver: "postgres", Host: "localhost", Database: "db", User: "u", Password: "p"}
	if s := conn.ConnectionString(); s != "host=localhost user=u password=p dbname=db sslmode=disable" {
		t.Errorf("Unexpected connection string: %v", s)
	}
	conn.SSL = true
	conn.Port = 6432
	if s := conn.ConnectionString(); s != "host=localhost user=u password=p dbname=db sslmode=require port=6432" {
		t.Errorf("Unexpected connection string: %v", s)
	}
}
