package atheneum

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
)

/*

Example config:

{
	"HTTP": {
		"CookieName":	"session",
		"CookieSecure":	true,
		"Port":			8080,
		"Bind":			"127.0.0.1"
	},
	"DB": {
		"Driver":		"postgres",
		"Host":			"auth.example.com",
		"Database": 	"atheneum",
		"User":			"jim",
		"Password":		"123",
		"SSL":			true
	},
	"MasterKey":	"keyboard cat",
	"SessionDB": {
		"SessionExpirySeconds": 2592000
	},
	"IdentityProviders": [
		{
			"Name":	"local",
			"Type":	"local"
		},
		{
			"Name":	"utoronto",
			"Type":	"saml",
			"SAML": {
				"IdpSsoUrl":		"https://idp.example.edu/sso",
				"IdpCertFile":		"/etc/atheneum/idp.crt",
				"SpEntityId":		"https://auth.example.edu/saml/metadata",
				"SpKeyFile":		"/etc/atheneum/sp.key",
				"SpCertFile":		"/etc/atheneum/sp.crt"
			}
		}
	]
}

*/

type DBConnection struct {
	Driver   string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSL      bool
}

func (x *DBConnection) Connect() (*sql.DB, error) {
	return sql.Open(x.Driver, x.ConnectionString())
}

func (x *DBConnection) ConnectionString() string {
	sslmode := "disable"
	if x.SSL {
		sslmode = "require"
	}
	conStr := fmt.Sprintf("host=%v user=%v password=%v dbname=%v sslmode=%v", x.Host, x.User, x.Password, x.Database, sslmode)
	if x.Port != 0 {
		conStr += fmt.Sprintf(" port=%v", x.Port)
	}
	return conStr
}

type ConfigHTTP struct {
	CookieName   string
	CookieSecure bool
	Port         int
	Bind         string
}

type ConfigLog struct {
	Filename string
}

type ConfigSessionDB struct {
	SessionExpirySeconds int64
}

// ConfigSAML holds the settings for one federated identity provider. The
// certificate and key material can be given inline (PEM) or as file paths;
// inline wins if both are present.
type ConfigSAML struct {
	IdpSsoUrl    string
	IdpCert      string // PEM
	IdpCertFile  string
	SpEntityId   string
	SpKey        string // PEM
	SpKeyFile    string
	SpCert       string // PEM
	SpCertFile   string
	ClockSkewMS  int64  // tolerated skew on assertion validity windows
	UsernameAttr string // assertion attribute used as the username; NameID if empty
	SignRequests bool
	ForceAuthn   bool
}

type ConfigIdentityProvider struct {
	Name string
	Type string // "local" or "saml"
	SAML ConfigSAML
}

type Config struct {
	HTTP              ConfigHTTP
	Log               ConfigLog
	DB                DBConnection
	SessionDB         ConfigSessionDB
	MasterKey         string
	IdentityProviders []ConfigIdentityProvider
}

func (x *Config) Reset() {
	*x = Config{}
	x.HTTP.CookieName = "session"
	x.HTTP.Bind = "127.0.0.1"
	x.HTTP.Port = 8080
	x.DB.Driver = "postgres"
}

func (x *Config) Validate() error {
	if x.SessionDB.SessionExpirySeconds < 0 {
		return errors.New("SessionExpirySeconds must be 0 or more")
	}
	seenName := map[string]bool{}
	seenType := map[string]bool{}
	for _, p := range x.IdentityProviders {
		if p.Name == "" {
			return errors.New("Identity provider must have a name")
		}
		if seenName[p.Name] {
			return fmt.Errorf("Duplicate identity provider name %v", p.Name)
		}
		seenName[p.Name] = true
		if p.Type != "local" && p.Type != "saml" {
			return fmt.Errorf("Unrecognized identity provider type %v", p.Type)
		}
		// At most one provider of each type may be active.
		if seenType[p.Type] {
			return NewError(ErrValidation, "more than one identity provider of type "+p.Type)
		}
		seenType[p.Type] = true
	}
	return nil
}

func (x *Config) LoadFile(filename string) error {
	x.Reset()
	var file *os.File
	var all []byte
	var err error
	if file, err = os.Open(filename); err != nil {
		return err
	}
	if all, err = ioutil.ReadAll(file); err != nil {
		return err
	}
	if err = json.Unmarshal(all, x); err != nil {
		return err
	}
	return nil
}
