package atheneum

import (
	"time"
)

// An Application is a registered client of the gateway: an external system
// that receives bearer tokens at its assertion endpoint after a principal
// logs in on its behalf.
type Application struct {
	Id                int64
	UserId            UserId // Principal that registered the application
	Name              string
	AssertionEndpoint string
	Groups            []string
	Created           time.Time
	Modified          time.Time
}

// An ApplicationKey is one issued key pair for an application. The
// publishable key is safe to embed in client-side code; the secret key
// authenticates the application itself on the machine API.
type ApplicationKey struct {
	Id             int64
	ApplicationId  int64
	PublishableKey string
	SecretKey      string
	Created        time.Time
}

// An AuthToken is one issued bearer credential, binding a principal to an
// application. Tokens carry no expiry; revocation means deleting the record
// or the principal.
type AuthToken struct {
	Id            int64
	UserId        UserId
	ApplicationId int64
	TokenBody     string
	Created       time.Time
}

var (
	ErrApplicationExists = NewError(ErrConflict, "application with that name already exists")
)

const keyCorpus = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Application administration

// RegisterApplication registers a new client application. Names are unique.
func (x *Central) RegisterApplication(owner *User, name, assertionEndpoint string, groups []string) (*Application, error) {
	if name == "" || assertionEndpoint == "" {
		return nil, NewError(ErrValidation, "application name and assertion endpoint are required")
	}
	apps, err := x.appDB.GetAllApplications()
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if a.Name == name {
			return nil, ErrApplicationExists
		}
	}
	app := &Application{
		UserId:            owner.UserId,
		Name:              name,
		AssertionEndpoint: assertionEndpoint,
		Groups:            groups,
		Created:           time.Now().UTC(),
		Modified:          time.Now().UTC(),
	}
	if err := x.appDB.InsertApplication(app); err != nil {
		return nil, err
	}
	x.Auditor.AuditUserAction(owner.ReadableId(), "Application: "+name, "", AuditActionCreated)
	return app, nil
}

func (x *Central) GetApplication(id int64) (*Application, error) {
	return x.appDB.GetApplicationById(id)
}

func (x *Central) GetAllApplications() ([]*Application, error) {
	return x.appDB.GetAllApplications()
}

// DeleteApplication removes an application and its key pairs. Issued tokens
// are left dangling; they stop resolving through the application-scoped
// lookup once the application row is gone.
func (x *Central) DeleteApplication(id int64) error {
	app, err := x.appDB.GetApplicationById(id)
	if err != nil {
		return err
	}
	keys, eKeys := x.appDB.GetKeysForApplication(id)
	if eKeys != nil {
		return eKeys
	}
	for _, key := range keys {
		if e := x.appDB.DeleteKey(key.Id); e != nil {
			return e
		}
	}
	if err := x.appDB.DeleteApplication(id); err != nil {
		return err
	}
	x.Auditor.AuditUserAction("", "Application: "+app.Name, "", AuditActionDeleted)
	return nil
}

// GenerateApplicationKey issues a fresh key pair for an application.
func (x *Central) GenerateApplicationKey(applicationId int64) (*ApplicationKey, error) {
	if _, err := x.appDB.GetApplicationById(applicationId); err != nil {
		return nil, err
	}
	key := &ApplicationKey{
		ApplicationId:  applicationId,
		PublishableKey: "pk_" + RandomString(24, keyCorpus),
		SecretKey:      "sk_" + RandomString(40, keyCorpus),
		Created:        time.Now().UTC(),
	}
	if err := x.appDB.InsertKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeApplicationKey deletes one key pair. Secret-key callers holding the
// revoked secret lose access immediately.
func (x *Central) RevokeApplicationKey(keyId int64) error {
	return x.appDB.DeleteKey(keyId)
}

func (x *Central) GetApplicationKeys(applicationId int64) ([]*ApplicationKey, error) {
	return x.appDB.GetKeysForApplication(applicationId)
}

// GetTokensForUser lists the bearer tokens issued for a principal.
func (x *Central) GetTokensForUser(userId UserId) ([]*AuthToken, error) {
	return x.tokenDB.GetForUser(userId)
}
