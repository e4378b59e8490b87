package atheneum

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
)

/*
Password storage:

One row per principal in authuser. The salt is a UUID string and the password
column holds hex(pbkdf2-sha512(password, salt, iterations=1, keylen=32)).
Federated principals have an empty password column, and an empty password
never verifies against one. Changing the hashing parameters means rehashing
every stored credential; see hash.go.
*/

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type sqlUserStoreDB struct {
	db *sql.DB
}

func (x *sqlUserStoreDB) CreateUser(user *User, password string) (UserId, error) {
	tx, etx := x.db.Begin()
	if etx != nil {
		return NullUserId, etx
	}
	var existing int64
	if escan := tx.QueryRow(`SELECT id FROM authuser WHERE idp = $1 AND LOWER(username) = LOWER($2)`, user.Idp, user.Username).Scan(&existing); escan == nil {
		tx.Rollback()
		return NullUserId, ErrIdentityExists
	} else if escan != sql.ErrNoRows {
		tx.Rollback()
		return NullUserId, escan
	}

	user.Salt = NewPasswordSalt()
	user.PasswordHash = ""
	if password != "" {
		user.PasswordHash = HashPassword(password, user.Salt)
	}
	attributes, eattr := encodeAttributes(user.Attributes)
	if eattr != nil {
		tx.Rollback()
		return NullUserId, eattr
	}
	now := time.Now().UTC()
	var userId int64
	if escan := tx.QueryRow(
		`INSERT INTO authuser (idp, username, salt, password, email, attributes, created, modified) VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		user.Idp, user.Username, user.Salt, user.PasswordHash, user.Email, attributes, now).Scan(&userId); escan != nil {
		tx.Rollback()
		return NullUserId, escan
	}
	for _, group := range user.Groups {
		if _, eins := tx.Exec(`INSERT INTO authusergroup (userid, groupname) VALUES ($1, $2)`, userId, group); eins != nil {
			tx.Rollback()
			return NullUserId, eins
		}
	}
	if ecommit := tx.Commit(); ecommit != nil {
		return NullUserId, ecommit
	}
	user.UserId = UserId(userId)
	user.Created = now
	user.Modified = now
	return user.UserId, nil
}

func (x *sqlUserStoreDB) GetUserById(userId UserId) (*User, error) {
	return x.getUser(`WHERE id = $1`, int64(userId))
}

func (x *sqlUserStoreDB) GetUserByIdpUsername(idp, username string) (*User, error) {
	return x.getUser(`WHERE idp = $1 AND LOWER(username) = LOWER($2)`, idp, username)
}

func (x *sqlUserStoreDB) getUser(where string, args ...interface{}) (*User, error) {
	row := x.db.QueryRow(`SELECT id, idp, username, salt, password, email, attributes, created, modified FROM authuser `+where, args...)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	if err := x.loadGroups(user); err != nil {
		return nil, err
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	user := &User{}
	var salt, password, email, attributes sql.NullString
	var id int64
	if err := row.Scan(&id, &user.Idp, &user.Username, &salt, &password, &email, &attributes, &user.Created, &user.Modified); err != nil {
		return nil, err
	}
	user.UserId = UserId(id)
	user.Salt = salt.String
	user.PasswordHash = password.String
	user.Email = email.String
	if attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &user.Attributes); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func (x *sqlUserStoreDB) loadGroups(user *User) error {
	rows, err := x.db.Query(`SELECT groupname FROM authusergroup WHERE userid = $1 ORDER BY id`, int64(user.UserId))
	if err != nil {
		return err
	}
	defer rows.Close()
	user.Groups = []string{}
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return err
		}
		user.Groups = append(user.Groups, group)
	}
	return rows.Err()
}

func (x *sqlUserStoreDB) GetUsers() ([]*User, error) {
	return x.getUsers(`SELECT id, idp, username, salt, password, email, attributes, created, modified FROM authuser ORDER BY id`)
}

// FindUsersByGroup runs the pattern through Postgres' regex matcher, which
// agrees with the in-process matching on the pattern shapes the group scans
// produce.
func (x *sqlUserStoreDB) FindUsersByGroup(pattern string) ([]*User, error) {
	return x.getUsers(`SELECT u.id, u.idp, u.username, u.salt, u.password, u.email, u.attributes, u.created, u.modified
		FROM authuser u WHERE u.id IN (SELECT DISTINCT userid FROM authusergroup WHERE groupname ~ $1) ORDER BY u.id`, pattern)
}

func (x *sqlUserStoreDB) getUsers(query string, args ...interface{}) ([]*User, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		user, escan := scanUser(rows)
		if escan != nil {
			return nil, escan
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, user := range users {
		if err := x.loadGroups(user); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (x *sqlUserStoreDB) SaveGroups(userId UserId, groups []string) error {
	tx, etx := x.db.Begin()
	if etx != nil {
		return etx
	}
	if _, edel := tx.Exec(`DELETE FROM authusergroup WHERE userid = $1`, int64(userId)); edel != nil {
		tx.Rollback()
		return edel
	}
	for _, group := range groups {
		if _, eins := tx.Exec(`INSERT INTO authusergroup (userid, groupname) VALUES ($1, $2)`, int64(userId), group); eins != nil {
			tx.Rollback()
			return eins
		}
	}
	if update, eupdate := tx.Exec(`UPDATE authuser SET modified = $1 WHERE id = $2`, time.Now().UTC(), int64(userId)); eupdate != nil {
		tx.Rollback()
		return eupdate
	} else if affected, _ := update.RowsAffected(); affected != 1 {
		tx.Rollback()
		return ErrIdentityNotFound
	}
	return tx.Commit()
}

func (x *sqlUserStoreDB) SetPassword(userId UserId, password string) error {
	salt := NewPasswordSalt()
	hash := ""
	if password != "" {
		hash = HashPassword(password, salt)
	}
	if update, eupdate := x.db.Exec(`UPDATE authuser SET salt = $1, password = $2, modified = $3 WHERE id = $4`, salt, hash, time.Now().UTC(), int64(userId)); eupdate != nil {
		return eupdate
	} else if affected, _ := update.RowsAffected(); affected != 1 {
		return ErrIdentityNotFound
	}
	return nil
}

func (x *sqlUserStoreDB) DeleteUser(userId UserId) error {
	tx, etx := x.db.Begin()
	if etx != nil {
		return etx
	}
	if _, edel := tx.Exec(`DELETE FROM authusergroup WHERE userid = $1`, int64(userId)); edel != nil {
		tx.Rollback()
		return edel
	}
	del, edel := tx.Exec(`DELETE FROM authuser WHERE id = $1`, int64(userId))
	if edel != nil {
		tx.Rollback()
		return edel
	}
	if affected, _ := del.RowsAffected(); affected != 1 {
		tx.Rollback()
		return ErrIdentityNotFound
	}
	return tx.Commit()
}

func (x *sqlUserStoreDB) Close() {
}

func encodeAttributes(attributes map[string]string) (string, error) {
	if len(attributes) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type sqlSessionDB struct {
	db *sql.DB
}

func (x *sqlSessionDB) Write(sessionkey string, session *Session) error {
	flash, err := json.Marshal(session.Flash)
	if err != nil {
		return err
	}
	_, err = x.db.Exec(`INSERT INTO authsession (sessionkey, userid, pendingapp, expires, flash) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sessionkey) DO UPDATE SET userid = $2, pendingapp = $3, expires = $4, flash = $5`,
		sessionkey, int64(session.UserId), session.PendingApplicationId, session.Expires, string(flash))
	return err
}

func (x *sqlSessionDB) Read(sessionkey string) (*Session, error) {
	x.purgeExpiredSessions()
	session := &Session{Key: sessionkey}
	var userId, pendingApp int64
	var flash sql.NullString
	row := x.db.QueryRow(`SELECT userid, pendingapp, expires, flash FROM authsession WHERE sessionkey = $1`, sessionkey)
	if err := row.Scan(&userId, &pendingApp, &session.Expires, &flash); err != nil {
		return nil, ErrInvalidSessionKey
	}
	session.UserId = UserId(userId)
	session.PendingApplicationId = pendingApp
	if flash.String != "" {
		if err := json.Unmarshal([]byte(flash.String), &session.Flash); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (x *sqlSessionDB) InvalidateSessionsForUser(userId UserId) error {
	_, err := x.db.Exec(`DELETE FROM authsession WHERE userid = $1`, int64(userId))
	return err
}

func (x *sqlSessionDB) Delete(sessionkey string) error {
	_, err := x.db.Exec(`DELETE FROM authsession WHERE sessionkey = $1`, sessionkey)
	return err
}

func (x *sqlSessionDB) purgeExpiredSessions() {
	x.db.Exec(`DELETE FROM authsession WHERE expires < $1`, time.Now().UTC())
}

func (x *sqlSessionDB) Close() {
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type sqlContainerDB struct {
	db *sql.DB
}

func (x *sqlContainerDB) Insert(container *Container) error {
	content, err := encodeContent(container.Content)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var id int64
	escan := x.db.QueryRow(
		`INSERT INTO authcontainer (name, readgroups, writegroups, deletegroups, content, created, modified) VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		container.Name, container.ReadGroups, container.WriteGroups, container.DeleteGroups, content, now).Scan(&id)
	if escan != nil {
		// Unique violation on the name index reads as a conflict
		if _, eget := x.GetByName(container.Name); eget == nil {
			return ErrContainerExists
		}
		return escan
	}
	container.Id = id
	container.Created = now
	container.Modified = now
	return nil
}

func (x *sqlContainerDB) GetByName(name string) (*Container, error) {
	return x.getContainer(`WHERE name = $1`, name)
}

func (x *sqlContainerDB) GetById(id int64) (*Container, error) {
	return x.getContainer(`WHERE id = $1`, id)
}

func (x *sqlContainerDB) getContainer(where string, args ...interface{}) (*Container, error) {
	row := x.db.QueryRow(`SELECT id, name, readgroups, writegroups, deletegroups, content, created, modified FROM authcontainer `+where, args...)
	container, err := scanContainer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrContainerNotFound
		}
		return nil, err
	}
	return container, nil
}

func scanContainer(row rowScanner) (*Container, error) {
	container := &Container{}
	var readGroups, writeGroups, deleteGroups, content sql.NullString
	if err := row.Scan(&container.Id, &container.Name, &readGroups, &writeGroups, &deleteGroups, &content, &container.Created, &container.Modified); err != nil {
		return nil, err
	}
	container.ReadGroups = readGroups.String
	container.WriteGroups = writeGroups.String
	container.DeleteGroups = deleteGroups.String
	if content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &container.Content); err != nil {
			return nil, err
		}
	}
	return container, nil
}

func (x *sqlContainerDB) GetAll() ([]*Container, error) {
	return x.getContainers(`SELECT id, name, readgroups, writegroups, deletegroups, content, created, modified FROM authcontainer ORDER BY name`)
}

func (x *sqlContainerDB) FindByNameRegex(pattern string) ([]*Container, error) {
	return x.getContainers(`SELECT id, name, readgroups, writegroups, deletegroups, content, created, modified FROM authcontainer WHERE name ~ $1 ORDER BY name`, pattern)
}

func (x *sqlContainerDB) getContainers(query string, args ...interface{}) ([]*Container, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	containers := []*Container{}
	for rows.Next() {
		container, escan := scanContainer(rows)
		if escan != nil {
			return nil, escan
		}
		containers = append(containers, container)
	}
	return containers, rows.Err()
}

func (x *sqlContainerDB) Update(container *Container) error {
	content, err := encodeContent(container.Content)
	if err != nil {
		return err
	}
	update, eupdate := x.db.Exec(
		`UPDATE authcontainer SET readgroups = $1, writegroups = $2, deletegroups = $3, content = $4, modified = $5 WHERE name = $6`,
		container.ReadGroups, container.WriteGroups, container.DeleteGroups, content, time.Now().UTC(), container.Name)
	if eupdate != nil {
		return eupdate
	}
	if affected, _ := update.RowsAffected(); affected != 1 {
		return ErrContainerNotFound
	}
	return nil
}

func (x *sqlContainerDB) Delete(name string) error {
	del, edel := x.db.Exec(`DELETE FROM authcontainer WHERE name = $1`, name)
	if edel != nil {
		return edel
	}
	if affected, _ := del.RowsAffected(); affected != 1 {
		return ErrContainerNotFound
	}
	return nil
}

func (x *sqlContainerDB) Close() {
}

func encodeContent(content map[string]string) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type sqlAppDB struct {
	db *sql.DB
}

func (x *sqlAppDB) InsertApplication(app *Application) error {
	groups, err := json.Marshal(app.Groups)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var id int64
	if escan := x.db.QueryRow(
		`INSERT INTO authapp (userid, name, assertionendpoint, groups, created, modified) VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		int64(app.UserId), app.Name, app.AssertionEndpoint, string(groups), now).Scan(&id); escan != nil {
		return escan
	}
	app.Id = id
	app.Created = now
	app.Modified = now
	return nil
}

func (x *sqlAppDB) GetApplicationById(id int64) (*Application, error) {
	return x.getApplication(`WHERE id = $1`, id)
}

func (x *sqlAppDB) getApplication(where string, args ...interface{}) (*Application, error) {
	row := x.db.QueryRow(`SELECT id, userid, name, assertionendpoint, groups, created, modified FROM authapp `+where, args...)
	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

func scanApplication(row rowScanner) (*Application, error) {
	app := &Application{}
	var userId int64
	var groups sql.NullString
	if err := row.Scan(&app.Id, &userId, &app.Name, &app.AssertionEndpoint, &groups, &app.Created, &app.Modified); err != nil {
		return nil, err
	}
	app.UserId = UserId(userId)
	if groups.String != "" {
		if err := json.Unmarshal([]byte(groups.String), &app.Groups); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (x *sqlAppDB) GetApplicationsByOwner(userId UserId) ([]*Application, error) {
	return x.getApplications(`SELECT id, userid, name, assertionendpoint, groups, created, modified FROM authapp WHERE userid = $1 ORDER BY id`, int64(userId))
}

func (x *sqlAppDB) GetAllApplications() ([]*Application, error) {
	return x.getApplications(`SELECT id, userid, name, assertionendpoint, groups, created, modified FROM authapp ORDER BY id`)
}

func (x *sqlAppDB) getApplications(query string, args ...interface{}) ([]*Application, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	apps := []*Application{}
	for rows.Next() {
		app, escan := scanApplication(rows)
		if escan != nil {
			return nil, escan
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (x *sqlAppDB) UpdateApplication(app *Application) error {
	groups, err := json.Marshal(app.Groups)
	if err != nil {
		return err
	}
	update, eupdate := x.db.Exec(
		`UPDATE authapp SET name = $1, assertionendpoint = $2, groups = $3, modified = $4 WHERE id = $5`,
		app.Name, app.AssertionEndpoint, string(groups), time.Now().UTC(), app.Id)
	if eupdate != nil {
		return eupdate
	}
	if affected, _ := update.RowsAffected(); affected != 1 {
		return ErrApplicationNotFound
	}
	return nil
}

func (x *sqlAppDB) DeleteApplication(id int64) error {
	del, edel := x.db.Exec(`DELETE FROM authapp WHERE id = $1`, id)
	if edel != nil {
		return edel
	}
	if affected, _ := del.RowsAffected(); affected != 1 {
		return ErrApplicationNotFound
	}
	return nil
}

func (x *sqlAppDB) InsertKey(key *ApplicationKey) error {
	now := time.Now().UTC()
	var id int64
	if escan := x.db.QueryRow(
		`INSERT INTO authappkey (appid, publishablekey, secretkey, created) VALUES ($1, $2, $3, $4) RETURNING id`,
		key.ApplicationId, key.PublishableKey, key.SecretKey, now).Scan(&id); escan != nil {
		return escan
	}
	key.Id = id
	key.Created = now
	return nil
}

func (x *sqlAppDB) GetKeysForApplication(applicationId int64) ([]*ApplicationKey, error) {
	rows, err := x.db.Query(`SELECT id, appid, publishablekey, secretkey, created FROM authappkey WHERE appid = $1 ORDER BY id`, applicationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []*ApplicationKey{}
	for rows.Next() {
		key := &ApplicationKey{}
		if escan := rows.Scan(&key.Id, &key.ApplicationId, &key.PublishableKey, &key.SecretKey, &key.Created); escan != nil {
			return nil, escan
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (x *sqlAppDB) GetKeyBySecret(secret string) (*ApplicationKey, error) {
	key := &ApplicationKey{}
	row := x.db.QueryRow(`SELECT id, appid, publishablekey, secretkey, created FROM authappkey WHERE secretkey = $1`, secret)
	if err := row.Scan(&key.Id, &key.ApplicationId, &key.PublishableKey, &key.SecretKey, &key.Created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

func (x *sqlAppDB) DeleteKey(id int64) error {
	del, edel := x.db.Exec(`DELETE FROM authappkey WHERE id = $1`, id)
	if edel != nil {
		return edel
	}
	if affected, _ := del.RowsAffected(); affected != 1 {
		return ErrKeyNotFound
	}
	return nil
}

func (x *sqlAppDB) Close() {
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type sqlTokenDB struct {
	db *sql.DB
}

func (x *sqlTokenDB) Insert(token *AuthToken) error {
	var id int64
	if escan := x.db.QueryRow(
		`INSERT INTO authtoken (userid, appid, tokenbody, created) VALUES ($1, $2, $3, $4) RETURNING id`,
		int64(token.UserId), token.ApplicationId, token.TokenBody, token.Created).Scan(&id); escan != nil {
		return escan
	}
	token.Id = id
	return nil
}

func (x *sqlTokenDB) GetByBody(tokenBody string) (*AuthToken, error) {
	return x.getToken(`WHERE tokenbody = $1`, tokenBody)
}

func (x *sqlTokenDB) GetByBodyForApplication(tokenBody string, applicationId int64) (*AuthToken, error) {
	return x.getToken(`WHERE tokenbody = $1 AND appid = $2`, tokenBody, applicationId)
}

func (x *sqlTokenDB) getToken(where string, args ...interface{}) (*AuthToken, error) {
	token := &AuthToken{}
	var userId int64
	row := x.db.QueryRow(`SELECT id, userid, appid, tokenbody, created FROM authtoken `+where, args...)
	if err := row.Scan(&token.Id, &userId, &token.ApplicationId, &token.TokenBody, &token.Created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	token.UserId = UserId(userId)
	return token, nil
}

func (x *sqlTokenDB) GetForUser(userId UserId) ([]*AuthToken, error) {
	rows, err := x.db.Query(`SELECT id, userid, appid, tokenbody, created FROM authtoken WHERE userid = $1 ORDER BY id`, int64(userId))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tokens := []*AuthToken{}
	for rows.Next() {
		token := &AuthToken{}
		var uid int64
		if escan := rows.Scan(&token.Id, &uid, &token.ApplicationId, &token.TokenBody, &token.Created); escan != nil {
			return nil, escan
		}
		token.UserId = UserId(uid)
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (x *sqlTokenDB) Close() {
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func NewUserStoreDB_SQL(db *sql.DB) (UserStore, error) {
	return &sqlUserStoreDB{db: db}, nil
}

func NewSessionDB_SQL(db *sql.DB) (SessionDB, error) {
	return &sqlSessionDB{db: db}, nil
}

func NewContainerDB_SQL(db *sql.DB) (ContainerDB, error) {
	return &sqlContainerDB{db: db}, nil
}

func NewAppDB_SQL(db *sql.DB) (AppDB, error) {
	return &sqlAppDB{db: db}, nil
}

func NewTokenDB_SQL(db *sql.DB) (TokenDB, error) {
	return &sqlTokenDB{db: db}, nil
}
