package atheneum

import (
	"github.com/BurntSushi/migration"
)

// RunMigrations brings the schema up to date. It is safe to run on every
// startup; migrations that have already been applied are skipped.
func RunMigrations(conx *DBConnection) error {
	db, err := migration.Open(conx.Driver, conx.ConnectionString(), createMigrations())
	if err == nil {
		db.Close()
	}
	return err
}

func SqlCreateDatabase(conx *DBConnection) error {
	// Check first if the database already exists
	if db, eConnect := conx.Connect(); eConnect == nil {
		// The postgres driver will not return an error until we attempt to start a transaction
		if tx, eTxBegin := db.Begin(); eTxBegin == nil {
			tx.Rollback()
			db.Close()
			return nil
		} else {
			// database does not exist, go ahead and try to create it
			db.Close()
		}
	} else {
		return eConnect
	}
	// Connect via the 'postgres' database
	copy := *conx
	copy.Database = "postgres"
	if db, e := copy.Connect(); e == nil {
		defer db.Close()
		_, eExec := db.Exec("CREATE DATABASE \"" + conx.Database + "\"")
		return eExec
	} else {
		return e
	}
}

func createMigrations() []migration.Migrator {
	var migrations []migration.Migrator

	text := []string{
		// 1. authuser
		`CREATE TABLE authuser (id BIGSERIAL PRIMARY KEY, idp VARCHAR, username VARCHAR, salt VARCHAR, password VARCHAR, email VARCHAR, attributes VARCHAR, created TIMESTAMP, modified TIMESTAMP);
		CREATE UNIQUE INDEX idx_authuser_idp_username ON authuser (idp, LOWER(username));`,

		// 2. authusergroup
		`CREATE TABLE authusergroup (id BIGSERIAL PRIMARY KEY, userid BIGINT, groupname VARCHAR);
		CREATE INDEX idx_authusergroup_userid ON authusergroup (userid);
		CREATE INDEX idx_authusergroup_groupname ON authusergroup (groupname);`,

		// 3. authsession
		`CREATE TABLE authsession (id BIGSERIAL PRIMARY KEY, sessionkey VARCHAR, userid BIGINT, pendingapp BIGINT, expires TIMESTAMP, flash VARCHAR);
		CREATE UNIQUE INDEX idx_authsession_key ON authsession (sessionkey);
		CREATE INDEX idx_authsession_userid ON authsession (userid);
		CREATE INDEX idx_authsession_expires ON authsession (expires);`,

		// 4. authcontainer
		`CREATE TABLE authcontainer (id BIGSERIAL PRIMARY KEY, name VARCHAR, readgroups VARCHAR, writegroups VARCHAR, deletegroups VARCHAR, content VARCHAR, created TIMESTAMP, modified TIMESTAMP);
		CREATE UNIQUE INDEX idx_authcontainer_name ON authcontainer (name);`,

		// 5. authapp
		`CREATE TABLE authapp (id BIGSERIAL PRIMARY KEY, userid BIGINT, name VARCHAR, assertionendpoint VARCHAR, groups VARCHAR, created TIMESTAMP, modified TIMESTAMP);
		CREATE UNIQUE INDEX idx_authapp_name ON authapp (name);`,

		// 6. authappkey
		`CREATE TABLE authappkey (id BIGSERIAL PRIMARY KEY, appid BIGINT, publishablekey VARCHAR, secretkey VARCHAR, created TIMESTAMP);
		CREATE UNIQUE INDEX idx_authappkey_secret ON authappkey (secretkey);
		CREATE INDEX idx_authappkey_appid ON authappkey (appid);`,

		// 7. authtoken
		`CREATE TABLE authtoken (id BIGSERIAL PRIMARY KEY, userid BIGINT, appid BIGINT, tokenbody VARCHAR, created TIMESTAMP);
		CREATE UNIQUE INDEX idx_authtoken_body ON authtoken (tokenbody);
		CREATE INDEX idx_authtoken_userid ON authtoken (userid);`,
	}

	for _, src := range text {
		srcCapture := src
		migrations = append(migrations, func(tx migration.LimitedTx) error {
			_, err := tx.Exec(srcCapture)
			return err
		})
	}

	return migrations
}

// MigrateSchema creates the database if necessary, and brings the schema up
// to date.
func MigrateSchema(conx *DBConnection) error {
	if err := SqlCreateDatabase(conx); err != nil {
		return err
	}
	return RunMigrations(conx)
}
