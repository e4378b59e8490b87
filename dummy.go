package atheneum

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// In-memory backends, used by the tests and usable as a throwaway
// non-persistent deployment. They mirror the semantics of the SQL backends,
// including case-insensitive username matching and regex group scans.

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type dummyUserStore struct {
	users     map[UserId]*User
	nextId    UserId
	usersLock sync.RWMutex
}

func newDummyUserStore() *dummyUserStore {
	return &dummyUserStore{
		users:  make(map[UserId]*User),
		nextId: 1,
	}
}

func (x *dummyUserStore) CreateUser(user *User, password string) (UserId, error) {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	for _, existing := range x.users {
		if existing.Idp == user.Idp && strings.EqualFold(existing.Username, user.Username) {
			return NullUserId, ErrIdentityExists
		}
	}
	user.Salt = NewPasswordSalt()
	user.PasswordHash = ""
	if password != "" {
		user.PasswordHash = HashPassword(password, user.Salt)
	}
	user.UserId = x.nextId
	user.Created = time.Now().UTC()
	user.Modified = user.Created
	x.nextId++
	cpy := cloneUser(user)
	x.users[user.UserId] = cpy
	return user.UserId, nil
}

func (x *dummyUserStore) GetUserById(userId UserId) (*User, error) {
	x.usersLock.RLock()
	defer x.usersLock.RUnlock()
	user, exists := x.users[userId]
	if !exists {
		return nil, ErrIdentityNotFound
	}
	return cloneUser(user), nil
}

func (x *dummyUserStore) GetUserByIdpUsername(idp, username string) (*User, error) {
	x.usersLock.RLock()
	defer x.usersLock.RUnlock()
	for _, user := range x.users {
		if user.Idp == idp && strings.EqualFold(user.Username, username) {
			return cloneUser(user), nil
		}
	}
	return nil, ErrIdentityNotFound
}

func (x *dummyUserStore) GetUsers() ([]*User, error) {
	x.usersLock.RLock()
	defer x.usersLock.RUnlock()
	users := []*User{}
	for id := UserId(1); id < x.nextId; id++ {
		if user, exists := x.users[id]; exists {
			users = append(users, cloneUser(user))
		}
	}
	return users, nil
}

func (x *dummyUserStore) FindUsersByGroup(pattern string) ([]*User, error) {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return nil, NewError(ErrValidation, err.Error())
	}
	x.usersLock.RLock()
	defer x.usersLock.RUnlock()
	users := []*User{}
	for id := UserId(1); id < x.nextId; id++ {
		user, exists := x.users[id]
		if !exists {
			continue
		}
		for _, group := range user.Groups {
			if matcher.MatchString(group) {
				users = append(users, cloneUser(user))
				break
			}
		}
	}
	return users, nil
}

func (x *dummyUserStore) SaveGroups(userId UserId, groups []string) error {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	user, exists := x.users[userId]
	if !exists {
		return ErrIdentityNotFound
	}
	user.Groups = append([]string{}, groups...)
	user.Modified = time.Now().UTC()
	return nil
}

func (x *dummyUserStore) SetPassword(userId UserId, password string) error {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	user, exists := x.users[userId]
	if !exists {
		return ErrIdentityNotFound
	}
	user.Salt = NewPasswordSalt()
	user.PasswordHash = ""
	if password != "" {
		user.PasswordHash = HashPassword(password, user.Salt)
	}
	user.Modified = time.Now().UTC()
	return nil
}

func (x *dummyUserStore) DeleteUser(userId UserId) error {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	if _, exists := x.users[userId]; !exists {
		return ErrIdentityNotFound
	}
	delete(x.users, userId)
	return nil
}

func (x *dummyUserStore) Close() {
}

func cloneUser(user *User) *User {
	cpy := *user
	cpy.Groups = append([]string{}, user.Groups...)
	if user.Attributes != nil {
		cpy.Attributes = map[string]string{}
		for k, v := range user.Attributes {
			cpy.Attributes[k] = v
		}
	}
	return &cpy
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type dummyContainerDB struct {
	containers     map[string]*Container
	nextId         int64
	containersLock sync.RWMutex
}

func newDummyContainerDB() *dummyContainerDB {
	return &dummyContainerDB{
		containers: make(map[string]*Container),
		nextId:     1,
	}
}

func (x *dummyContainerDB) Insert(container *Container) error {
	x.containersLock.Lock()
	defer x.containersLock.Unlock()
	if _, exists := x.containers[container.Name]; exists {
		return ErrContainerExists
	}
	container.Id = x.nextId
	x.nextId++
	x.containers[container.Name] = cloneContainer(container)
	return nil
}

func (x *dummyContainerDB) GetByName(name string) (*Container, error) {
	x.containersLock.RLock()
	defer x.containersLock.RUnlock()
	container, exists := x.containers[name]
	if !exists {
		return nil, ErrContainerNotFound
	}
	return cloneContainer(container), nil
}

func (x *dummyContainerDB) GetById(id int64) (*Container, error) {
	x.containersLock.RLock()
	defer x.containersLock.RUnlock()
	for _, container := range x.containers {
		if container.Id == id {
			return cloneContainer(container), nil
		}
	}
	return nil, ErrContainerNotFound
}

func (x *dummyContainerDB) GetAll() ([]*Container, error) {
	return x.find(func(c *Container) bool { return true })
}

func (x *dummyContainerDB) FindByNameRegex(pattern string) ([]*Container, error) {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return nil, NewError(ErrValidation, err.Error())
	}
	return x.find(func(c *Container) bool { return matcher.MatchString(c.Name) })
}

func (x *dummyContainerDB) find(match func(*Container) bool) ([]*Container, error) {
	x.containersLock.RLock()
	defer x.containersLock.RUnlock()
	result := []*Container{}
	for id := int64(1); id < x.nextId; id++ {
		for _, container := range x.containers {
			if container.Id == id && match(container) {
				result = append(result, cloneContainer(container))
			}
		}
	}
	return result, nil
}

func (x *dummyContainerDB) Update(container *Container) error {
	x.containersLock.Lock()
	defer x.containersLock.Unlock()
	existing, exists := x.containers[container.Name]
	if !exists {
		return ErrContainerNotFound
	}
	cpy := cloneContainer(container)
	cpy.Id = existing.Id
	x.containers[container.Name] = cpy
	return nil
}

func (x *dummyContainerDB) Delete(name string) error {
	x.containersLock.Lock()
	defer x.containersLock.Unlock()
	if _, exists := x.containers[name]; !exists {
		return ErrContainerNotFound
	}
	delete(x.containers, name)
	return nil
}

func (x *dummyContainerDB) Close() {
}

func cloneContainer(container *Container) *Container {
	cpy := *container
	if container.Content != nil {
		cpy.Content = map[string]string{}
		for k, v := range container.Content {
			cpy.Content[k] = v
		}
	}
	return &cpy
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type dummyAppDB struct {
	apps     map[int64]*Application
	keys     map[int64]*ApplicationKey
	nextId   int64
	appsLock sync.RWMutex
}

func newDummyAppDB() *dummyAppDB {
	return &dummyAppDB{
		apps:   make(map[int64]*Application),
		keys:   make(map[int64]*ApplicationKey),
		nextId: 1,
	}
}

func (x *dummyAppDB) InsertApplication(app *Application) error {
	x.appsLock.Lock()
	defer x.appsLock.Unlock()
	app.Id = x.nextId
	x.nextId++
	cpy := *app
	x.apps[app.Id] = &cpy
	return nil
}

func (x *dummyAppDB) GetApplicationById(id int64) (*Application, error) {
	x.appsLock.RLock()
	defer x.appsLock.RUnlock()
	app, exists := x.apps[id]
	if !exists {
		return nil, ErrApplicationNotFound
	}
	cpy := *app
	return &cpy, nil
}

func (x *dummyAppDB) GetApplicationsByOwner(userId UserId) ([]*Application, error) {
	x.appsLock.RLock()
	defer x.appsLock.RUnlock()
	apps := []*Application{}
	for id := int64(1); id < x.nextId; id++ {
		if app, exists := x.apps[id]; exists && app.UserId == userId {
			cpy := *app
			apps = append(apps, &cpy)
		}
	}
	return apps, nil
}

func (x *dummyAppDB) GetAllApplications() ([]*Application, error) {
	x.appsLock.RLock()
	defer x.appsLock.RUnlock()
	apps := []*Application{}
	for id := int64(1); id < x.nextId; id++ {
		if app, exists := x.apps[id]; exists {
			cpy := *app
			apps = append(apps, &cpy)
		}
	}
	return apps, nil
}

func (x *dummyAppDB) UpdateApplication(app *Application) error {
	x.appsLock.Lock()
	defer x.appsLock.Unlock()
	if _, exists := x.apps[app.Id]; !exists {
		return ErrApplicationNotFound
	}
	cpy := *app
	x.apps[app.Id] = &cpy
	return nil
}

func (x *dummyAppDB) DeleteApplication(id int64) error {
	x.appsLock.Lock()
	defer x.appsLock.Unlock()
	if _, exists := x.apps[id]; !exists {
		return ErrApplicationNotFound
	}
	delete(x.apps, id)
	return nil
}

func (x *dummyAppDB) InsertKey(key *ApplicationKey) error {
	x.appsLock.Lock()
	defer x.appsLock.Unlock()
	key.Id = x.nextId
	x.nextId++
	cpy := *key
	x.keys[key.Id] = &cpy
	return nil
}

func (x *dummyAppDB) GetKeysForApplication(applicationId int64) ([]*ApplicationKey, error) {
	x.appsLock.RLock()
	defer x.appsLock.RUnlock()
	keys := []*ApplicationKey{}
	for id := int64(1); id < x.nextId; id++ {
		if key, exists := x.keys[id]; exists && key.ApplicationId == applicationId {
			cpy := *key
			keys = append(keys, &cpy)
		}
	}
	return keys, nil
}

func (x *dummyAppDB) GetKeyBySecret(secret string) (*ApplicationKey, error) {
	x.appsLock.RLock()
	defer x.appsLock.RUnlock()
	for _, key := range x.keys {
		if key.SecretKey == secret {
			cpy := *key
			return &cpy, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (x *dummyAppDB) DeleteKey(id int64) error {
	x.appsLock.Lock()
	defer x.appsLock.Unlock()
	if _, exists := x.keys[id]; !exists {
		return ErrKeyNotFound
	}
	delete(x.keys, id)
	return nil
}

func (x *dummyAppDB) Close() {
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type dummyTokenDB struct {
	tokens     map[string]*AuthToken
	nextId     int64
	tokensLock sync.RWMutex
}

func newDummyTokenDB() *dummyTokenDB {
	return &dummyTokenDB{
		tokens: make(map[string]*AuthToken),
		nextId: 1,
	}
}

func (x *dummyTokenDB) Insert(token *AuthToken) error {
	x.tokensLock.Lock()
	defer x.tokensLock.Unlock()
	token.Id = x.nextId
	x.nextId++
	cpy := *token
	x.tokens[token.TokenBody] = &cpy
	return nil
}

func (x *dummyTokenDB) GetByBody(tokenBody string) (*AuthToken, error) {
	x.tokensLock.RLock()
	defer x.tokensLock.RUnlock()
	token, exists := x.tokens[tokenBody]
	if !exists {
		return nil, ErrTokenNotFound
	}
	cpy := *token
	return &cpy, nil
}

func (x *dummyTokenDB) GetByBodyForApplication(tokenBody string, applicationId int64) (*AuthToken, error) {
	x.tokensLock.RLock()
	defer x.tokensLock.RUnlock()
	token, exists := x.tokens[tokenBody]
	if !exists || token.ApplicationId != applicationId {
		return nil, ErrTokenNotFound
	}
	cpy := *token
	return &cpy, nil
}

func (x *dummyTokenDB) GetForUser(userId UserId) ([]*AuthToken, error) {
	x.tokensLock.RLock()
	defer x.tokensLock.RUnlock()
	tokens := []*AuthToken{}
	for _, token := range x.tokens {
		if token.UserId == userId {
			cpy := *token
			tokens = append(tokens, &cpy)
		}
	}
	return tokens, nil
}

func (x *dummyTokenDB) Close() {
}
