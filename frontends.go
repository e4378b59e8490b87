package atheneum

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrHttpNotAuthorized  = errors.New("No authorization information")
	ErrHttpBadCallbackUrl = NewError(ErrValidation, "invalid callback URL provided")
)

const secretKeyUnauthorizedMsg = "401, you are not authorized to use this endpoint. You must provide an application secret key."

// requestAuth is everything the handlers need to know about who is calling.
// It mirrors the credential types of the gateway: a browser session or a
// bearer auth token (user), an application secret key (application), and the
// master key. Resolution is
// soft: a bad credential leaves the field nil instead of failing the
// request, and each endpoint decides what it requires.
type requestAuth struct {
	session     *Session
	user        *User
	application *Application
	isSecret    bool
	isMaster    bool
}

func resolveRequestAuth(config *ConfigHTTP, central *Central, r *http.Request) *requestAuth {
	auth := &requestAuth{}

	if header := r.Header.Get("Authorization"); header != "" {
		auth.isMaster = central.MasterKey != "" && header == central.MasterKey
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 {
			if app, err := central.ResolveSecretKey(parts[1]); err == nil {
				auth.application = app
				auth.isSecret = true
			} else if _, user, eToken := central.ResolveToken(parts[1]); eToken == nil {
				// A bearer auth token authenticates its owning principal.
				auth.user = user
			}
		}
	}

	if cookie, _ := r.Cookie(config.CookieName); cookie != nil {
		if session, user, err := central.GetSessionUser(cookie.Value); err == nil {
			auth.session = session
			if auth.user == nil {
				auth.user = user
			}
		}
	}

	return auth
}

// getOrCreateSession reads the browser session from the cookie, creating an
// anonymous session (and setting the cookie) when there is none.
func getOrCreateSession(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) (*Session, error) {
	if cookie, _ := r.Cookie(config.CookieName); cookie != nil {
		if session, err := central.GetSession(cookie.Value); err == nil {
			return session, nil
		}
	}
	session, err := central.CreateAnonymousSession()
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:    config.CookieName,
		Value:   session.Key,
		Path:    "/",
		Expires: session.Expires,
		Secure:  config.CookieSecure,
	})
	return session, nil
}

func HttpSendTxt(w http.ResponseWriter, responseCode int, responseBody string) {
	w.Header().Add("Content-Type", "text/plain")
	w.Header().Add("Cache-Control", "no-cache, no-store, must revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	w.WriteHeader(responseCode)
	fmt.Fprintf(w, "%v", responseBody)
}

func HttpSendJSON(w http.ResponseWriter, responseCode int, value interface{}) {
	encoded, err := json.Marshal(value)
	if err != nil {
		HttpSendTxt(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(responseCode)
	w.Write(encoded)
}

// HttpSendError maps the error taxonomy onto HTTP status codes by prefix.
func HttpSendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsError(err, ErrValidation), IsError(err, ErrInvalidOperation):
		status = http.StatusBadRequest
	case IsError(err, ErrNotFound):
		status = http.StatusNotFound
	case IsError(err, ErrAuthentication):
		status = http.StatusUnauthorized
	case IsError(err, ErrAuthorization):
		status = http.StatusForbidden
	case IsError(err, ErrConflict):
		status = http.StatusConflict
	}
	HttpSendTxt(w, status, err.Error())
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Wire shapes

type userSummaryJSON struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Idp      string `json:"idp"`
}

type userJSON struct {
	Id         string            `json:"id"`
	Idp        string            `json:"idp"`
	Username   string            `json:"username"`
	Email      string            `json:"email,omitempty"`
	Groups     []string          `json:"groups"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type containerJSON struct {
	Id          string           `json:"id"`
	Name        string           `json:"name"`
	ContentName string           `json:"content_name"`
	DisplayName string           `json:"display_name"`
	Tutorials   []*containerJSON `json:"tutorials,omitempty"`
}

type tokenJSON struct {
	Id            string `json:"id"`
	UserId        string `json:"user_id"`
	ApplicationId string `json:"application_id"`
	TokenBody     string `json:"token_body"`
}

func userSummaryToJSON(u *User) *userSummaryJSON {
	return &userSummaryJSON{Id: u.IdString(), Username: u.Username, Idp: u.Idp}
}

func userToJSON(u *User) *userJSON {
	groups := u.Groups
	if groups == nil {
		groups = []string{}
	}
	return &userJSON{
		Id:         u.IdString(),
		Idp:        u.Idp,
		Username:   u.Username,
		Email:      u.Email,
		Groups:     groups,
		Attributes: u.Attributes,
	}
}

func containerToJSON(c *Container) *containerJSON {
	return &containerJSON{
		Id:          strconv.FormatInt(c.Id, 10),
		Name:        c.Name,
		ContentName: c.ContentName(),
		DisplayName: c.DisplayName(),
	}
}

func tokenToJSON(t *AuthToken) *tokenJSON {
	return &tokenJSON{
		Id:            strconv.FormatInt(t.Id, 10),
		UserId:        strconv.FormatInt(int64(t.UserId), 10),
		ApplicationId: strconv.FormatInt(t.ApplicationId, 10),
		TokenBody:     t.TokenBody,
	}
}

func usersToJSON(users []*User, view func(*User) interface{}) []interface{} {
	out := []interface{}{}
	for _, u := range users {
		out = append(out, view(u))
	}
	return out
}

func (x *Central) coursesWithTutorials(courses []*Container) ([]*containerJSON, error) {
	out := []*containerJSON{}
	for _, course := range courses {
		encoded := containerToJSON(course)
		tutorials, err := x.GetAllTutorials(course)
		if err != nil {
			return nil, err
		}
		for _, t := range tutorials {
			encoded.Tutorials = append(encoded.Tutorials, containerToJSON(t))
		}
		out = append(out, encoded)
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Web surface

var loginPageTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Login</title></head>
<body>
<h1>Sign in</h1>
{{if .Application}}<p>You are signing in to {{.Application}}.</p>
{{end}}{{range .Flash}}<p class="flash-{{.Kind}}">{{.Text}}</p>
{{end}}<ul>
{{range .Providers}}<li><a href="{{.LoginUrl}}">{{.Name}}</a></li>
{{end}}</ul>
</body>
</html>
`))

// HttpHandlerLogin renders the provider chooser. A ?id=<application> query
// records the pending application on the session, so that a token is issued
// for it once login completes.
func HttpHandlerLogin(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	session, err := getOrCreateSession(config, central, w, r)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	applicationName := ""
	if idParam := r.URL.Query().Get("id"); idParam != "" {
		if appId, eParse := strconv.ParseInt(idParam, 10, 64); eParse == nil {
			if app, eApp := central.GetApplication(appId); eApp == nil {
				if eSet := central.SetPendingApplication(session, app.Id); eSet != nil {
					HttpSendError(w, eSet)
					return
				}
				applicationName = app.Name
				central.Log.Infof("Session initiated for application %v", app.Id)
			}
		}
	}
	if session.UserId != NullUserId {
		http.Redirect(w, r, "/login_success", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	loginPageTemplate.Execute(w, struct {
		Application string
		Providers   []ProviderSummary
		Flash       []FlashMessage
	}{
		Application: applicationName,
		Providers:   central.ProviderSummaries(),
		Flash:       central.PopFlash(session),
	})
}

// HttpHandlerLoginSuccess finishes the login handshake: issue a token for
// the pending application and bounce the browser to its assertion endpoint,
// or land on the session page.
func HttpHandlerLoginSuccess(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	session, user, err := sessionUserOrRedirect(config, central, w, r)
	if err != nil {
		return
	}
	redirect, eComplete := central.CompleteLogin(session, user)
	if eComplete != nil {
		HttpSendError(w, eComplete)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HttpHandlerLogout erases the session. An optional ?callback= URL receives
// the browser afterwards; anything that does not parse as an absolute URL is
// rejected.
func HttpHandlerLogout(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	callback := r.URL.Query().Get("callback")
	if callback != "" {
		parsed, eParse := url.Parse(callback)
		if eParse != nil || parsed.Scheme == "" || parsed.Host == "" {
			HttpSendError(w, ErrHttpBadCallbackUrl)
			return
		}
	}
	if cookie, _ := r.Cookie(config.CookieName); cookie != nil {
		if err := central.Logout(cookie.Value); err != nil {
			HttpSendTxt(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	if callback != "" {
		http.Redirect(w, r, callback, http.StatusFound)
	} else {
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

// HttpHandlerSession summarizes the current session for the logged-in
// principal. Anonymous callers are bounced to the login page.
func HttpHandlerSession(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	_, user, err := sessionUserOrRedirect(config, central, w, r)
	if err != nil {
		return
	}
	HttpSendJSON(w, http.StatusOK, map[string]interface{}{
		"user":                     userToJSON(user),
		"hasTeachingAssistantRole": HasTeachingAssistantRole(user),
	})
}

func sessionUserOrRedirect(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) (*Session, *User, error) {
	cookie, _ := r.Cookie(config.CookieName)
	if cookie == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return nil, nil, ErrHttpNotAuthorized
	}
	session, user, err := central.GetSessionUser(cookie.Value)
	if err != nil || user == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return nil, nil, ErrHttpNotAuthorized
	}
	return session, user, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Machine API

func HttpHandlerPing(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	HttpSendTxt(w, http.StatusOK, "PONG")
}

// HttpHandlerAuthStatus reports how the caller authenticated. It never
// fails: an unauthenticated caller simply reads "not_authenticated".
func HttpHandlerAuthStatus(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	auth := resolveRequestAuth(config, central, r)
	if auth.isSecret {
		HttpSendJSON(w, http.StatusOK, map[string]interface{}{
			"application": map[string]string{
				"id":   strconv.FormatInt(auth.application.Id, 10),
				"name": auth.application.Name,
			},
			"type": "secret_key",
		})
		return
	}
	HttpSendJSON(w, http.StatusOK, map[string]string{"type": "not_authenticated"})
}

// HttpHandlerAuthToken resolves one bearer token for the calling
// application. The lookup is application-scoped: a token issued for another
// application reads as not found.
func HttpHandlerAuthToken(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	auth := resolveRequestAuth(config, central, r)
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, secretKeyUnauthorizedMsg)
		return
	}
	tokenBody := strings.TrimPrefix(r.URL.Path, "/api/auth_tokens/")
	token, user, err := central.ResolveTokenForApplication(tokenBody, auth.application.Id)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	HttpSendJSON(w, http.StatusOK, map[string]interface{}{
		"token": tokenToJSON(token),
		"user":  userToJSON(user),
	})
}

// HttpHandlerUsers lists every principal, trimmed to identifiers.
func HttpHandlerUsers(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	users, err := central.GetUsers()
	if err != nil {
		HttpSendError(w, err)
		return
	}
	HttpSendJSON(w, http.StatusOK, usersToJSON(users, func(u *User) interface{} { return userSummaryToJSON(u) }))
}

// HttpHandlerCurrentUser reports the principal behind the browser session,
// or null for an anonymous caller.
func HttpHandlerCurrentUser(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	auth := resolveRequestAuth(config, central, r)
	if auth.user == nil {
		HttpSendJSON(w, http.StatusOK, nil)
		return
	}
	HttpSendJSON(w, http.StatusOK, userToJSON(auth.user))
}

// HttpHandlerUserSubtree routes /api/users/<identifier>[/...]. The suffix
// selects the view; most views require an application secret key, the group
// endpoints require the master key.
func HttpHandlerUserSubtree(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/users/"), "/")
	auth := resolveRequestAuth(config, central, r)

	switch {
	case len(parts) == 1:
		httpUserDetail(central, auth, w, parts[0])
	case len(parts) == 2 && parts[1] == "courses":
		httpUserCourses(central, auth, w, parts[0])
	case len(parts) == 4 && parts[1] == "courses" && parts[3] == "tutorials":
		httpUserCourseTutorials(central, auth, w, parts[0], parts[2])
	case len(parts) == 2 && parts[1] == "groups":
		httpUserGroups(central, auth, w, r, parts[0])
	default:
		HttpSendTxt(w, http.StatusNotFound, "API not defined")
	}
}

func httpUserDetail(central *Central, auth *requestAuth, w http.ResponseWriter, identifier string) {
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, "401")
		return
	}
	user, err := central.GetUserByIdentifier(identifier)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	HttpSendJSON(w, http.StatusOK, userToJSON(user))
}

func httpUserCourses(central *Central, auth *requestAuth, w http.ResponseWriter, identifier string) {
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, "401")
		return
	}
	user, err := central.GetUserByIdentifier(identifier)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	courses, eCourses := central.GetCoursesForUser(user)
	if eCourses != nil {
		HttpSendError(w, eCourses)
		return
	}
	encoded := []*containerJSON{}
	for _, c := range courses {
		encoded = append(encoded, containerToJSON(c))
	}
	HttpSendJSON(w, http.StatusOK, encoded)
}

func httpUserCourseTutorials(central *Central, auth *requestAuth, w http.ResponseWriter, identifier, courseId string) {
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, "401")
		return
	}
	user, err := central.GetUserByIdentifier(identifier)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	id, eParse := strconv.ParseInt(courseId, 10, 64)
	if eParse != nil {
		HttpSendError(w, ErrCourseNotFound)
		return
	}
	course, eCourse := central.GetCourseForUser(user, id)
	if eCourse != nil {
		HttpSendError(w, eCourse)
		return
	}
	tutorials, eTuts := central.GetEnrolledTutorials(user, course)
	if eTuts != nil {
		HttpSendError(w, eTuts)
		return
	}
	encoded := []*containerJSON{}
	for _, t := range tutorials {
		encoded = append(encoded, containerToJSON(t))
	}
	HttpSendJSON(w, http.StatusOK, encoded)
}

// httpUserGroups is the master-key surface: read or extend a principal's raw
// group set. The master key is compared verbatim against the Authorization
// header.
func httpUserGroups(central *Central, auth *requestAuth, w http.ResponseWriter, r *http.Request, identifier string) {
	if !auth.isMaster {
		if r.Method == "POST" {
			HttpSendTxt(w, http.StatusUnauthorized, "Only master can access this endpoint.")
		} else {
			HttpSendTxt(w, http.StatusUnauthorized, "401")
		}
		return
	}
	user, err := central.GetUserByIdentifier(identifier)
	if err != nil {
		HttpSendTxt(w, http.StatusNotFound, "404")
		return
	}
	switch r.Method {
	case "GET":
		groups := user.Groups
		if groups == nil {
			groups = []string{}
		}
		HttpSendJSON(w, http.StatusOK, groups)
	case "POST":
		group := r.FormValue("group")
		if group == "" {
			HttpSendTxt(w, http.StatusBadRequest, "You must pass 'group' as an argument to this endpoint.")
			return
		}
		groups := append([]string{}, user.Groups...)
		exists := false
		for _, g := range groups {
			if g == group {
				exists = true
				break
			}
		}
		if !exists {
			groups = append(groups, group)
		}
		if eSave := central.SetUserGroups(user.UserId, groups); eSave != nil {
			HttpSendError(w, eSave)
			return
		}
		HttpSendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		HttpSendTxt(w, http.StatusMethodNotAllowed, "API not defined")
	}
}

// HttpHandlerCourses lists every course, with its tutorials attached.
func HttpHandlerCourses(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	auth := resolveRequestAuth(config, central, r)
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, "401")
		return
	}
	courses, err := central.GetAllCourses()
	if err != nil {
		HttpSendError(w, err)
		return
	}
	encoded, eEncode := central.coursesWithTutorials(courses)
	if eEncode != nil {
		HttpSendError(w, eEncode)
		return
	}
	HttpSendJSON(w, http.StatusOK, encoded)
}

// HttpHandlerCourseSubtree routes /api/courses/<id>[/...], all behind the
// application secret key.
func HttpHandlerCourseSubtree(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	auth := resolveRequestAuth(config, central, r)
	if !auth.isSecret {
		HttpSendTxt(w, http.StatusUnauthorized, "401")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/courses/"), "/")
	courseId, eParse := strconv.ParseInt(parts[0], 10, 64)
	if eParse != nil {
		HttpSendError(w, ErrCourseNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		course, err := central.GetCourseById(courseId)
		if err != nil {
			HttpSendError(w, err)
			return
		}
		encoded, eEncode := central.coursesWithTutorials([]*Container{course})
		if eEncode != nil {
			HttpSendError(w, eEncode)
			return
		}
		HttpSendJSON(w, http.StatusOK, encoded[0])
	case len(parts) == 2 && parts[1] == "students":
		course, err := central.GetCourseById(courseId)
		if err != nil {
			HttpSendError(w, err)
			return
		}
		users, eUsers := central.GetContainerUsers(course)
		if eUsers != nil {
			HttpSendError(w, eUsers)
			return
		}
		HttpSendJSON(w, http.StatusOK, usersToJSON(users, func(u *User) interface{} { return userToJSON(u) }))
	case len(parts) == 2 && parts[1] == "tutorials":
		course, err := central.GetCourseById(courseId)
		if err != nil {
			HttpSendError(w, err)
			return
		}
		tutorials, eTuts := central.GetAllTutorials(course)
		if eTuts != nil {
			HttpSendError(w, eTuts)
			return
		}
		encoded := []*containerJSON{}
		for _, t := range tutorials {
			encoded = append(encoded, containerToJSON(t))
		}
		HttpSendJSON(w, http.StatusOK, encoded)
	case len(parts) >= 3 && parts[1] == "tutorials":
		tutorialId, eTutParse := strconv.ParseInt(parts[2], 10, 64)
		if eTutParse != nil {
			HttpSendError(w, ErrTutorialNotFound)
			return
		}
		_, tutorial, err := central.GetCourseAndTutorialById(courseId, tutorialId)
		if err != nil {
			HttpSendError(w, err)
			return
		}
		if len(parts) == 3 {
			HttpSendJSON(w, http.StatusOK, containerToJSON(tutorial))
			return
		}
		if len(parts) == 4 && parts[3] == "students" {
			users, eUsers := central.GetContainerUsers(tutorial)
			if eUsers != nil {
				HttpSendError(w, eUsers)
				return
			}
			HttpSendJSON(w, http.StatusOK, usersToJSON(users, func(u *User) interface{} { return userToJSON(u) }))
			return
		}
		HttpSendTxt(w, http.StatusNotFound, "API not defined")
	default:
		HttpSendTxt(w, http.StatusNotFound, "API not defined")
	}
}

// HttpHandlerTutorials lists every tutorial across all courses.
func HttpHandlerTutorials(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	courses, err := central.GetAllCourses()
	if err != nil {
		HttpSendError(w, err)
		return
	}
	encoded := []*containerJSON{}
	for _, course := range courses {
		tutorials, eTuts := central.GetAllTutorials(course)
		if eTuts != nil {
			HttpSendError(w, eTuts)
			return
		}
		for _, t := range tutorials {
			encoded = append(encoded, containerToJSON(t))
		}
	}
	HttpSendJSON(w, http.StatusOK, encoded)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// NewHttpHandler wires up the full HTTP surface on a fresh mux: the identity
// provider mounts, the web login pages, and the machine API.
func NewHttpHandler(config *ConfigHTTP, central *Central) http.Handler {
	mux := http.NewServeMux()

	makehandler := func(actual func(*ConfigHTTP, *Central, http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			actual(config, central, w, r)
		}
	}

	for _, provider := range central.Providers() {
		provider.Mount(config, mux)
	}

	mux.HandleFunc("/login", makehandler(HttpHandlerLogin))
	mux.HandleFunc("/login_success", makehandler(HttpHandlerLoginSuccess))
	mux.HandleFunc("/logout", makehandler(HttpHandlerLogout))
	mux.HandleFunc("/session", makehandler(HttpHandlerSession))

	mux.HandleFunc("/api/ping", makehandler(HttpHandlerPing))
	mux.HandleFunc("/api/auth_status", makehandler(HttpHandlerAuthStatus))
	mux.HandleFunc("/api/auth_tokens/", makehandler(HttpHandlerAuthToken))
	mux.HandleFunc("/api/user", makehandler(HttpHandlerCurrentUser))
	mux.HandleFunc("/api/users", makehandler(HttpHandlerUsers))
	mux.HandleFunc("/api/users/", makehandler(HttpHandlerUserSubtree))
	mux.HandleFunc("/api/courses", makehandler(HttpHandlerCourses))
	mux.HandleFunc("/api/courses/", makehandler(HttpHandlerCourseSubtree))
	mux.HandleFunc("/api/tutorials", makehandler(HttpHandlerTutorials))

	return mux
}

// Run as a standalone HTTP server. This just wires up the various HTTP
// handler functions and starts a listener. You will probably want to add
// your own entry points and do that yourself instead of using this.
func RunHttp(config *ConfigHTTP, central *Central) error {
	handler := NewHttpHandler(config, central)
	central.Log.Infof("Listening on %v:%v", config.Bind, config.Port)
	return http.ListenAndServe(fmt.Sprintf("%v:%v", config.Bind, config.Port), handler)
}

func RunHttpFromConfig(config *Config) error {
	central, err := NewCentralFromConfig(config)
	if err != nil {
		return err
	}
	return RunHttp(&config.HTTP, central)
}
