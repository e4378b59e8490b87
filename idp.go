package atheneum

import (
	"fmt"
	"html/template"
	"net/http"
)

// An IdentityProvider authenticates principals through one mechanism and
// mounts its HTTP surface under /idps/<name>/. The provider set is closed:
// "local" verifies credentials held in the user store, "saml" delegates to a
// federated IdP and creates principals implicitly on first assertion.
type IdentityProvider interface {
	Name() string
	Type() string
	Initialize() error
	Mount(config *ConfigHTTP, mux *http.ServeMux)
}

// NewIdentityProvider builds a provider from one config entry.
func NewIdentityProvider(central *Central, config ConfigIdentityProvider) (IdentityProvider, error) {
	switch config.Type {
	case "local":
		return newLocalProvider(central, config.Name), nil
	case "saml":
		return newSamlProvider(central, config.Name, &config.SAML)
	}
	return nil, NewError(ErrValidation, "unrecognized identity provider type "+config.Type)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type localProvider struct {
	central *Central
	name    string
}

func newLocalProvider(central *Central, name string) *localProvider {
	return &localProvider{
		central: central,
		name:    name,
	}
}

func (x *localProvider) Name() string {
	return x.name
}

func (x *localProvider) Type() string {
	return "local"
}

func (x *localProvider) Initialize() error {
	return nil
}

func (x *localProvider) Mount(config *ConfigHTTP, mux *http.ServeMux) {
	base := "/idps/" + x.name
	mux.HandleFunc(base+"/login", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			x.loginPage(config, w, r)
		case "POST":
			x.login(config, w, r)
		default:
			HttpSendTxt(w, http.StatusMethodNotAllowed, "API not defined")
		}
	})
	x.central.Log.Infof("%v/login mounted", base)
}

var localLoginTemplate = template.Must(template.New("localLogin").Parse(`<!DOCTYPE html>
<html>
<head><title>Login</title></head>
<body>
<h1>Sign in with {{.Provider}}</h1>
{{range .Flash}}<p class="flash-{{.Kind}}">{{.Text}}</p>
{{end}}<form method="POST" action="{{.Action}}">
<label>Username <input type="text" name="username"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Login</button>
</form>
</body>
</html>
`))

func (x *localProvider) loginPage(config *ConfigHTTP, w http.ResponseWriter, r *http.Request) {
	session, err := getOrCreateSession(config, x.central, w, r)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	localLoginTemplate.Execute(w, struct {
		Provider string
		Action   string
		Flash    []FlashMessage
	}{
		Provider: x.name,
		Action:   "/idps/" + x.name + "/login",
		Flash:    x.central.PopFlash(session),
	})
}

func (x *localProvider) login(config *ConfigHTTP, w http.ResponseWriter, r *http.Request) {
	session, err := getOrCreateSession(config, x.central, w, r)
	if err != nil {
		HttpSendError(w, err)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	user, eLogin := x.central.LoginLocal(session, x.name, username, password)
	if eLogin != nil {
		x.central.PushFlash(session, "error", "Invalid username or password.")
		http.Redirect(w, r, "/idps/"+x.name+"/login", http.StatusFound)
		return
	}
	x.central.Log.Infof("Local login for %v via %v", user.ReadableId(), x.name)
	http.Redirect(w, r, "/login_success", http.StatusFound)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ProviderSummary is what the login page shows for each provider.
type ProviderSummary struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	LoginUrl string `json:"login_url"`
}

func (x *Central) ProviderSummaries() []ProviderSummary {
	summaries := []ProviderSummary{}
	for _, p := range x.Providers() {
		summaries = append(summaries, ProviderSummary{
			Name:     p.Name(),
			Type:     p.Type(),
			LoginUrl: fmt.Sprintf("/idps/%v/login", p.Name()),
		})
	}
	return summaries
}
