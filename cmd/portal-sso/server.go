package main

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/lstoll/oidcrp/middleware"
	"github.com/lstoll/oidcrp/provision"
	"github.com/lstoll/oidcrp/storage"
)

type portal struct {
	users  *storage.UserStore
	creds  *storage.CredentialStore
	logger *slog.Logger
}

const homePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Portal</title>
	</head>
	<body>
		<h1>Portal</h1>
		<p><a href="/account">My account</a></p>
	</body>
</html>`

var homeTmpl = template.Must(template.New("homePage").Parse(homePage))

func (p *portal) home(w http.ResponseWriter, _ *http.Request) {
	if err := homeTmpl.Execute(w, nil); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}

const accountPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>My account</title>
	</head>
	<body>
		<h1>{{ .User.Firstname }} {{ .User.Lastname }}</h1>
		<p>username: {{ .User.Username }}</p>
		<p>email: {{ .User.Email }}</p>
		<p>home library: {{ .User.HomeLibrary }}</p>
		{{ if .User.CatUsername }}<p>catalog account: {{ .User.CatUsername }} (password {{ if .HasCatPassword }}stored{{ else }}missing{{ end }})</p>{{ end }}
		<p>last login: {{ .User.LastLogin.Format "2006-01-02 15:04:05 MST" }}</p>
		<form action="/logout" method="GET">
			<input type="submit" value="Log out">
		</form>
	</body>
</html>`

var accountTmpl = template.Must(template.New("accountPage").Parse(accountPage))

func (p *portal) account(w http.ResponseWriter, r *http.Request) {
	u, err := p.users.GetUserByUsername(r.Context(), middleware.UsernameFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		p.logger.ErrorContext(r.Context(), "loading user", slog.String("err", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	data := struct {
		User           *provision.User
		HasCatPassword bool
	}{User: u}
	if pw, err := p.creds.CatPasswordForUser(r.Context(), u); err == nil && pw != "" {
		data.HasCatPassword = true
	}

	if err := accountTmpl.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}
