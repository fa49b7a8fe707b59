package server

import (
	"html/template"
	"net/http"
)

const logoutPath = "/logout"

type pageView struct {
	Title      string
	Action     string
	Register   bool
	Confirm    bool
	Dashboard  bool
	Error      string
	Notice     string
	Handoff    [][2]string
	RedirectTo string
	AltLink    string
	Email      string
	ExpiresAt  string
	LogoutPath string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 4rem auto; max-width: 360px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1.5rem; }
label { display: block; margin-bottom: 0.35rem; font-weight: 600; }
input[type=email], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; box-sizing: border-box; }
button { width: 100%; padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.error { border: 1px solid #d32f2f; background: #fbeaea; padding: 0.75rem; border-radius: 8px; margin-bottom: 1rem; }
.notice { border: 1px solid #1976d2; background: #e7f1fb; padding: 0.75rem; border-radius: 8px; margin-bottom: 1rem; }
small { color: #555; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Error}}<div class="error" role="alert">{{.Error}}</div>{{end}}
{{if .Notice}}<div class="notice">{{.Notice}}</div>{{end}}
{{if .Dashboard}}
<p>Signed in as <strong>{{.Email}}</strong>.</p>
<p><small>Session expires {{.ExpiresAt}}</small></p>
<form method="post" action="{{.LogoutPath}}">
<button type="submit">Sign out</button>
</form>
{{else}}
<form method="post" action="{{.Action}}">
{{range .Handoff}}<input type="hidden" name="{{index . 0}}" value="{{index . 1}}">
{{end}}{{if .RedirectTo}}<input type="hidden" name="redirect_to" value="{{.RedirectTo}}">
{{end}}<label for="email">Email</label>
<input type="email" id="email" name="email" autocomplete="email" required>
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="{{if .Confirm}}new-password{{else}}current-password{{end}}" required>
{{if .Confirm}}<label for="confirm_password">Confirm password</label>
<input type="password" id="confirm_password" name="confirm_password" autocomplete="new-password" required>
{{end}}<button type="submit">{{.Title}}</button>
</form>
{{if .Register}}<p><small>No account? <a href="{{.AltLink}}">Create one</a></small></p>
{{else}}<p><small>Already registered? <a href="{{.AltLink}}">Sign in</a></small></p>
{{end}}{{end}}
</body>
</html>
`))

func (a *App) renderPage(w http.ResponseWriter, status int, view pageView) {
	if view.LogoutPath == "" {
		view.LogoutPath = logoutPath
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render page", "title", view.Title, "error", err)
	}
}
