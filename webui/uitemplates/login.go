package uitemplates

type LogInParams struct {
	ActiveUser ActiveUserParams
	UserError  string
	Email      string

	// GoogleClientID enables "Sign in with Google" when set.
	GoogleClientID string
}

var logInText = `{{define "title"}}Iniciar sesión{{end}}
{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Inicio</a></li>
  <li class="breadcrumb-item active" aria-current="page">Iniciar sesión</li>
{{- end}}

{{define "content"}}
{{if .UserError}}
  <div class="alert alert-danger" role="alert">{{.UserError}}</div>
{{end}}
<form method="POST">
  <div class="mb-3">
    <label for="email" class="form-label">Correo</label>
    <input type="email" name="email" id="email" value="{{.Email}}" class="form-control" required>
  </div>
  <div class="mb-3">
    <label for="password" class="form-label">Contraseña</label>
    <input type="password" name="password" id="password" class="form-control" required>
  </div>
  <button type="submit" class="btn btn-primary">Iniciar sesión</button>
</form>
{{if .GoogleClientID}}
<div class="mt-3">
  <div id="g_id_onload" data-client_id="{{.GoogleClientID}}" data-login_uri="/log-in/google" data-auto_prompt="false"></div>
  <div class="g_id_signin" data-type="standard" data-text="signin_with" data-locale="es"></div>
</div>
{{end}}
<p class="mt-3"><a href="/register">¿No tienes cuenta? Regístrate</a></p>
{{end}}

{{define "scripts"}}
{{if .GoogleClientID}}<script src="https://accounts.google.com/gsi/client" async></script>{{end}}
{{end}}
`

var logInTemplate = mustPage(logInText)

func LogInPage(params *LogInParams) ([]byte, error) {
	return render(logInTemplate, params)
}
