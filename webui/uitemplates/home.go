package uitemplates

type HomeParams struct {
	ActiveUser ActiveUserParams
}

var homeText = `{{define "title"}}Inicio{{end}}

{{define "content"}}
{{if .ActiveUser.LoggedIn}}
<h1>Hola, {{.ActiveUser.FullName}}</h1>
<div class="list-group">
  <a class="list-group-item list-group-item-action" href="/panel">Panel de control</a>
  {{if .ActiveUser.IsCaregiver}}
  <a class="list-group-item list-group-item-action" href="/link-device">Registrar dispositivo</a>
  {{end}}
</div>
{{else}}
<a class="btn btn-primary" href="/log-in">Iniciar sesión</a>
<a class="btn btn-link" href="/register">Crear cuenta</a>
{{end}}
{{end}}
`

var homeTemplate = mustPage(homeText)

func HomePage(params *HomeParams) ([]byte, error) {
	return render(homeTemplate, params)
}
