package uitemplates

type RegisterParams struct {
	ActiveUser ActiveUserParams
	UserError  string

	FullName string
	Email    string
	Role     string
}

var registerText = `{{define "title"}}Crear cuenta{{end}}
{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Inicio</a></li>
  <li class="breadcrumb-item active" aria-current="page">Crear cuenta</li>
{{- end}}

{{define "content"}}
{{if .UserError}}
  <div class="alert alert-danger" role="alert">{{.UserError}}</div>
{{end}}
<form method="POST">
  <div class="mb-3">
    <label for="full_name" class="form-label">Nombre completo</label>
    <input type="text" name="full_name" id="full_name" value="{{.FullName}}" class="form-control" required>
  </div>
  <div class="mb-3">
    <label for="email" class="form-label">Correo</label>
    <input type="email" name="email" id="email" value="{{.Email}}" class="form-control" required>
  </div>
  <div class="mb-3">
    <label for="password" class="form-label">Contraseña</label>
    <input type="password" name="password" id="password" class="form-control" minlength="6" required>
  </div>
  <div class="mb-3">
    <label for="role" class="form-label">Rol</label>
    <select name="role" id="role" class="form-select">
      <option value="Paciente"{{if eq .Role "Paciente"}} selected{{end}}>Paciente</option>
      <option value="Cuidador"{{if eq .Role "Cuidador"}} selected{{end}}>Cuidador</option>
    </select>
  </div>
  <button type="submit" class="btn btn-primary">Crear cuenta</button>
</form>
{{end}}
`

var registerTemplate = mustPage(registerText)

func RegisterPage(params *RegisterParams) ([]byte, error) {
	return render(registerTemplate, params)
}
