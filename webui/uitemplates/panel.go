package uitemplates

type PanelParams struct {
	ActiveUser ActiveUserParams

	// Exactly one of UserError, Empty or Devices is set.
	UserError string
	Empty     bool
	Devices   []PanelDevice
}

type PanelDevice struct {
	ID           string
	Name         string
	PatientName  string
	ScheduleLink string

	// Unavailable is set when the latest reading could not be loaded.
	Unavailable bool
	Temp        string
	Humidity    string
	Weight      string
	LastUpdated string

	Logs []PanelLog
}

type PanelLog struct {
	Type        string
	Description string
	Timestamp   string
	Alert       bool
}

var panelText = `{{define "title"}}Panel de control{{end}}
{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Inicio</a></li>
  <li class="breadcrumb-item active" aria-current="page">Panel de control</li>
{{- end}}

{{define "content"}}
{{if .UserError}}
  <div class="alert alert-danger" role="alert">{{.UserError}}</div>
{{else if .Empty}}
  <p>No tienes dispositivos vinculados.</p>
  {{if .ActiveUser.IsCaregiver}}<a class="btn btn-primary" href="/link-device">Registrar dispositivo</a>{{end}}
{{else}}
  {{range .Devices}}
  <div class="card mb-3">
    <div class="card-body">
      <h5 class="card-title">{{.Name}} <small class="text-body-secondary">{{.ID}}</small></h5>
      <h6 class="card-subtitle mb-2">Paciente: {{.PatientName}}</h6>
      {{if .Unavailable}}
      <p class="text-warning">Lectura no disponible</p>
      {{else}}
      <p>Temperatura: {{.Temp}} °C &middot; Humedad: {{.Humidity}} % &middot; Peso: {{.Weight}} g<br>
      <small class="text-body-secondary">Actualizado: {{.LastUpdated}}</small></p>
      {{end}}
      {{if .Logs}}
      <ul class="list-group list-group-flush">
        {{range .Logs}}
        <li class="list-group-item{{if .Alert}} list-group-item-danger{{end}}">{{.Timestamp}} <strong>{{.Type}}</strong> {{.Description}}</li>
        {{end}}
      </ul>
      {{else}}
      <p class="text-body-secondary">Sin eventos recientes.</p>
      {{end}}
      <a class="card-link" href="{{.ScheduleLink}}">Horarios</a>
    </div>
  </div>
  {{end}}
{{end}}
{{end}}
`

var panelTemplate = mustPage(panelText)

func PanelPage(params *PanelParams) ([]byte, error) {
	return render(panelTemplate, params)
}
