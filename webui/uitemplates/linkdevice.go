package uitemplates

type LinkDeviceParams struct {
	ActiveUser ActiveUserParams

	UserError   string
	FieldErrors map[string]string
	Linked      string

	Patients   []LinkDevicePatient
	DeviceID   string
	DeviceName string
	PatientUID string
}

type LinkDevicePatient struct {
	UID  string
	Name string
}

var linkDeviceText = `{{define "title"}}Registrar dispositivo{{end}}
{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Inicio</a></li>
  <li class="breadcrumb-item active" aria-current="page">Registrar dispositivo</li>
{{- end}}

{{define "content"}}
{{if .UserError}}
  <div class="alert alert-danger" role="alert">{{.UserError}}</div>
{{end}}
{{if .Linked}}
  <div class="alert alert-success" role="alert">Dispositivo {{.Linked}} vinculado.</div>
{{end}}
<form method="POST">
  <div class="mb-3">
    <label for="device_id" class="form-label">ID del dispositivo</label>
    <input type="text" name="device_id" id="device_id" value="{{.DeviceID}}" class="form-control{{if index .FieldErrors "device_id"}} is-invalid{{end}}">
    {{with index .FieldErrors "device_id"}}<div class="invalid-feedback">{{.}}</div>{{end}}
  </div>
  <div class="mb-3">
    <label for="device_name" class="form-label">Nombre del dispositivo</label>
    <input type="text" name="device_name" id="device_name" value="{{.DeviceName}}" class="form-control{{if index .FieldErrors "device_name"}} is-invalid{{end}}">
    {{with index .FieldErrors "device_name"}}<div class="invalid-feedback">{{.}}</div>{{end}}
  </div>
  <div class="mb-3">
    <label for="patient" class="form-label">Paciente</label>
    <select name="patient" id="patient" class="form-select">
      <option value="">Seleccione un paciente</option>
      {{$selected := .PatientUID}}
      {{range .Patients}}
      <option value="{{.UID}}"{{if eq .UID $selected}} selected{{end}}>{{.Name}}</option>
      {{end}}
    </select>
  </div>
  <button type="submit" class="btn btn-primary">Vincular</button>
</form>
{{end}}
`

var linkDeviceTemplate = mustPage(linkDeviceText)

func LinkDevicePage(params *LinkDeviceParams) ([]byte, error) {
	return render(linkDeviceTemplate, params)
}
