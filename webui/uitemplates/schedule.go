package uitemplates

type ScheduleParams struct {
	ActiveUser ActiveUserParams

	DeviceID   string
	Times      []string
	WeightText string

	// CanSave enables the edit controls; it is false for anyone but a
	// caregiver.
	CanSave bool
	Role    string

	UserError string
	Saved     bool

	// LiveLink is the websocket path streaming schedule updates.
	LiveLink string
}

var scheduleText = `{{define "title"}}Horarios: {{.DeviceID}}{{end}}
{{define "breadcrumbs" -}}
  <li class="breadcrumb-item"><a href="/">Inicio</a></li>
  <li class="breadcrumb-item"><a href="/panel">Panel de control</a></li>
  <li class="breadcrumb-item active" aria-current="page">Horarios: {{.DeviceID}}</li>
{{- end}}

{{define "content"}}
{{if .UserError}}
  <div class="alert alert-danger" role="alert">{{.UserError}}</div>
{{end}}
{{if .Saved}}
  <div class="alert alert-success" role="alert">Horarios guardados.</div>
{{end}}
<div id="live-status" class="alert alert-info d-none" role="status"></div>

<form method="POST">
  <button type="submit" class="d-none" tabindex="-1" aria-hidden="true"></button>
  <input type="hidden" name="device" value="{{.DeviceID}}">
  {{range .Times}}<input type="hidden" name="times" value="{{.}}">{{end}}

  <h2>Horas de dispensación</h2>
  <ul class="list-group mb-3">
    {{range .Times}}
    <li class="list-group-item d-flex justify-content-between">
      <span>{{.}}</span>
      {{if $.CanSave}}<button type="submit" name="remove" value="{{.}}" formnovalidate class="btn btn-sm btn-outline-danger" onclick="this.form.action.value='remove'">Quitar</button>{{end}}
    </li>
    {{else}}
    <li class="list-group-item">Sin horarios.</li>
    {{end}}
  </ul>

  <input type="hidden" name="action" value="save">
  <div class="mb-3">
    <label for="new-time" class="form-label">Nueva hora (HH:MM)</label>
    <input type="text" name="new-time" id="new-time" class="form-control" placeholder="08:00" {{if not .CanSave}}disabled{{end}}>
  </div>
  {{if .CanSave}}<button type="submit" class="btn btn-secondary mb-3" onclick="this.form.action.value='add'">Agregar hora</button>{{end}}

  <div class="mb-3">
    <label for="weight" class="form-label">Peso por pastilla (g)</label>
    <input type="text" name="weight" id="weight" value="{{.WeightText}}" class="form-control" {{if not .CanSave}}disabled{{end}}>
  </div>

  <button type="submit" class="btn btn-primary" {{if not .CanSave}}disabled{{end}}>Guardar</button>
  {{if not .CanSave}}<p class="text-body-secondary mt-2">Solo un cuidador puede modificar los horarios (rol actual: {{.Role}}).</p>{{end}}
</form>
{{end}}

{{define "scripts"}}
<script>
(function() {
  const status = document.getElementById("live-status");
  const proto = location.protocol === "https:" ? "wss://" : "ws://";
  const ws = new WebSocket(proto + location.host + {{.LiveLink}});
  ws.onmessage = function(ev) {
    const s = JSON.parse(ev.data);
    if (s.state === "success") {
      status.textContent = "Horarios actuales: " + (s.times || []).join(", ") + " · " + s.pill_weight_g + " g";
    } else if (s.state === "error") {
      status.textContent = s.message;
    } else {
      return;
    }
    status.classList.remove("d-none");
  };
})();
</script>
{{end}}
`

var scheduleTemplate = mustPage(scheduleText)

func SchedulePage(params *ScheduleParams) ([]byte, error) {
	return render(scheduleTemplate, params)
}
