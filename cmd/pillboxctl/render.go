package main

import (
	"fmt"
	"strconv"
	"strings"

	"pillbox/monitor"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	unavailableStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			MarginBottom(1)
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// renderPanel draws one card per device.
func renderPanel(data []monitor.DeviceMonitorData) string {
	b := strings.Builder{}
	for _, d := range data {
		lines := []string{
			titleStyle.Render(fmt.Sprintf("%s (%s)", d.Device.Name, d.Device.ID)),
			labelStyle.Render("Paciente: ") + d.Device.PatientName,
		}

		if d.Reading.Unavailable() {
			lines = append(lines, unavailableStyle.Render("Lectura no disponible"))
		} else {
			lines = append(lines, fmt.Sprintf("%s%s °C  %s%s %%  %s%s g",
				labelStyle.Render("Temp: "), formatFloat(d.Reading.Temp),
				labelStyle.Render("Humedad: "), formatFloat(d.Reading.Humidity),
				labelStyle.Render("Peso: "), formatFloat(d.Reading.Weight)))
		}

		if len(d.Logs) == 0 {
			lines = append(lines, labelStyle.Render("Sin eventos recientes"))
		}
		for _, l := range d.Logs {
			entry := fmt.Sprintf("%s  %s: %s", l.Timestamp.Local().Format("2006-01-02 15:04"), l.Type, l.Description)
			if strings.HasPrefix(l.Type, "ALERT") {
				entry = alertStyle.Render(entry)
			}
			lines = append(lines, entry)
		}

		b.WriteString(cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
		b.WriteString("\n")
	}
	return b.String()
}
