package vendorcli

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*
var templateFS embed.FS

// renderTemplate executes one of the embedded bootstrap templates and returns
// its non-empty lines in order.
func renderTemplate(name string, p Params) ([]string, error) {
	t, err := template.New(name).ParseFS(templateFS, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("error loading template %s: %v", name, err)
	}
	var output bytes.Buffer
	if err = t.Execute(&output, p); err != nil {
		return nil, fmt.Errorf("error executing template %s: %v", name, err)
	}

	var lines []string
	for _, line := range strings.Split(output.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
