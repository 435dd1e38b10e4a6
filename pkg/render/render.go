// Package render turns stored dialogues into markdown for human review.
package render

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/toolsmith/pkg/store"
	"github.com/pkg/errors"
)

const recordTemplate = `
# Dialogue {{ .DialogueID }}

- **Archetype**: {{ .Archetype }}
- **Disposition**: {{ .Disposition }}
{{- with .FinalDifficulty }}
- **Final difficulty**: {{ deref . | printf "%.3f" }}
{{- end }}
{{- if .Tokens }}
- **Tokens**: {{ .Tokens }}
{{- end }}

## Candidate APIs
{{ range .Candidates }}
- ` + "`{{ .Name }}`" + `{{ with .Category }} ({{ . }}){{ end }}: {{ .Description | trim }}
{{- end }}

## Turns
{{ range .Turns }}
### {{ .Position }}. {{ .Role | toString | upper }}
{{ with .Content }}
{{ . }}
{{ end }}
{{- range .Calls }}
- call ` + "`{{ .Name }}`" + ` {{ .Arguments | toJson }}
{{- end }}
{{- range .Results }}
- result ` + "`{{ .Name }}`" + ` [{{ .Status }}] {{ if .Error }}{{ .Error }}{{ else }}{{ .Result | toJson }}{{ end }}
{{- end }}
{{ end }}
{{- with .Report }}
## Verification
{{ with .Rules }}
{{- range .Violations }}
- **{{ .Rule }}** ({{ .Severity }}, turn {{ .Turn }}): {{ .Message }}
{{- else }}
- rules passed
{{- end }}
{{- range .Warnings }}
- {{ .Rule }} ({{ .Severity }}): {{ .Message }}
{{- end }}
{{ end }}
{{- with .Judgment }}
| dimension | score | threshold | passed |
|---|---|---|---|
{{- range .Scores }}
| {{ .Dimension }} | {{ printf "%.2f" .Score }} | {{ printf "%.2f" .Threshold }} | {{ .Passed }} |
{{- end }}

Overall: {{ printf "%.2f" .Overall }}
{{ end }}
{{- if .Review.Required }}
Review: {{ .Review.Reason }}{{ if not .Review.Deadline.IsZero }}, due {{ .Review.Deadline.Format "2006-01-02 15:04" }}{{ end }}
{{- end }}
{{- end }}
`

var tmpl = template.Must(template.New("record").
	Funcs(sprig.TxtFuncMap()).
	Funcs(template.FuncMap{
		"deref": func(f *float64) float64 { return *f },
	}).
	Parse(recordTemplate))

// Markdown renders a record with its verification report.
func Markdown(rec store.Record) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rec); err != nil {
		return "", errors.Wrapf(err, "could not render dialogue %s", rec.DialogueID)
	}
	return buf.String(), nil
}

// Terminal renders a record as styled markdown for a terminal.
func Terminal(rec store.Record, style string) (string, error) {
	md, err := Markdown(rec)
	if err != nil {
		return "", err
	}
	if style == "" {
		style = "dark"
	}
	return glamour.Render(md, style)
}
