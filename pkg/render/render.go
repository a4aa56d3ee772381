package render

import (
	"bytes"
	"embed"
	"encoding/xml"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	GovernanceTemplate  = "governance.xml.tmpl"
	PermissionsTemplate = "permissions.xml.tmpl"
)

// Engine renders the security document templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{"xml": escapeXML}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data.
func (e *Engine) Render(name string, data any) ([]byte, error) {
	if e == nil || e.templates == nil {
		return nil, fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GovernanceData feeds governance.xml.tmpl.
type GovernanceData struct {
	DomainID int
}

// PermissionsData feeds permissions.xml.tmpl. Times are rendered in the
// xs:dateTime form DDS security expects.
type PermissionsData struct {
	GrantName   string
	SubjectName string
	NotBefore   string
	NotAfter    string
	DomainID    int
	Topics      []string
}

func escapeXML(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
