// Package docs renders the command reference from a registry.
package docs

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const referenceTmpl = `# Commands

Commands start with ` + "`{{.Prefix}}`" + `. In private chats the prefix may be omitted.
{{range .Sections}}
## {{.Module}}
{{range .Commands}}
- **{{$.Prefix}}{{.Name}}**{{if .Aliases}} ({{join .Aliases ", "}}){{end}}, level ` + "`{{.Level}}`" + `, args ` + "`{{.Arity}}`" + `{{if .Description}}: {{.Description}}{{end}}
{{- if .Help}}
  ` + "`{{.Help}}`" + `
{{- end}}
{{end}}{{end}}`

var reference = template.Must(template.New("reference").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(referenceTmpl))

type Section struct {
	Module   string
	Commands []*command.Spec
}

// Sections groups specs by module in module weight order, commands by name.
func Sections(specs []*command.Spec) []Section {
	groups := lo.GroupBy(specs, func(s *command.Spec) string {
		if s.Module == "" {
			return "other"
		}
		return s.Module
	})
	modules := lo.Keys(groups)
	sort.Slice(modules, func(i, j int) bool {
		wi, wj := config.ModuleWeight(modules[i]), config.ModuleWeight(modules[j])
		if wi != wj {
			return wi < wj
		}
		return modules[i] < modules[j]
	})

	return lo.Map(modules, func(m string, _ int) Section {
		cmds := groups[m]
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
		return Section{Module: m, Commands: cmds}
	})
}

// Write renders the markdown reference for reg.
func Write(w io.Writer, reg *command.Registry, prefix string) error {
	data := struct {
		Prefix   string
		Sections []Section
	}{prefix, Sections(reg.List())}
	if err := reference.Execute(w, data); err != nil {
		return fmt.Errorf("render command reference: %w", err)
	}
	return nil
}

// WriteFile renders the reference into path.
func WriteFile(path string, reg *command.Registry, prefix string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Write(f, reg, prefix); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("commands", reg.Len()).Msg("command reference updated")
	return f.Close()
}
