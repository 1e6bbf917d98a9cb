package jobscript

import (
	"bytes"
	"strings"
	"text/template"

	shellquote "github.com/kballard/go-shellquote"
)

// containerEnv forces a writable scratch HOME, a headless plotting backend
// and silences the pkg_resources deprecation warning raised inside the tools.
var containerEnv = []string{
	"-e", "MPLCONFIGDIR=/tmp/mpl",
	"-e", "XDG_CACHE_HOME=/tmp/xdg",
	"-e", "MPLBACKEND=Agg",
	"-e", "HOME=/tmp",
	"-e", "PYTHONWARNINGS=ignore:pkg_resources is deprecated as an API:UserWarning",
	"--tmpfs", "/tmp:rw,exec,nosuid,nodev",
}

// userFlag is left unquoted so the job shell expands it on the compute node.
const userFlag = `--user "$(id -u):$(id -g)"`

var sbatchTemplate = template.Must(template.New("sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
#SBATCH --output={{.Stdout}}
#SBATCH --error={{.Stderr}}
#SBATCH --partition={{.Partition}}
{{- if .Gres}}
#SBATCH --gres={{.Gres}}
{{- end}}
#SBATCH --cpus-per-task={{.CPUs}}
#SBATCH --mem={{.Memory}}
#SBATCH --time={{.Time}}

set -euo pipefail
{{.Body}}
`))

type header struct {
	Name      string
	Stdout    string
	Stderr    string
	Partition string
	Gres      string
	CPUs      int
	Memory    string
	Time      string
	Body      string
}

func render(h header) (string, error) {
	h.Name = directiveValue(h.Name)
	h.Stdout = directiveValue(h.Stdout)
	h.Stderr = directiveValue(h.Stderr)
	h.Partition = directiveValue(h.Partition)
	h.Gres = directiveValue(h.Gres)
	h.Memory = directiveValue(h.Memory)
	h.Time = directiveValue(h.Time)
	h.Body = strings.TrimRight(h.Body, "\n")

	var buf bytes.Buffer
	if err := sbatchTemplate.Execute(&buf, h); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// directiveValue double-quotes #SBATCH values containing whitespace; sbatch
// strips the quotes when it parses the directive.
func directiveValue(v string) string {
	v = strings.TrimSpace(v)
	if strings.ContainsAny(v, " \t") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// dockerRun renders one container invocation. pre goes before the user
// flag, post after it; both are shell-quoted word by word.
func dockerRun(dockerBin string, pre []string, post []string) string {
	words := append([]string{dockerBin, "run", "--rm"}, pre...)
	return shellquote.Join(words...) + " " + userFlag + " " + shellquote.Join(post...)
}

func quote(s string) string {
	return shellquote.Join(s)
}

type lines []string

func (l *lines) add(parts ...string) {
	*l = append(*l, strings.Join(parts, ""))
}

func (l lines) String() string {
	return strings.Join(l, "\n")
}
