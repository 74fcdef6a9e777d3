package pipeline

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed agents.yaml
var defaultAgentsRaw []byte

// Agent is a prompt definition of one pipeline stage
type Agent struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
	Prompt    string `yaml:"prompt"`

	tmpl *template.Template
}

// Agents holds the definitions of the four stages
type Agents struct {
	Planner   *Agent `yaml:"planner"`
	Doer      *Agent `yaml:"doer"`
	Critic    *Agent `yaml:"critic"`
	Responder *Agent `yaml:"responder"`
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// DefaultAgents returns the built-in definitions
func DefaultAgents() *Agents {
	agents, err := LoadAgents(bytes.NewReader(defaultAgentsRaw))
	if err != nil {
		panic("invalid built-in agent definitions: " + err.Error())
	}
	return agents
}

// LoadAgentsFile reads definitions from a YAML file
func LoadAgentsFile(path string) (*Agents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open agents file",
			goerr.V("path", path),
			goerr.T(model.TagConfiguration))
	}
	defer f.Close()

	agents, err := LoadAgents(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load agents file", goerr.V("path", path))
	}
	return agents, nil
}

// LoadAgents decodes YAML definitions. Every stage must be defined.
func LoadAgents(r io.Reader) (*Agents, error) {
	var agents Agents
	if err := yaml.NewDecoder(r).Decode(&agents); err != nil {
		return nil, goerr.Wrap(err, "failed to decode agents", goerr.T(model.TagConfiguration))
	}

	for stage, agent := range map[string]*Agent{
		"planner":   agents.Planner,
		"doer":      agents.Doer,
		"critic":    agents.Critic,
		"responder": agents.Responder,
	} {
		if agent == nil {
			return nil, goerr.New("agent is not defined",
				goerr.V("stage", stage),
				goerr.T(model.TagConfiguration))
		}
		if agent.Name == "" {
			agent.Name = stage
		}

		tmpl, err := template.New(agent.Name).Funcs(templateFuncs).Option("missingkey=error").Parse(agent.Prompt)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to parse agent prompt",
				goerr.V("stage", stage),
				goerr.T(model.TagConfiguration))
		}
		agent.tmpl = tmpl
	}

	return &agents, nil
}

// System returns the system prompt describing the agent
func (x *Agent) System() string {
	var b strings.Builder
	b.WriteString("You are the " + x.Role + ".")
	if x.Goal != "" {
		b.WriteString(" Your goal: " + x.Goal + ".")
	}
	if x.Backstory != "" {
		b.WriteString("\n\n" + strings.TrimSpace(x.Backstory))
	}
	return b.String()
}

// Render executes the prompt template with the state
func (x *Agent) Render(state State) (string, error) {
	var buf bytes.Buffer
	if err := x.tmpl.Execute(&buf, state); err != nil {
		return "", goerr.Wrap(err, "failed to render agent prompt", goerr.V("agent", x.Name))
	}
	return buf.String(), nil
}
