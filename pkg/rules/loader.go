package rules

import (
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/api"
)

type ruleFile struct {
	Rules []api.FaultRule `yaml:"rules"`
}

// Parse reads a rule file. Decoding is strict: unknown keys anywhere in the
// document are a parse error, not a silent no-op.
func Parse(r io.Reader) ([]api.FaultRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f ruleFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errx.Wrap(ErrParseRules, err)
	}
	return f.Rules, nil
}

// ParseFile is Parse over a file path; "-" reads stdin.
func ParseFile(path string) ([]api.FaultRule, error) {
	if path == "-" {
		return Parse(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errx.Wrap(ErrParseRules, err)
	}
	defer f.Close()
	return Parse(f)
}

// Load parses and compiles a rule file in one step.
func Load(r io.Reader) (*Engine, error) {
	list, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return NewEngine(list)
}
