package status

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PatternConfig is the on-disk shape of patterns.yaml. Each entry is a
// regular expression matched against the stripped recent tail of a
// session's output. The file is read once at daemon start.
type PatternConfig struct {
	Error   []string `yaml:"error"`
	Running []string `yaml:"running"`
	Waiting []string `yaml:"waiting"`
}

// Patterns is the compiled pattern set evaluated in priority order:
// error, then running, then waiting; no match means idle.
type Patterns struct {
	Error   []*regexp.Regexp
	Running []*regexp.Regexp
	Waiting []*regexp.Regexp
}

// DefaultConfig mirrors the signals the Claude Code TUI actually
// produces. These are a design parameter, not a contract; override any
// of the three sets in patterns.yaml.
func DefaultConfig() PatternConfig {
	return PatternConfig{
		Error: []string{
			`Error:`,
			`APIError`,
			`Rate limit`,
			`Connection refused`,
			`ECONNREFUSED`,
			`timed out`,
		},
		Running: []string{
			`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`, // spinner glyphs
			`(?i)esc to interrupt`,
			`Thinking\.\.\.`,
			`Reading .+\.\.\.`,
			`Writing .+\.\.\.`,
			`Searching\.\.\.`,
			`Running .+\.\.\.`,
		},
		Waiting: []string{
			`(?m)^>\s*$`, // input prompt on its own line
			`\?\s*\[Y/n\]`,
			`\?\s*\[y/N\]`,
			`(?i)\(y/n\)`,
			`Press Enter to continue`,
			`Would you like to`,
			`(?i)Allow.*Deny`,
		},
	}
}

// LoadPatterns reads path if it exists, filling omitted sets from the
// defaults, and compiles everything. A missing file yields the compiled
// defaults; a bad regex is an error so misconfiguration is loud.
func LoadPatterns(path string) (*Patterns, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("status: read %s: %w", path, err)
		default:
			var fileCfg PatternConfig
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("status: parse %s: %w", path, err)
			}
			if len(fileCfg.Error) > 0 {
				cfg.Error = fileCfg.Error
			}
			if len(fileCfg.Running) > 0 {
				cfg.Running = fileCfg.Running
			}
			if len(fileCfg.Waiting) > 0 {
				cfg.Waiting = fileCfg.Waiting
			}
		}
	}

	return cfg.Compile()
}

func (c PatternConfig) Compile() (*Patterns, error) {
	p := &Patterns{}
	var err error
	if p.Error, err = compileAll(c.Error); err != nil {
		return nil, err
	}
	if p.Running, err = compileAll(c.Running); err != nil {
		return nil, err
	}
	if p.Waiting, err = compileAll(c.Waiting); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("status: pattern %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
