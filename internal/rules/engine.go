package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"voxrelay/internal/domain"
)

type compiledRule interface {
	// Match returns the reply for text when the rule recognizes it.
	Match(text string) (reply string, ok bool)
}

// RuleParser parses one line into a compiled rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (compiledRule, error)
}

// Engine is the local command grammar. It answers utterances it recognizes
// and hands everything else to the agent via domain.AgentSentinel.
type Engine struct {
	rules []compiledRule
}

// NewEngine loads and compiles a grammar file using built-in parsers. A
// blank path or a missing file yields an empty grammar.
func NewEngine(path string) (*Engine, error) {
	return NewEngineWithParsers(path, defaultRuleParsers())
}

// NewEngineWithParsers allows parser extension without engine changes.
func NewEngineWithParsers(path string, parsers []RuleParser) (*Engine, error) {
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}

	if strings.TrimSpace(path) == "" {
		return &Engine{}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{}, nil
		}
		return nil, fmt.Errorf("failed to read grammar file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse grammar file %q: %w", path, err)
	}

	return &Engine{rules: rules}, nil
}

// Len reports how many rules were loaded.
func (e *Engine) Len() int { return len(e.rules) }

// ParseSentence returns the reply of the first matching rule, or
// domain.AgentSentinel when no rule matches.
func (e *Engine) ParseSentence(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	normalized := normalize(text)
	for _, rule := range e.rules {
		if reply, ok := rule.Match(normalized); ok {
			return reply, nil
		}
	}
	return domain.AgentSentinel, nil
}

func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func parseRules(contents string, parsers []RuleParser) ([]compiledRule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]compiledRule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parsed := false
		for _, parser := range parsers {
			if !parser.CanParse(line) {
				continue
			}
			rule, err := parser.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", index+1, err)
			}
			rules = append(rules, rule)
			parsed = true
			break
		}

		if !parsed {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}
	}

	return rules, nil
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{regexRuleParser{}, phraseRuleParser{}}
}

type phraseRuleParser struct{}

func (phraseRuleParser) CanParse(line string) bool {
	return strings.Contains(line, "=>")
}

func (phraseRuleParser) Parse(line string) (compiledRule, error) {
	return parsePhraseRule(line)
}

type regexRuleParser struct{}

func (regexRuleParser) CanParse(line string) bool {
	return looksLikeRegexRule(line)
}

func (regexRuleParser) Parse(line string) (compiledRule, error) {
	return parseRegexRule(line)
}

// phraseRule matches the whole utterance, ignoring case and extra spacing.
type phraseRule struct {
	phrase string
	reply  string
}

func parsePhraseRule(line string) (compiledRule, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid phrase rule")
	}
	phrase := normalize(parts[0])
	if phrase == "" {
		return nil, errors.New("phrase cannot be empty")
	}
	return phraseRule{phrase: phrase, reply: strings.TrimSpace(parts[1])}, nil
}

func (r phraseRule) Match(text string) (string, bool) {
	if strings.EqualFold(text, r.phrase) {
		return r.reply, true
	}
	return "", false
}

type regexRule struct {
	re    *regexp.Regexp
	reply string
}

func parseRegexRule(line string) (compiledRule, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex rule")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	reply, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex reply: %w", err)
	}
	flags := strings.TrimSpace(line[pos:])

	// Case-insensitive unless the rule opts out with I.
	ignoreCase := true
	var multiLine, dotAll bool
	for _, flag := range flags {
		switch flag {
		case 'i':
			ignoreCase = true
		case 'I':
			ignoreCase = false
		case 'm':
			multiLine = true
		case 's':
			dotAll = true
		case ' ':
			continue
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	prefixFlags := ""
	if ignoreCase {
		prefixFlags += "i"
	}
	if multiLine {
		prefixFlags += "m"
	}
	if dotAll {
		prefixFlags += "s"
	}
	if prefixFlags != "" {
		pattern = "(?" + prefixFlags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	return regexRule{re: re, reply: unescapeDelimiter(reply, delim)}, nil
}

func (r regexRule) Match(text string) (string, bool) {
	match := r.re.FindStringSubmatchIndex(text)
	if match == nil {
		return "", false
	}
	return string(r.re.ExpandString(nil, r.reply, text, match)), true
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			builder.WriteByte(char)
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}

// unescapeDelimiter turns `\/` in a reply into `/`; replies are not regexes.
func unescapeDelimiter(reply string, delim byte) string {
	return strings.ReplaceAll(reply, `\`+string(delim), string(delim))
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

// looksLikeRegexRule reports whether line has the s/pattern/reply/flags
// shape. An arrow outside that shape makes the line a phrase rule, so
// phrases such as "s.o.s => help" still load.
func looksLikeRegexRule(line string) bool {
	if len(line) < 2 || line[0] != 's' || isAlphaNumericOrSpace(line[1]) {
		return false
	}
	if !strings.Contains(line, "=>") {
		return true
	}

	delim := line[1]
	_, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return false
	}
	_, pos, err = parseDelimited(line, pos, delim)
	if err != nil {
		return false
	}
	return !strings.Contains(line[pos:], "=>")
}
