// ABOUTME: Feature catalog: mode preambles, feature transitions and fixed replies
// ABOUTME: Loaded from TOML, with an embedded default used when no file is configured

package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/cobrai-gateway/internal/session"
)

//go:embed default.toml
var defaultCatalog []byte

// Feature is a feature tag emitted by the model.
type Feature string

// NoFeature means the model selected no feature.
const NoFeature Feature = ""

// Action is what the router does when a feature tag arrives.
type Action string

const (
	// ActionEnterMode replaces the session with the target mode's preamble.
	ActionEnterMode Action = "enter_mode"
	// ActionReset returns the session to the default mode with a placeholder reply.
	ActionReset Action = "reset"
)

// ErrInvalidCatalog wraps every validation failure.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Replies holds fixed user-facing texts.
type Replies struct {
	Unavailable   string `toml:"unavailable"`
	Unsupported   string `toml:"unsupported"`
	MediaFailure  string `toml:"media_failure"`
	InternalError string `toml:"internal_error"`
}

// ModeSpec describes a conversational mode.
type ModeSpec struct {
	Name         session.Mode
	Preamble     []string
	InitialStage session.Stage
}

// FeatureSpec describes the transition bound to a feature tag.
type FeatureSpec struct {
	Tag         Feature
	Action      Action
	Mode        session.Mode
	Reply       string
	RepeatStage session.Stage
}

// Catalog is the injected feature data the engine runs on.
type Catalog struct {
	Language    string
	DefaultMode session.Mode
	Replies     Replies

	modes    map[session.Mode]ModeSpec
	features map[Feature]FeatureSpec
}

type fileFormat struct {
	Language    string              `toml:"language"`
	DefaultMode string              `toml:"default_mode"`
	Replies     Replies             `toml:"replies"`
	Modes       map[string]modeFile `toml:"modes"`
	Features    map[string]featFile `toml:"features"`
}

type modeFile struct {
	Preamble     []string `toml:"preamble"`
	InitialStage string   `toml:"initial_stage"`
}

type featFile struct {
	Action      string `toml:"action"`
	Mode        string `toml:"mode"`
	Reply       string `toml:"reply"`
	RepeatStage string `toml:"repeat_stage"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns the embedded default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML catalog data.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	c := &Catalog{
		Language:    f.Language,
		DefaultMode: session.Mode(strings.ToUpper(f.DefaultMode)),
		Replies:     f.Replies,
		modes:       make(map[session.Mode]ModeSpec, len(f.Modes)),
		features:    make(map[Feature]FeatureSpec, len(f.Features)),
	}
	if c.DefaultMode == "" {
		c.DefaultMode = session.ModeDefault
	}

	for name, m := range f.Modes {
		mode := session.Mode(strings.ToUpper(name))
		c.modes[mode] = ModeSpec{
			Name:         mode,
			Preamble:     m.Preamble,
			InitialStage: session.Stage(m.InitialStage),
		}
	}
	for tag, ft := range f.Features {
		feature := Feature(strings.ToUpper(tag))
		c.features[feature] = FeatureSpec{
			Tag:         feature,
			Action:      Action(ft.Action),
			Mode:        session.Mode(strings.ToUpper(ft.Mode)),
			Reply:       ft.Reply,
			RepeatStage: session.Stage(ft.RepeatStage),
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	def, ok := c.modes[c.DefaultMode]
	if !ok {
		return fmt.Errorf("%w: default mode %q has no entry", ErrInvalidCatalog, c.DefaultMode)
	}
	if len(def.Preamble) == 0 {
		return fmt.Errorf("%w: default mode preamble is empty", ErrInvalidCatalog)
	}
	if c.Replies.Unavailable == "" {
		return fmt.Errorf("%w: replies.unavailable is required", ErrInvalidCatalog)
	}
	if c.Replies.Unsupported == "" {
		c.Replies.Unsupported = c.Replies.Unavailable
	}
	if c.Replies.MediaFailure == "" {
		c.Replies.MediaFailure = c.Replies.Unavailable
	}
	if c.Replies.InternalError == "" {
		c.Replies.InternalError = c.Replies.Unavailable
	}

	for tag, f := range c.features {
		if f.Reply == "" {
			return fmt.Errorf("%w: feature %s has no reply", ErrInvalidCatalog, tag)
		}
		switch f.Action {
		case ActionEnterMode:
			m, ok := c.modes[f.Mode]
			if !ok || len(m.Preamble) == 0 {
				return fmt.Errorf("%w: feature %s targets mode %q without a preamble", ErrInvalidCatalog, tag, f.Mode)
			}
		case ActionReset:
		default:
			return fmt.Errorf("%w: feature %s has unknown action %q", ErrInvalidCatalog, tag, f.Action)
		}
	}
	return nil
}

// Preamble returns the system turns opening a conversation in mode.
// Unknown modes get the default mode's preamble.
func (c *Catalog) Preamble(mode session.Mode) []session.Turn {
	m, ok := c.modes[mode]
	if !ok || len(m.Preamble) == 0 {
		m = c.modes[c.DefaultMode]
	}
	turns := make([]session.Turn, len(m.Preamble))
	for i, text := range m.Preamble {
		turns[i] = session.Turn{Role: session.RoleSystem, Content: text}
	}
	return turns
}

// Mode returns the catalog entry for a mode.
func (c *Catalog) Mode(mode session.Mode) (ModeSpec, bool) {
	m, ok := c.modes[mode]
	return m, ok
}

// Feature returns the catalog entry bound to a tag.
func (c *Catalog) Feature(tag Feature) (FeatureSpec, bool) {
	f, ok := c.features[tag]
	return f, ok
}

// Features lists the known tags in sorted order.
func (c *Catalog) Features() []Feature {
	out := make([]Feature, 0, len(c.features))
	for tag := range c.features {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// noFeatureSpellings are the values models use to say "nothing selected".
var noFeatureSpellings = map[string]struct{}{
	"":     {},
	"NONE": {},
	"NULL": {},
	"NIL":  {},
	"-1":   {},
	"N/A":  {},
}

// ParseFeature normalizes a raw tag. known is false when raw names a tag the
// catalog does not have; the result is then NoFeature.
func (c *Catalog) ParseFeature(raw string) (tag Feature, known bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := noFeatureSpellings[s]; ok {
		return NoFeature, true
	}
	if _, ok := c.features[Feature(s)]; ok {
		return Feature(s), true
	}
	return NoFeature, false
}
