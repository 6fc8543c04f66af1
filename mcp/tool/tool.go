// Package tool defines the tools a server exposes through tools/list and
// tools/call.
package tool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultInputSchema is advertised for tools that do not declare a schema
var DefaultInputSchema = json.RawMessage(`{"type":"object"}`)

// ErrInvalidArguments is returned when arguments fail the tool's input schema
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Tool is a named operation with an input schema and an implementation
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Sourced is implemented by tools that can be executed out of process. The
// source locator travels with queued jobs so a worker can find the tool.
type Sourced interface {
	Source() string
}

// Handler is the function signature of a Func tool
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type Func struct {
	name        string
	description string
	schema      json.RawMessage
	source      string
	handler     Handler
}

var _ Tool = (*Func)(nil)
var _ Sourced = (*Func)(nil)

type Option func(*Func)

// WithSource sets the locator a worker uses to load the tool
func WithSource(source string) Option {
	return func(f *Func) {
		f.source = source
	}
}

// New returns a Tool backed by a function. An empty schema means any object.
func New(name, description string, schema json.RawMessage, handler Handler, opts ...Option) *Func {
	f := &Func{
		name:        name,
		description: description,
		schema:      schema,
		source:      name,
		handler:     handler,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Func) Name() string        { return f.name }
func (f *Func) Description() string { return f.description }
func (f *Func) Source() string      { return f.source }

func (f *Func) InputSchema() json.RawMessage {
	if len(f.schema) == 0 {
		return DefaultInputSchema
	}
	return f.schema
}

func (f *Func) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if f.handler == nil {
		return nil, errors.Newf("tool %s has no implementation", f.name)
	}
	return f.handler(ctx, args)
}

// Typed adapts a function taking a decoded argument struct. Arguments are
// decoded with mapstructure using `json` tags.
func Typed[T any](name, description string, schema json.RawMessage, fn func(ctx context.Context, args T) (interface{}, error), opts ...Option) *Func {
	return New(name, description, schema, func(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
		var args T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			Result:           &args,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, errors.Wrap(ErrInvalidArguments, err.Error())
		}
		return fn(ctx, args)
	}, opts...)
}

// SourceOf returns the source locator of a tool, defaulting to its name
func SourceOf(t Tool) string {
	if s, ok := t.(Sourced); ok && s.Source() != "" {
		return s.Source()
	}
	return t.Name()
}

// Info returns the tools/list description of a tool
func Info(t Tool) types.ToolInfo {
	schema := t.InputSchema()
	if len(schema) == 0 {
		schema = DefaultInputSchema
	}
	return types.ToolInfo{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: schema,
	}
}

// ValidateArguments checks args against the tool's input schema
func ValidateArguments(t Tool, args map[string]interface{}) error {
	schema := t.InputSchema()
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return errors.Wrapf(err, "error validating arguments for %s", t.Name())
	}
	if !result.Valid() {
		msg := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return errors.Wrap(ErrInvalidArguments, msg)
	}
	return nil
}

// Set is an immutable, name indexed collection of tools
type Set struct {
	byName map[string]Tool
	names  []string
}

// NewSet builds a Set. Later tools replace earlier ones with the same name.
func NewSet(tools ...Tool) *Set {
	s := &Set{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, ok := s.byName[t.Name()]; !ok {
			s.names = append(s.names, t.Name())
		}
		s.byName[t.Name()] = t
	}
	sort.Strings(s.names)
	return s
}

func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// List returns the tools ordered by name
func (s *Set) List() []Tool {
	if s == nil {
		return nil
	}
	out := make([]Tool, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
