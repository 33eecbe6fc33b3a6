// Package schema compiles and evaluates JSON Schemas for tool arguments and
// for the json_validate tool.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Draft names a supported JSON Schema dialect.
type Draft string

const (
	Draft2020 Draft = "2020-12"
	Draft2019 Draft = "2019-09"
	Draft7    Draft = "7"
)

// ErrUnknownDraft is returned for a Draft outside the supported set.
var ErrUnknownDraft = errors.New("schema: unknown draft")

const resourceURL = "schema.json"

var printer = message.NewPrinter(language.English)

// Schema is a compiled schema. It is immutable and safe for concurrent use.
type Schema struct {
	s *jsonschema.Schema
}

// Violation describes one failed keyword.
type Violation struct {
	Path     string `json:"path"` // JSON pointer into the instance, "/" for the root
	Keyword  string `json:"keyword"`
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Found    any    `json:"found,omitempty"`
}

// Decode parses JSON keeping numbers exact, the form Compile and Validate
// expect.
func Decode(data []byte) (any, error) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	return v, nil
}

// CompileJSON decodes raw and compiles it.
func CompileJSON(raw []byte, draft Draft) (*Schema, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Compile(doc, draft)
}

// Compile compiles a decoded schema document. References to external
// documents are refused; only fragments within doc resolve.
func Compile(doc any, draft Draft) (*Schema, error) {
	d, err := draft.spec()
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(d)
	c.UseLoader(noLoader{})
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	s, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Schema{s: s}, nil
}

// Validate checks instance (a decoded value) and returns every leaf
// violation, ordered by instance path. A nil result means valid.
func (s *Schema) Validate(instance any) []Violation {
	err := s.s.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Violation{{Path: "/", Keyword: "schema", Message: err.Error()}}
	}
	var out []Violation
	collect(ve, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func collect(e *jsonschema.ValidationError, out *[]Violation) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collect(c, out)
		}
		return
	}
	v := Violation{
		Path:    pointer(e.InstanceLocation),
		Keyword: keyword(e.ErrorKind),
		Message: e.ErrorKind.LocalizedString(printer),
	}
	v.Expected, v.Found = details(e.ErrorKind)
	*out = append(*out, v)
}

func keyword(k jsonschema.ErrorKind) string {
	kp := k.KeywordPath()
	if len(kp) == 0 {
		if _, ok := k.(*kind.FalseSchema); ok {
			return "false"
		}
		return "schema"
	}
	return kp[len(kp)-1]
}

// details extracts the expected constraint and the offending value for the
// keywords where both are meaningful.
func details(k jsonschema.ErrorKind) (expected, found any) {
	switch k := k.(type) {
	case *kind.Type:
		return k.Want, k.Got
	case *kind.Required:
		return k.Missing, nil
	case *kind.Enum:
		return k.Want, k.Got
	case *kind.Const:
		return k.Want, k.Got
	case *kind.Pattern:
		return k.Want, k.Got
	case *kind.Format:
		return k.Want, k.Got
	case *kind.MinLength:
		return k.Want, k.Got
	case *kind.MaxLength:
		return k.Want, k.Got
	case *kind.MinItems:
		return k.Want, k.Got
	case *kind.MaxItems:
		return k.Want, k.Got
	case *kind.Minimum:
		return ratString(k.Want), ratString(k.Got)
	case *kind.Maximum:
		return ratString(k.Want), ratString(k.Got)
	case *kind.AdditionalProperties:
		return nil, k.Properties
	}
	return nil, nil
}

func ratString(r *big.Rat) any {
	if r == nil {
		return nil
	}
	if r.IsInt() {
		return json.Number(r.Num().String())
	}
	f, _ := r.Float64()
	return f
}

// pointer renders instance location tokens as a JSON pointer.
func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		t = strings.ReplaceAll(t, "~", "~0")
		b.WriteString(strings.ReplaceAll(t, "/", "~1"))
	}
	return b.String()
}

func (d Draft) spec() (*jsonschema.Draft, error) {
	switch d {
	case Draft2020, "":
		return jsonschema.Draft2020, nil
	case Draft2019:
		return jsonschema.Draft2019, nil
	case Draft7:
		return jsonschema.Draft7, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDraft, string(d))
}

// noLoader refuses every external document, so a caller-supplied schema
// cannot read local files or reach the network through $ref.
type noLoader struct{}

func (noLoader) Load(url string) (any, error) {
	return nil, fmt.Errorf("schema: external reference %q is not allowed", url)
}
