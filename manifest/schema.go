package manifest

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pkg/errors"
)

// schemaSource constrains a decoded tmplvm.toml. Definitions are closed,
// so unknown keys are rejected.
const schemaSource = `
#Severity: "emergency" | "alert" | "critical" | "error" | "warning" | "notice" | "info" | "debug"

#Manifest: {
	templates?: {
		dirs?: [...string]
		"max-include-depth"?: int & >=0
		"max-depth"?:         int & >=0
	}
	translate?: {[string]: string}
	vm?: {
		"max-arg-stack"?:  int & >=0
		"max-call-stack"?: int & >=0
		"max-steps"?:      int & >=0
		"debug-level"?:    int & >=0 & <=2
		"strict-compare"?: bool
	}
	output?: {
		charset?:          string
		"on-unencodable"?: "strict" | "replace" | "html"
	}
	cache?: {
		enabled?: bool
		path?:    string & !=""
	}
	server?: {
		addr?: string
	}
	log?: {
		level?: #Severity
	}
}
`

// schema is compiled once. A cue.Context is not safe for concurrent use,
// so validation holds mu.
var schema struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
}

func manifestSchema() (*cue.Context, cue.Value, error) {
	schema.once.Do(func() {
		schema.ctx = cuecontext.New()
		v := schema.ctx.CompileString(schemaSource, cue.Filename("tmplvm.cue"))
		if err := v.Err(); err != nil {
			schema.err = errors.Wrap(err, "compile manifest schema")
			return
		}
		schema.def = v.LookupPath(cue.ParsePath("#Manifest"))
	})
	return schema.ctx, schema.def, schema.err
}

// ValidationError lists every schema violation found in a manifest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid manifest: " + e.Problems[0]
	}
	msg := "invalid manifest:"
	for _, p := range e.Problems {
		msg += "\n  " + p
	}
	return msg
}

// Validate checks a decoded manifest document against the schema.
func Validate(doc map[string]any) error {
	ctx, def, err := manifestSchema()
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	schema.mu.Lock()
	defer schema.mu.Unlock()
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		ve := &ValidationError{}
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			msg := fmt.Sprintf(format, args...)
			if path := strings.Join(e.Path(), "."); path != "" {
				msg = path + ": " + msg
			}
			ve.Problems = append(ve.Problems, msg)
		}
		return ve
	}
	return nil
}
