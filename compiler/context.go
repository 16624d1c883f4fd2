package compiler

import "strings"

// loopFrame is one enclosing loop or foreach.
type loopFrame struct {
	alias    string // foreach iterator name; "" for loop
	scope    *IterScope
	implicit bool // bare paths look in the current element first
}

// parseContext is the name-resolution state of the construct being
// parsed. It is passed by value: entering a construct changes the copy
// the body sees and nothing else.
type parseContext struct {
	loops        []loopFrame       // innermost last
	translate    map[string]string // first path segment -> replacement path
	depth        int
	includeDepth int
	source       string // template being parsed
}

// withLoop returns a context with f as the innermost loop.
func (ctx parseContext) withLoop(f loopFrame) parseContext {
	loops := make([]loopFrame, len(ctx.loops), len(ctx.loops)+1)
	copy(loops, ctx.loops)
	ctx.loops = append(loops, f)
	return ctx
}

// alias returns the index of the innermost foreach named name, or -1.
func (ctx parseContext) alias(name string) int {
	for i := len(ctx.loops) - 1; i >= 0; i-- {
		if ctx.loops[i].alias != "" && ctx.loops[i].alias == name {
			return i
		}
	}
	return -1
}

// loopRef locates the counters of loop k. Only the innermost loop keeps
// them in registers; the loop nested in k saved k's.
func (ctx parseContext) loopRef(k int) LoopRef {
	if k == len(ctx.loops)-1 {
		return LoopRef{}
	}
	return LoopRef{Saved: true, Slot: ctx.loops[k+1].scope.Saved}
}

// resolve applies the translation map to the first segment of path.
func (ctx parseContext) resolve(path []string) []string {
	if len(path) == 0 || ctx.translate == nil {
		return path
	}
	repl, ok := ctx.translate[path[0]]
	if !ok {
		return path
	}
	out := splitPath(repl)
	return append(out, path[1:]...)
}

// withTranslation returns a context whose map adds inner -> outer, with
// outer itself resolved through the current map.
func (ctx parseContext) withTranslation(pairs [][2]string) parseContext {
	if len(pairs) == 0 {
		return ctx
	}
	m := make(map[string]string, len(ctx.translate)+len(pairs))
	for k, v := range ctx.translate {
		m[k] = v
	}
	for _, kv := range pairs {
		m[kv[0]] = strings.Join(ctx.resolve(splitPath(kv[1])), ".")
	}
	ctx.translate = m
	return ctx
}

// splitPath splits a variable path on '.' and ':'.
func splitPath(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' })
}
