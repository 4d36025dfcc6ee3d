package gpu

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/memory"
)

// AccumulateOffset is the constant fill_accumulate adds on every pass.
const AccumulateOffset = 0.3

type paramKind int

const (
	paramBuffer paramKind = iota
	paramFloat
	paramInt
)

func (k paramKind) String() string {
	switch k {
	case paramBuffer:
		return "__global buffer"
	case paramFloat:
		return "float"
	default:
		return "int"
	}
}

// kernelArgs is a snapshot of a kernel's arguments taken at enqueue time.
// Buffer arguments are resolved to their backing bytes.
type kernelArgs []any

func (a kernelArgs) buf(i int) []byte  { return a[i].([]byte) }
func (a kernelArgs) f32(i int) float32 { return a[i].(float32) }
func (a kernelArgs) i32(i int) int     { return int(a[i].(int32)) }

// builtinKernel is the host implementation of an OpenCL C kernel. bounds runs
// synchronously at enqueue; run executes the NDRange on the queue goroutine.
type builtinKernel struct {
	params []paramKind
	bounds func(a kernelArgs) error
	run    func(a kernelArgs, global int)
}

func elementBounds(name string) func(a kernelArgs) error {
	return func(a kernelArgs) error {
		size := a.i32(2)
		if size < 0 {
			return failure.New(failure.InvalidArgument, "gpu.enqueue", "%s: negative size %d", name, size)
		}
		if have := len(a.buf(0)) / 4; size > have {
			return failure.New(failure.SizeMismatch, "gpu.enqueue",
				"%s: size %d exceeds buffer of %d float32 elements", name, size, have)
		}
		return nil
	}
}

var builtinKernels = map[string]builtinKernel{
	// data[id] = value + id
	"fill_array": {
		params: []paramKind{paramBuffer, paramFloat, paramInt},
		bounds: elementBounds("fill_array"),
		run: func(a kernelArgs, global int) {
			data, value, size := memory.Float32s(a.buf(0)), a.f32(1), a.i32(2)
			for id := 0; id < global; id++ {
				if id < size {
					data[id] = value + float32(id)
				}
			}
		},
	},
	// data[id] += value + id + 0.3
	"fill_accumulate": {
		params: []paramKind{paramBuffer, paramFloat, paramInt},
		bounds: elementBounds("fill_accumulate"),
		run: func(a kernelArgs, global int) {
			data, value, size := memory.Float32s(a.buf(0)), a.f32(1), a.i32(2)
			for id := 0; id < global; id++ {
				if id < size {
					data[id] += value + float32(id) + AccumulateOffset
				}
			}
		},
	},
	// data[id] *= factor
	"scale_array": {
		params: []paramKind{paramBuffer, paramFloat, paramInt},
		bounds: elementBounds("scale_array"),
		run: func(a kernelArgs, global int) {
			data, factor, size := memory.Float32s(a.buf(0)), a.f32(1), a.i32(2)
			for id := 0; id < global; id++ {
				if id < size {
					data[id] *= factor
				}
			}
		},
	},
	// dst[id] = src[id] over float8 vectors
	"vector_copy_float8": {
		params: []paramKind{paramBuffer, paramBuffer, paramInt},
		bounds: func(a kernelArgs) error {
			n := a.i32(2)
			if n < 0 {
				return failure.New(failure.InvalidArgument, "gpu.enqueue", "vector_copy_float8: negative count %d", n)
			}
			need := n * 32
			if len(a.buf(0)) < need || len(a.buf(1)) < need {
				return failure.New(failure.SizeMismatch, "gpu.enqueue",
					"vector_copy_float8: %d vectors need %d bytes, dst has %d, src has %d",
					n, need, len(a.buf(0)), len(a.buf(1)))
			}
			return nil
		},
		run: func(a kernelArgs, global int) {
			dst, src, n := a.buf(0), a.buf(1), a.i32(2)
			if global < n {
				n = global
			}
			copy(dst[:n*32], src[:n*32])
		},
	},
}

// BuiltinKernelNames lists the kernels the reference backend can execute.
func BuiltinKernelNames() []string {
	names := make([]string, 0, len(builtinKernels))
	for name := range builtinKernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	kernelDecl    = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_]\w*)\s*\(`)
	lineComment   = regexp.MustCompile(`//[^\n]*`)
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	kernelParamRe = regexp.MustCompile(`\(([^)]*)\)`)
)

// parseProgram checks source the way a front end would before code
// generation: every declared kernel must resolve to a built-in with the same
// arity and the braces must balance. It returns the kernels in declaration
// order and a build log.
func parseProgram(source string) ([]string, string, bool) {
	var log strings.Builder
	stripped := blockComment.ReplaceAllString(source, "")
	stripped = lineComment.ReplaceAllString(stripped, "")

	ok := true
	depth := 0
	for i, line := range strings.Split(stripped, "\n") {
		for _, r := range line {
			switch r {
			case '{':
				depth++
			case '}':
				depth--
				if depth < 0 {
					fmt.Fprintf(&log, "<source>:%d: error: unexpected '}'\n", i+1)
					ok = false
					depth = 0
				}
			}
		}
	}
	if depth != 0 {
		fmt.Fprintf(&log, "<source>: error: %d unclosed '{'\n", depth)
		ok = false
	}

	var names []string
	for _, m := range kernelDecl.FindAllStringSubmatchIndex(stripped, -1) {
		name := stripped[m[2]:m[3]]
		line := strings.Count(stripped[:m[0]], "\n") + 1
		k, known := builtinKernels[name]
		if !known {
			fmt.Fprintf(&log, "<source>:%d: error: kernel '%s' has no device implementation\n", line, name)
			ok = false
			continue
		}
		if p := kernelParamRe.FindStringSubmatch(stripped[m[0]:]); p != nil {
			if got := len(strings.Split(p[1], ",")); got != len(k.params) {
				fmt.Fprintf(&log, "<source>:%d: error: kernel '%s' declares %d parameters, expected %d\n",
					line, name, got, len(k.params))
				ok = false
				continue
			}
		}
		names = append(names, name)
	}
	if len(names) == 0 && ok {
		log.WriteString("<source>: error: no __kernel functions found\n")
		ok = false
	}
	return names, log.String(), ok
}
