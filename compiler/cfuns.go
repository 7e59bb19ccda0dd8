package compiler

import (
	"errors"
	"fmt"

	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Base environment
// ---------------------------------------------------------------------------

// The base environment binds a minimal set of native functions: the
// arithmetic, comparison and accessor primitives the intrinsic table
// specializes, plus the compiler itself as `compile`.

// BaseEnv creates an environment with the core natives bound as defs and
// returns it with the matching intrinsic table.
func BaseEnv(ctx *vm.Context) (*vm.Table, IntrinsicTable) {
	env := vm.NewTable(16)
	intr := IntrinsicTable{}

	bind := func(name string, fn vm.CFunction, in *Intrinsic) {
		cf := &vm.CFun{Name: name, Fn: fn}
		vm.EnvDef(ctx, env, name, vm.CFunValue(cf))
		if in != nil {
			intr[cf] = in
		}
	}

	zero := vm.Int(0)
	one := vm.Int(1)

	bind("+", cfunAdd, opReduce(vm.OpAdd, vm.Int(0), nil))
	bind("-", cfunSubtract, opReduce(vm.OpSubtract, vm.Int(0), &zero))
	bind("*", cfunMultiply, opReduce(vm.OpMultiply, vm.Int(1), nil))
	bind("/", cfunDivide, opReduce(vm.OpDivide, vm.Int(1), &one))
	bind("<", compareCFun("<", func(c int) bool { return c < 0 }), opCompare(vm.OpLessThan))
	bind(">", compareCFun(">", func(c int) bool { return c > 0 }), opCompare(vm.OpGreaterThan))
	bind("=", cfunEquals, opCompare(vm.OpEquals))
	bind("get", cfunGet, opGet())
	bind("put", cfunPut, opPut())
	bind("length", cfunLength, opLength())

	return env, intr
}

// RegisterCompile binds the compiler as a callable named compile:
// (compile source env source-name?) returns a function on success or an
// error table {:error msg :line l :column c [:fiber f]}.
func RegisterCompile(ctx *vm.Context, env *vm.Table, caller vm.Caller, intrinsics IntrinsicTable) {
	cf := &vm.CFun{Name: "compile"}
	cf.Fn = func(cctx *vm.Context, args []vm.Value) (vm.Value, error) {
		if len(args) < 2 || len(args) > 3 {
			return vm.Nil(), errors.New("compile: expected 2 or 3 arguments")
		}
		if args[1].Kind() != vm.KindTable {
			return vm.Nil(), errors.New("compile: expected environment table")
		}
		sourceName := ""
		if len(args) == 3 {
			if args[2].Kind() != vm.KindString {
				return vm.Nil(), errors.New("compile: expected string source name")
			}
			sourceName = args[2].Str()
		}
		res := Compile(cctx, args[0], args[1].Table(), &Options{
			SourceName: sourceName,
			Caller:     caller,
			Intrinsics: intrinsics,
		})
		if res.Status == CompileOK {
			return vm.FunctionValue(vm.Thunk(res.FuncDef)), nil
		}
		t := vm.NewTable(4)
		t.Put(cctx.Keyword("error"), vm.Str(res.Error))
		t.Put(cctx.Keyword("line"), vm.Int(res.ErrorMapping.Line))
		t.Put(cctx.Keyword("column"), vm.Int(res.ErrorMapping.Column))
		if res.MacroFiber != nil {
			t.Put(cctx.Keyword("fiber"), vm.FiberValue(res.MacroFiber))
		}
		return vm.TableValue(t), nil
	}
	vm.EnvDef(ctx, env, "compile", vm.CFunValue(cf))
}

// ---------------------------------------------------------------------------
// Native implementations
// ---------------------------------------------------------------------------

func isNumber(v vm.Value) bool {
	return v.Kind() == vm.KindInteger || v.Kind() == vm.KindReal
}

func asReal(v vm.Value) float64 {
	if v.Kind() == vm.KindInteger {
		return float64(v.Int())
	}
	return v.Real()
}

// numOp folds numeric arguments with integer/real promotion: integer
// results that stay in 32 bits remain integers.
func numOp(name string, args []vm.Value, identity int64,
	intOp func(a, b int64) int64, realOp func(a, b float64) float64) (vm.Value, error) {
	accInt := identity
	accReal := float64(identity)
	exact := true
	first := true
	for _, a := range args {
		if !isNumber(a) {
			return vm.Nil(), fmt.Errorf("%s: expected number, got %s", name, a.Kind())
		}
		if first && len(args) > 1 {
			// Seed the accumulator with the first argument.
			if a.Kind() == vm.KindInteger {
				accInt = int64(a.Int())
				accReal = float64(a.Int())
			} else {
				exact = false
				accReal = a.Real()
			}
			first = false
			continue
		}
		first = false
		if exact && a.Kind() == vm.KindInteger {
			accInt = intOp(accInt, int64(a.Int()))
			accReal = realOp(accReal, float64(a.Int()))
			if accInt < -1<<31 || accInt > 1<<31-1 {
				exact = false
			}
		} else {
			if exact {
				accReal = float64(accInt)
				exact = false
			}
			accReal = realOp(accReal, asReal(a))
		}
	}
	if exact {
		return vm.Int(int32(accInt)), nil
	}
	return vm.Real(accReal), nil
}

func cfunAdd(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	return numOp("+", args, 0,
		func(a, b int64) int64 { return a + b },
		func(a, b float64) float64 { return a + b })
}

func cfunSubtract(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) == 1 {
		args = []vm.Value{vm.Int(0), args[0]}
	}
	return numOp("-", args, 0,
		func(a, b int64) int64 { return a - b },
		func(a, b float64) float64 { return a - b })
}

func cfunMultiply(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	return numOp("*", args, 1,
		func(a, b int64) int64 { return a * b },
		func(a, b float64) float64 { return a * b })
}

// cfunDivide produces a real for one or more arguments, like the divide
// opcode's generic path; with no arguments it returns the integer 1.
func cfunDivide(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) == 0 {
		return vm.Int(1), nil
	}
	if len(args) == 1 {
		args = []vm.Value{vm.Int(1), args[0]}
	}
	acc := 0.0
	for i, a := range args {
		if !isNumber(a) {
			return vm.Nil(), fmt.Errorf("/: expected number, got %s", a.Kind())
		}
		if i == 0 {
			acc = asReal(a)
			continue
		}
		acc /= asReal(a)
	}
	return vm.Real(acc), nil
}

func compareCFun(name string, pass func(int) bool) vm.CFunction {
	return func(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
		if len(args) != 2 {
			return vm.Nil(), fmt.Errorf("%s: expected 2 arguments", name)
		}
		return vm.Bool(pass(vm.Compare(args[0], args[1]))), nil
	}
}

func cfunEquals(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) != 2 {
		return vm.Nil(), errors.New("=: expected 2 arguments")
	}
	return vm.Bool(vm.Equals(args[0], args[1])), nil
}

func cfunGet(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) != 2 {
		return vm.Nil(), errors.New("get: expected 2 arguments")
	}
	return vm.Get(args[0], args[1]), nil
}

func cfunPut(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) != 3 {
		return vm.Nil(), errors.New("put: expected 3 arguments")
	}
	vm.Put(args[0], args[1], args[2])
	return args[0], nil
}

func cfunLength(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	if len(args) != 1 {
		return vm.Nil(), errors.New("length: expected 1 argument")
	}
	return vm.Int(vm.Length(args[0])), nil
}
