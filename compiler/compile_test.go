package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/karst-lang/karst/vm"
)

// compileSrc parses one form and compiles it against env.
func compileSrc(t *testing.T, ctx *vm.Context, env *vm.Table, src string, options *Options) Result {
	t.Helper()
	source := parseOne(t, ctx, src)
	return Compile(ctx, source, env, options)
}

// mustCompile fails the test on a compile error.
func mustCompile(t *testing.T, ctx *vm.Context, env *vm.Table, src string, options *Options) *vm.FuncDef {
	t.Helper()
	res := compileSrc(t, ctx, env, src, options)
	if res.Status != CompileOK {
		t.Fatalf("compile %q: %s (line %d col %d)",
			src, res.Error, res.ErrorMapping.Line, res.ErrorMapping.Column)
	}
	return res.FuncDef
}

// opcodes extracts the opcode sequence of a funcdef.
func opcodes(def *vm.FuncDef) []vm.Opcode {
	ops := make([]vm.Opcode, len(def.Bytecode))
	for i, instr := range def.Bytecode {
		ops[i] = vm.Op(instr)
	}
	return ops
}

func hasOp(def *vm.FuncDef, op vm.Opcode) bool {
	for _, got := range opcodes(def) {
		if got == op {
			return true
		}
	}
	return false
}

// defEnv binds names as plain defs with opaque values.
func defEnv(ctx *vm.Context, names ...string) *vm.Table {
	env := vm.NewTable(int32(len(names)))
	for _, name := range names {
		fn := &vm.CFun{Name: name}
		vm.EnvDef(ctx, env, name, vm.CFunValue(fn))
	}
	return env
}

// cfunCaller backs macro expansion with direct native calls.
var cfunCaller = vm.CallerFunc(func(fn vm.Value, args []vm.Value) (vm.Value, *vm.Fiber, error) {
	if fn.Kind() != vm.KindCFunction {
		return vm.Nil(), nil, errors.New("not callable")
	}
	ret, err := fn.CFun().Fn(nil, args)
	if err != nil {
		return vm.Nil(), &vm.Fiber{}, err
	}
	return ret, nil, nil
})

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestCompileCallShape(t *testing.T) {
	// (+ 1 2) with + resolved from the environment as a def compiles to
	// two integer loads, a push-2, the callee load, and a tailcall.
	ctx := vm.NewContext()
	env := defEnv(ctx, "+")
	def := mustCompile(t, ctx, env, "(+ 1 2)", nil)

	want := []vm.Opcode{
		vm.OpLoadInteger, vm.OpLoadInteger, vm.OpPush2,
		vm.OpLoadConstant, vm.OpTailcall,
	}
	got := opcodes(def)
	if len(got) != len(want) {
		t.Fatalf("opcodes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("opcode %d = %s, want %s", i, got[i], want[i])
		}
	}
	if len(def.Constants) != 1 || def.Constants[0].Kind() != vm.KindCFunction {
		t.Errorf("constants = %d entries, want just the callee", len(def.Constants))
	}
	if def.Name != "_thunk" {
		t.Errorf("thunk name = %q", def.Name)
	}
}

func TestCompileNestedFnUpvalues(t *testing.T) {
	// (fn [x] (fn [y] (+ x y))): the inner funcdef captures x through
	// one upvalue entry; the outer funcdef needs its environment.
	ctx := vm.NewContext()
	env := defEnv(ctx, "+")
	root := mustCompile(t, ctx, env, "(fn [x] (fn [y] (+ x y)))", nil)

	if len(root.Defs) != 1 {
		t.Fatalf("root defs = %d, want 1", len(root.Defs))
	}
	outer := root.Defs[0]
	if outer.Flags&vm.FuncDefFlagNeedsEnv == 0 {
		t.Error("outer funcdef must carry the needs-environment flag")
	}
	if len(outer.Defs) != 1 {
		t.Fatalf("outer nested defs = %d, want 1", len(outer.Defs))
	}
	inner := outer.Defs[0]
	if len(inner.Environments) != 1 || inner.Environments[0] != -1 {
		t.Errorf("inner environments = %v, want [-1] (parent's own env)", inner.Environments)
	}
	if !hasOp(inner, vm.OpLoadUpvalue) {
		t.Error("inner funcdef should load x through an upvalue")
	}
	if outer.Arity != 1 || inner.Arity != 1 {
		t.Errorf("arities = %d, %d, want 1, 1", outer.Arity, inner.Arity)
	}
	if outer.Flags&vm.FuncDefFlagFixArity == 0 {
		t.Error("tuple parameter list should set fixed arity")
	}
}

func TestUpvalueChainThroughTwoFunctions(t *testing.T) {
	// A reference two function scopes up threads one entry through each
	// intervening function.
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	root := mustCompile(t, ctx, env, "(fn [x] (fn [] (fn [] x)))", nil)

	outer := root.Defs[0]
	mid := outer.Defs[0]
	innermost := mid.Defs[0]
	if len(mid.Environments) != 1 || mid.Environments[0] != -1 {
		t.Errorf("mid environments = %v, want [-1]", mid.Environments)
	}
	if len(innermost.Environments) != 1 || innermost.Environments[0] != 0 {
		t.Errorf("innermost environments = %v, want [0]", innermost.Environments)
	}
	if outer.Flags&vm.FuncDefFlagNeedsEnv == 0 {
		t.Error("defining function must expose its environment")
	}
}

func TestVarSetReadThroughRefCell(t *testing.T) {
	// (var x 1) then (set x 2) then x: writes and reads go through the
	// backing one-element array with put-index / get-index.
	ctx := vm.NewContext()
	env := vm.NewTable(0)

	def1 := mustCompile(t, ctx, env, "(var x 1)", nil)
	if !hasOp(def1, vm.OpPutIndex) {
		t.Error("top-level var should write the ref cell with put-index")
	}
	entry := env.Get(ctx.Symbol("x"))
	if entry.Kind() != vm.KindTable {
		t.Fatal("var did not create an environment entry")
	}
	if entry.Table().Get(ctx.Keyword("ref")).Kind() != vm.KindArray {
		t.Fatal("var entry should hold a :ref array")
	}

	def2 := mustCompile(t, ctx, env, "(set x 2)", nil)
	if !hasOp(def2, vm.OpPutIndex) {
		t.Error("set on a var should emit put-index")
	}

	def3 := mustCompile(t, ctx, env, "x", nil)
	if !hasOp(def3, vm.OpGetIndex) {
		t.Error("reading a var should emit get-index")
	}
	if !hasOp(def3, vm.OpLoadConstant) {
		t.Error("reading a var should load the backing array constant")
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestUnknownSymbol(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	res := compileSrc(t, ctx, env, "(missing 1)", nil)
	if res.Status != CompileError {
		t.Fatal("expected a compile error")
	}
	if res.Error != "unknown symbol missing" {
		t.Errorf("error = %q", res.Error)
	}
	if res.ErrorMapping.Line != 1 || res.ErrorMapping.Column != 1 {
		t.Errorf("error mapping = (%d, %d), want (1, 1)",
			res.ErrorMapping.Line, res.ErrorMapping.Column)
	}
}

func TestFirstErrorWins(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	res := compileSrc(t, ctx, env, "(do first-missing second-missing)", nil)
	if res.Status != CompileError {
		t.Fatal("expected a compile error")
	}
	if res.Error != "unknown symbol first-missing" {
		t.Errorf("latched error = %q, want the first failure", res.Error)
	}
}

func TestRecursionDepth(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	x := vm.Int(1)
	for i := 0; i < maxRecursion+10; i++ {
		x = vm.TupleValue(vm.NewTuple(x))
	}
	res := Compile(ctx, x, env, nil)
	if res.Status != CompileError || res.Error != "recursed too deeply" {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

func TestSetConstantFails(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "q")
	res := compileSrc(t, ctx, env, "(set q 1)", nil)
	if res.Status != CompileError || res.Error != "cannot set constant" {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

func TestBreakOutsideLoop(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	res := compileSrc(t, ctx, env, "(break)", nil)
	if res.Status != CompileError || res.Error != "break outside of loop" {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

func TestUnquoteOutsideQuasiquote(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	res := compileSrc(t, ctx, env, ",x", nil)
	if res.Status != CompileError || res.Error != "cannot use unquote here" {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

func TestSpliceOutsideCall(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "xs")
	res := compileSrc(t, ctx, env, ";xs", nil)
	if res.Status != CompileError ||
		!strings.Contains(res.Error, "splice") {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

// ---------------------------------------------------------------------------
// Special forms
// ---------------------------------------------------------------------------

func TestQuote(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	def := mustCompile(t, ctx, env, "(quote (a b))", nil)
	found := false
	for _, k := range def.Constants {
		if k.Kind() == vm.KindTuple && k.Tuple().Len() == 2 {
			found = true
		}
	}
	if !found {
		t.Error("quoted tuple should be a constant")
	}
	if hasOp(def, vm.OpCall) || hasOp(def, vm.OpTailcall) {
		t.Error("quote must not emit calls")
	}
}

func TestEmptyTupleIsLiteral(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	def := mustCompile(t, ctx, env, "()", nil)
	if hasOp(def, vm.OpCall) || hasOp(def, vm.OpTailcall) {
		t.Error("the empty tuple is a literal, not a call")
	}
}

func TestIfBranches(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f")
	def := mustCompile(t, ctx, env, "(if (f) 1 2)", nil)
	if !hasOp(def, vm.OpJumpIfNot) {
		t.Error("if should emit a conditional jump")
	}
}

func TestIfConstantFolds(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	def := mustCompile(t, ctx, env, "(if true 1 2)", nil)
	if hasOp(def, vm.OpJumpIfNot) || hasOp(def, vm.OpJump) {
		t.Error("constant condition should fold away the branch")
	}
	// The dead branch is still validated.
	res := compileSrc(t, ctx, env, "(if true 1 missing)", nil)
	if res.Status != CompileError {
		t.Error("dead branch errors should still surface")
	}
}

func TestDoSequence(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f", "g")
	def := mustCompile(t, ctx, env, "(do (f) (g))", nil)
	calls := 0
	for _, op := range opcodes(def) {
		if op == vm.OpCall || op == vm.OpTailcall {
			calls++
		}
	}
	if calls != 2 {
		t.Errorf("do body emitted %d calls, want 2", calls)
	}
}

func TestDoLocalDefDoesNotEscape(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	mustCompile(t, ctx, env, "(do (def a 1) a)", nil)
	if !env.Get(ctx.Symbol("a")).IsNil() {
		t.Error("a def inside do must not write the environment")
	}
	res := compileSrc(t, ctx, env, "a", nil)
	if res.Status != CompileError {
		t.Error("the local binding must not leak to later compilations")
	}
}

func TestDefTopLevel(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	def := mustCompile(t, ctx, env, `(def answer "doc" 42)`, nil)
	if !hasOp(def, vm.OpPut) {
		t.Error("top-level def should store into the entry table")
	}
	entry := env.Get(ctx.Symbol("answer"))
	if entry.Kind() != vm.KindTable {
		t.Fatal("def did not create an environment entry")
	}
	doc := entry.Table().Get(ctx.Keyword("doc"))
	if doc.Kind() != vm.KindString || doc.Str() != "doc" {
		t.Errorf("docstring = %s", vm.Print(doc))
	}
}

func TestDefDestructuring(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "pair")
	def := mustCompile(t, ctx, env, "(def [a b] (pair))", nil)
	gets := 0
	for _, op := range opcodes(def) {
		if op == vm.OpGetIndex {
			gets++
		}
	}
	if gets != 2 {
		t.Errorf("destructuring emitted %d get-index ops, want 2", gets)
	}
	if env.Get(ctx.Symbol("a")).IsNil() || env.Get(ctx.Symbol("b")).IsNil() {
		t.Error("both destructured names should be bound")
	}
}

func TestWhileLoop(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f", "g")
	def := mustCompile(t, ctx, env, "(while (f) (g))", nil)
	if !hasOp(def, vm.OpJumpIfNot) || !hasOp(def, vm.OpJump) {
		t.Error("while should emit a conditional exit and a backward jump")
	}
	// The backward jump has a negative offset.
	hasBackward := false
	for i, instr := range def.Bytecode {
		if vm.Op(instr) == vm.OpJump && int32(i)+vm.FieldES(instr) < int32(i) {
			hasBackward = true
		}
	}
	if !hasBackward {
		t.Error("while should jump backward to the loop top")
	}
}

func TestWhileFalseNeverLoops(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "g")
	def := mustCompile(t, ctx, env, "(while false (g))", nil)
	if hasOp(def, vm.OpJump) || hasOp(def, vm.OpJumpIfNot) {
		t.Error("a constant-false loop should compile to nothing")
	}
}

func TestWhileClosureBecomesFunction(t *testing.T) {
	// A closure created in the body forces the loop into its own
	// self-tail-calling function.
	ctx := vm.NewContext()
	env := defEnv(ctx, "f")
	def := mustCompile(t, ctx, env, "(while (f) (fn [] 1))", nil)
	if len(def.Defs) != 1 || def.Defs[0].Name != "_while" {
		t.Fatalf("expected a _while funcdef, got %d defs", len(def.Defs))
	}
	loopDef := def.Defs[0]
	if !hasOp(loopDef, vm.OpLoadSelf) || !hasOp(loopDef, vm.OpTailcall) {
		t.Error("loop function should tail-call itself")
	}
	if !hasOp(def, vm.OpClosure) || !hasOp(def, vm.OpCall) {
		t.Error("the loop closure should be instantiated and called")
	}
}

func TestBreakJumpsOut(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f")
	def := mustCompile(t, ctx, env, "(while (f) (break) (f))", nil)
	// break's forward jump lands past the loop's backward jump.
	ok := false
	for i, instr := range def.Bytecode {
		if vm.Op(instr) == vm.OpJump && vm.FieldES(instr) > 0 {
			target := int32(i) + vm.FieldES(instr)
			if target <= int32(len(def.Bytecode)) {
				ok = true
			}
		}
	}
	if !ok {
		t.Error("break should emit a forward jump inside the loop")
	}
}

func TestFnVarargs(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	root := mustCompile(t, ctx, env, "(fn [x & rest] rest)", nil)
	def := root.Defs[0]
	if def.Flags&vm.FuncDefFlagVarArg == 0 {
		t.Error("vararg flag missing")
	}
	if def.Arity != 1 {
		t.Errorf("arity = %d, want 1", def.Arity)
	}

	res := compileSrc(t, ctx, env, "(fn [& x y] x)", nil)
	if res.Status != CompileError {
		t.Error("misplaced & should fail")
	}
}

func TestFnNamedSelfReference(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	root := mustCompile(t, ctx, env, "(fn loop [x] (loop x))", nil)
	def := root.Defs[0]
	if def.Name != "loop" {
		t.Errorf("funcdef name = %q", def.Name)
	}
	if !hasOp(def, vm.OpLoadSelf) {
		t.Error("a named fn should bind itself via load-self")
	}
}

func TestFnParamDestructuring(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	root := mustCompile(t, ctx, env, "(fn [[a b]] a)", nil)
	if !hasOp(root.Defs[0], vm.OpGetIndex) {
		t.Error("parameter destructuring should emit get-index")
	}
}

func TestSetIndexedPlace(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "tbl", "k", "v")
	def := mustCompile(t, ctx, env, "(set (tbl k) v)", nil)
	if !hasOp(def, vm.OpPut) {
		t.Error("set on a place should emit put")
	}
}

func TestQuasiquoteTemplate(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "b", "c")
	def := mustCompile(t, ctx, env, "~(a ,b ;c)", nil)
	if !hasOp(def, vm.OpMakeTuple) {
		t.Error("quasiquote should construct a tuple")
	}
	if !hasOp(def, vm.OpPushArray) {
		t.Error("a spliced element should push with push-array")
	}
}

func TestQuasiquoteNestedLevels(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "b")
	// The inner unquote under a nested quasiquote stays a template.
	def := mustCompile(t, ctx, env, "~~(a ,b)", nil)
	if res := compileSrc(t, ctx, vm.NewTable(0), "~~(a ,unbound)", nil); res.Status != CompileOK {
		t.Errorf("nested template must not resolve unquoted symbols: %s", res.Error)
	}
	if !hasOp(def, vm.OpMakeTuple) {
		t.Error("nested quasiquote should still build tuples")
	}
}

func TestQuasiquoteLeaf(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	def := mustCompile(t, ctx, env, "~sym", nil)
	found := false
	for _, k := range def.Constants {
		if k.Kind() == vm.KindSymbol {
			found = true
		}
	}
	if !found {
		t.Error("a template leaf symbol should be a constant")
	}
}

// ---------------------------------------------------------------------------
// Macros
// ---------------------------------------------------------------------------

func TestMacroExpansion(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "+")
	// (double x) expands to (+ x x).
	double := &vm.CFun{Name: "double", Fn: func(_ *vm.Context, args []vm.Value) (vm.Value, error) {
		return vm.TupleValue(vm.NewTuple(ctx.Symbol("+"), args[0], args[0])), nil
	}}
	vm.EnvMacro(ctx, env, "double", vm.CFunValue(double))

	def := mustCompile(t, ctx, env, "(double 21)", &Options{Caller: cfunCaller})
	if !hasOp(def, vm.OpTailcall) {
		t.Error("expanded call should tail-call +")
	}
	if !hasOp(def, vm.OpPush2) {
		t.Error("expanded call should push two arguments")
	}
}

func TestMacroError(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	boom := &vm.CFun{Name: "boom", Fn: func(_ *vm.Context, _ []vm.Value) (vm.Value, error) {
		return vm.Nil(), errors.New("boom")
	}}
	vm.EnvMacro(ctx, env, "boom", vm.CFunValue(boom))

	res := compileSrc(t, ctx, env, "(boom)", &Options{Caller: cfunCaller})
	if res.Status != CompileError {
		t.Fatal("expected a compile error")
	}
	if res.Error != "(macro) boom" {
		t.Errorf("error = %q", res.Error)
	}
	if res.MacroFiber == nil {
		t.Error("macro failure should attach the macro's fiber")
	}
}

func TestMacroWithoutCaller(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	m := &vm.CFun{Name: "m", Fn: func(_ *vm.Context, _ []vm.Value) (vm.Value, error) {
		return vm.Nil(), nil
	}}
	vm.EnvMacro(ctx, env, "m", vm.CFunValue(m))
	res := compileSrc(t, ctx, env, "(m)", nil)
	if res.Status != CompileError {
		t.Error("expanding a macro without a VM should fail")
	}
}

func TestMacroExpansionLoop(t *testing.T) {
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	var loopTuple vm.Value
	loop := &vm.CFun{Name: "loop", Fn: func(_ *vm.Context, _ []vm.Value) (vm.Value, error) {
		return loopTuple, nil
	}}
	vm.EnvMacro(ctx, env, "loop", vm.CFunValue(loop))
	loopTuple = vm.TupleValue(vm.NewTuple(ctx.Symbol("loop")))

	res := Compile(ctx, loopTuple, env, &Options{Caller: cfunCaller})
	if res.Status != CompileError || res.Error != "recursed too deeply in macro expansion" {
		t.Errorf("result = %v %q", res.Status, res.Error)
	}
}

func TestMacroActsAsDefWhenReferenced(t *testing.T) {
	// A macro referenced outside calling position behaves like a def.
	ctx := vm.NewContext()
	env := vm.NewTable(0)
	m := &vm.CFun{Name: "m"}
	vm.EnvMacro(ctx, env, "m", vm.CFunValue(m))
	def := mustCompile(t, ctx, env, "m", nil)
	if len(def.Constants) != 1 || def.Constants[0].Kind() != vm.KindCFunction {
		t.Error("macro value should compile to a constant reference")
	}
}

// ---------------------------------------------------------------------------
// Intrinsics
// ---------------------------------------------------------------------------

func TestIntrinsicAdd(t *testing.T) {
	ctx := vm.NewContext()
	env, intr := BaseEnv(ctx)
	def := mustCompile(t, ctx, env, "(+ 1 2)", &Options{Intrinsics: intr})
	if !hasOp(def, vm.OpAdd) {
		t.Error("(+ 1 2) with intrinsics should emit add")
	}
	if hasOp(def, vm.OpCall) || hasOp(def, vm.OpTailcall) {
		t.Error("specialized call must not emit call instructions")
	}
}

func TestIntrinsicVariadicFold(t *testing.T) {
	ctx := vm.NewContext()
	env, intr := BaseEnv(ctx)
	def := mustCompile(t, ctx, env, "(+ 1 2 3 4)", &Options{Intrinsics: intr})
	adds := 0
	for _, op := range opcodes(def) {
		if op == vm.OpAdd {
			adds++
		}
	}
	if adds != 3 {
		t.Errorf("4-ary + folded into %d adds, want 3", adds)
	}
}

func TestIntrinsicSplicedFallsBack(t *testing.T) {
	ctx := vm.NewContext()
	env, intr := BaseEnv(ctx)
	vm.EnvDef(ctx, env, "xs", vm.Nil())
	def := mustCompile(t, ctx, env, "(+ ;xs)", &Options{Intrinsics: intr})
	if !hasOp(def, vm.OpPushArray) || !hasOp(def, vm.OpTailcall) {
		t.Error("a spliced argument should fall back to a generic call")
	}
}

func TestIntrinsicComparison(t *testing.T) {
	ctx := vm.NewContext()
	env, intr := BaseEnv(ctx)
	def := mustCompile(t, ctx, env, "(< 1 2)", &Options{Intrinsics: intr})
	if !hasOp(def, vm.OpLessThan) {
		t.Error("(< 1 2) should emit less-than")
	}
}

// ---------------------------------------------------------------------------
// Artifact invariants
// ---------------------------------------------------------------------------

func checkSourceMaps(t *testing.T, def *vm.FuncDef) {
	t.Helper()
	if len(def.SourceMap) != len(def.Bytecode) {
		t.Errorf("funcdef %q: %d source mappings for %d instructions",
			def.Name, len(def.SourceMap), len(def.Bytecode))
	}
	last := vm.SourceMapping{}
	for i, sm := range def.SourceMap {
		if sm.Line < last.Line {
			t.Errorf("funcdef %q: source line decreased at %d: %d -> %d",
				def.Name, i, last.Line, sm.Line)
		}
		last = sm
	}
	for _, nested := range def.Defs {
		checkSourceMaps(t, nested)
	}
}

func TestSourceMapsParallelAndMonotonic(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f", "g", "h")
	def := mustCompile(t, ctx, env, "(do\n  (f 1)\n  (g 2)\n  (h 3))", nil)
	checkSourceMaps(t, def)
}

func TestConstantsDeduplicated(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f")
	def := mustCompile(t, ctx, env, `(f "s" "s" "s")`, nil)
	strs := 0
	for _, k := range def.Constants {
		if k.Kind() == vm.KindString {
			strs++
		}
	}
	if strs != 1 {
		t.Errorf("constant pool holds %d copies of the string, want 1", strs)
	}
}

func TestSlotCount(t *testing.T) {
	ctx := vm.NewContext()
	env := defEnv(ctx, "f")
	def := mustCompile(t, ctx, env, "(f 1 2 3)", nil)
	if def.SlotCount < 1 {
		t.Errorf("slot count = %d", def.SlotCount)
	}
	if def.SlotCount > 16 {
		t.Errorf("slot count = %d, suspiciously large for a small form", def.SlotCount)
	}
}

func TestCompileCFun(t *testing.T) {
	ctx := vm.NewContext()
	env, intr := BaseEnv(ctx)
	RegisterCompile(ctx, env, cfunCaller, intr)

	entry := env.Get(ctx.Symbol("compile"))
	if entry.Kind() != vm.KindTable {
		t.Fatal("compile should be bound in the base environment")
	}
	cf := entry.Table().Get(ctx.Keyword("value")).CFun()

	// A good form yields a function.
	ret, err := cf.Fn(ctx, []vm.Value{
		parseOne(t, ctx, "(+ 1 2)"), vm.TableValue(env), vm.Str("test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Kind() != vm.KindFunction {
		t.Fatalf("compile returned %s, want function", ret.Kind())
	}
	if ret.Function().Def.Source != "test" {
		t.Errorf("source name = %q", ret.Function().Def.Source)
	}

	// A bad form yields an error table.
	ret, err = cf.Fn(ctx, []vm.Value{
		parseOne(t, ctx, "(missing)"), vm.TableValue(vm.NewTable(0)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Kind() != vm.KindTable {
		t.Fatalf("compile error result = %s, want table", ret.Kind())
	}
	msg := ret.Table().Get(ctx.Keyword("error"))
	if msg.Kind() != vm.KindString || !strings.Contains(msg.Str(), "unknown symbol") {
		t.Errorf("error entry = %s", vm.Print(msg))
	}
}
