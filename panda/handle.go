package panda

// Callback signatures delivered by the emulator.
type (
	// AfterBlockExecFn runs after each executed translation block.
	AfterBlockExecFn func(cpu CPU, tb *TranslationBlock, exitCode int32)
	// InsnExecFn runs before each instrumented guest instruction.
	InsnExecFn func(cpu CPU, pc uint64)
	// InsnTranslateFn decides whether a guest instruction is instrumented.
	InsnTranslateFn func(cpu CPU, pc uint64) bool
	// ProcessFn runs on guest process start and end events.
	ProcessFn func(cpu CPU, name string, asid uint64, pid int32)
	// PreShutdownFn runs once before the emulator tears down.
	PreShutdownFn func()
)

// Plugin is a loadable analysis plugin. Init runs once before the first
// callback; Uninit runs at host teardown, after PreShutdown callbacks.
type Plugin interface {
	Init(h *Handle) error
	Uninit(h *Handle)
}

// Handle is the registration surface handed to a plugin at init. The host
// drives the registered callbacks; plugins use the embedded Host for
// introspection.
type Handle struct {
	Host

	// Plugin argument record, raw key=value options.
	args map[string]string

	afterBlockExec []AfterBlockExecFn
	insnExec       []InsnExecFn
	insnTranslate  []InsnTranslateFn
	processStart   []ProcessFn
	processEnd     []ProcessFn
	preShutdown    []PreShutdownFn
}

// NewHandle returns a plugin handle over the given host and raw plugin
// options.
func NewHandle(host Host, args map[string]string) *Handle {
	return &Handle{Host: host, args: args}
}

// RegisterAfterBlockExec registers an after-block-exec callback.
func (h *Handle) RegisterAfterBlockExec(fn AfterBlockExecFn) {
	h.afterBlockExec = append(h.afterBlockExec, fn)
}

// RegisterInsnExec registers an instruction-exec callback.
func (h *Handle) RegisterInsnExec(fn InsnExecFn) {
	h.insnExec = append(h.insnExec, fn)
}

// RegisterInsnTranslate registers an instruction instrumentation filter.
func (h *Handle) RegisterInsnTranslate(fn InsnTranslateFn) {
	h.insnTranslate = append(h.insnTranslate, fn)
}

// RegisterOnProcessStart registers a process-start callback.
func (h *Handle) RegisterOnProcessStart(fn ProcessFn) {
	h.processStart = append(h.processStart, fn)
}

// RegisterOnProcessEnd registers a process-end callback.
func (h *Handle) RegisterOnProcessEnd(fn ProcessFn) {
	h.processEnd = append(h.processEnd, fn)
}

// RegisterPreShutdown registers a pre-shutdown callback.
func (h *Handle) RegisterPreShutdown(fn PreShutdownFn) {
	h.preShutdown = append(h.preShutdown, fn)
}

// The host-side dispatch methods below are invoked by the emulator (and by
// tests standing in for it), on the emulation thread.

// AfterBlockExec delivers an executed translation block.
func (h *Handle) AfterBlockExec(cpu CPU, tb *TranslationBlock, exitCode int32) {
	for _, fn := range h.afterBlockExec {
		fn(cpu, tb, exitCode)
	}
}

// InsnExec delivers an instrumented instruction.
func (h *Handle) InsnExec(cpu CPU, pc uint64) {
	for _, fn := range h.insnExec {
		fn(cpu, pc)
	}
}

// InsnTranslate reports whether any plugin wants the instruction at pc
// instrumented.
func (h *Handle) InsnTranslate(cpu CPU, pc uint64) bool {
	interesting := false
	for _, fn := range h.insnTranslate {
		if fn(cpu, pc) {
			interesting = true
		}
	}
	return interesting
}

// OnProcessStart delivers a process-start event.
func (h *Handle) OnProcessStart(cpu CPU, name string, asid uint64, pid int32) {
	for _, fn := range h.processStart {
		fn(cpu, name, asid, pid)
	}
}

// OnProcessEnd delivers a process-end event.
func (h *Handle) OnProcessEnd(cpu CPU, name string, asid uint64, pid int32) {
	for _, fn := range h.processEnd {
		fn(cpu, name, asid, pid)
	}
}

// PreShutdown delivers the teardown notification.
func (h *Handle) PreShutdown() {
	for _, fn := range h.preShutdown {
		fn()
	}
}
