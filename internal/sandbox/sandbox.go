// Package sandbox hosts untrusted aggregate modules inside a WebAssembly
// runtime (github.com/tetratelabs/wazero, pure Go, no cgo) and exposes
// exactly the fixed capability set the runtime promises modules:
// monotonic_clock, wall_clock, random_bytes, log, and a scoped filesystem
// view. Everything else — network, process, ambient clock sources reached
// any other way — is simply never imported into the guest's module
// instance.
//
// Calling convention: a module exports "alloc"/"dealloc" for guest-owned
// buffers and "init"/"apply"/"handle" operating on a single opaque
// uint64 state handle the guest manages internally. Byte buffers cross
// the boundary as msgpack-encoded request/response envelopes (see
// contract.go); a packed uint64 return value carries (ptr<<32 | len).
package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const hostModuleName = "eventrt_host"

// Capabilities bounds what a module instance may reach through the host
// module. FSRoot empty disables filesystem access entirely rather than
// defaulting to the process's working directory.
type Capabilities struct {
	FSRoot string
}

// Runtime owns the wazero runtime and the compiled-module cache. One
// Runtime serves every category; compiled modules are immutable bytes
// keyed by their registry (name, version), so compilation cost is paid
// once per version regardless of how many entities run it.
type Runtime struct {
	wz      wazero.Runtime
	logger  *zap.Logger
	ctx     context.Context
	compiled map[string]wazero.CompiledModule
}

// NewRuntime builds a wazero runtime and registers the fixed host module.
func NewRuntime(ctx context.Context, logger *zap.Logger) (*Runtime, error) {
	wz := wazero.NewRuntime(ctx)
	rt := &Runtime{wz: wz, logger: logger, ctx: ctx, compiled: make(map[string]wazero.CompiledModule)}
	if err := rt.registerHostModule(); err != nil {
		wz.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// Close releases every compiled module and the underlying wazero runtime.
func (r *Runtime) Close() error {
	return r.wz.Close(r.ctx)
}

// Compile caches the compiled form of a module's bytes under cacheKey
// (typically "<name>/<version>"), reusing a prior compilation if present.
func (r *Runtime) Compile(cacheKey string, wasmBytes []byte) (wazero.CompiledModule, error) {
	if cm, ok := r.compiled[cacheKey]; ok {
		return cm, nil
	}
	cm, err := r.wz.CompileModule(r.ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module %s: %w", cacheKey, err)
	}
	r.compiled[cacheKey] = cm
	return cm, nil
}

// Instance is one live module instantiation: owned exclusively by a
// single entity handler for the lifetime of its (category, id).
type Instance struct {
	module      api.Module
	stateHandle uint64

	allocFn   api.Function
	deallocFn api.Function
	initFn    api.Function
	applyFn   api.Function
	handleFn  api.Function

	ctx context.Context
}

// Instantiate creates a fresh module instance scoped to aggregateID and
// invokes its init export. The returned Instance owns its own linear
// memory, independent of any other instance of the same compiled module.
func (r *Runtime) Instantiate(ctx context.Context, cm wazero.CompiledModule, caps Capabilities, aggregateID string) (*Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("entity-%s", aggregateID)).
		WithStartFunctions() // no implicit _start; the guest has no main

	moduleCtx := withCapabilities(ctx, caps)

	mod, err := r.wz.InstantiateModule(moduleCtx, cm, cfg)
	if err != nil {
		return nil, &TrapError{Cause: fmt.Errorf("instantiate: %w", err)}
	}

	inst := &Instance{
		module:    mod,
		allocFn:   mod.ExportedFunction("alloc"),
		deallocFn: mod.ExportedFunction("dealloc"),
		initFn:    mod.ExportedFunction("init"),
		applyFn:   mod.ExportedFunction("apply"),
		handleFn:  mod.ExportedFunction("handle"),
		ctx:       moduleCtx,
	}

	if inst.allocFn == nil || inst.initFn == nil || inst.applyFn == nil || inst.handleFn == nil {
		mod.Close(ctx)
		return nil, &TrapError{Cause: fmt.Errorf("module missing required export (alloc/init/apply/handle)")}
	}

	idPtr, idLen, err := inst.writeBytes([]byte(aggregateID))
	if err != nil {
		mod.Close(ctx)
		return nil, &TrapError{Cause: err}
	}

	results, err := inst.initFn.Call(inst.ctx, uint64(idPtr), uint64(idLen))
	if err != nil {
		mod.Close(ctx)
		return nil, &TrapError{Cause: err}
	}
	inst.stateHandle = results[0]

	return inst, nil
}

// Close releases the instance's module and its linear memory.
func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

// Apply folds a single event into the instance's state during replay or
// immediately after a command commits.
func (i *Instance) Apply(eventType string, payload []byte, msgCtx Context) error {
	req, err := encodeApplyRequest(applyRequest{EventType: eventType, Payload: payload, Context: msgCtx})
	if err != nil {
		return &SerializeEventError{Msg: err.Error()}
	}

	reqPtr, reqLen, err := i.writeBytes(req)
	if err != nil {
		return &TrapError{Cause: err}
	}

	results, err := i.applyFn.Call(i.ctx, i.stateHandle, uint64(reqPtr), uint64(reqLen))
	if err != nil {
		return &TrapError{Cause: err}
	}

	respBytes, err := i.readPacked(results[0])
	if err != nil {
		return &TrapError{Cause: err}
	}

	resp, err := decodeApplyResponse(respBytes)
	if err != nil {
		return &DeserializeEventError{Msg: err.Error()}
	}
	return errorFromWire(resp.Error)
}

// Handle invokes a command against the instance's current state and
// returns the events it produced, if any.
func (i *Instance) Handle(command string, payload []byte, msgCtx Context) ([]EventOut, error) {
	req, err := encodeHandleRequest(handleRequest{Command: command, Payload: payload, Context: msgCtx})
	if err != nil {
		return nil, &DeserializeCommandError{Msg: err.Error()}
	}

	reqPtr, reqLen, err := i.writeBytes(req)
	if err != nil {
		return nil, &TrapError{Cause: err}
	}

	results, err := i.handleFn.Call(i.ctx, i.stateHandle, uint64(reqPtr), uint64(reqLen))
	if err != nil {
		return nil, &TrapError{Cause: err}
	}

	respBytes, err := i.readPacked(results[0])
	if err != nil {
		return nil, &TrapError{Cause: err}
	}

	resp, err := decodeHandleResponse(respBytes)
	if err != nil {
		return nil, &DeserializeEventError{Msg: err.Error()}
	}
	if resp.Error != nil {
		return nil, errorFromWire(resp.Error)
	}
	return resp.Events, nil
}

func (i *Instance) writeBytes(data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	results, err := i.allocFn.Call(i.ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	ptr := uint32(results[0])
	if !i.module.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("sandbox: write out of guest memory bounds")
	}
	return ptr, uint32(len(data)), nil
}

// readPacked reads a (ptr<<32 | len) result, copies the bytes out, and
// releases the guest's buffer via dealloc.
func (i *Instance) readPacked(packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if size == 0 {
		return nil, nil
	}
	raw, ok := i.module.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("sandbox: read out of guest memory bounds")
	}
	out := append([]byte(nil), raw...)
	if i.deallocFn != nil {
		_, _ = i.deallocFn.Call(i.ctx, uint64(ptr), uint64(size))
	}
	return out, nil
}

type capabilitiesKey struct{}

func withCapabilities(ctx context.Context, caps Capabilities) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

func capabilitiesFrom(ctx context.Context) Capabilities {
	caps, _ := ctx.Value(capabilitiesKey{}).(Capabilities)
	return caps
}

// registerHostModule installs the fixed capability set as wazero host
// functions. No function here reaches the network, the process table, or
// any path outside a capability's own scoped root.
func (r *Runtime) registerHostModule() error {
	builder := r.wz.NewHostModuleBuilder(hostModuleName)
	start := time.Now()

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			return uint64(time.Since(start).Nanoseconds())
		}).
		Export("monotonic_clock_nanos")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			return uint64(time.Now().UnixNano())
		}).
		Export("wall_clock_unix_nanos")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			buf := make([]byte, length)
			if _, err := rand.Read(buf); err != nil {
				return 1
			}
			if !mod.Memory().Write(ptr, buf) {
				return 1
			}
			return 0
		}).
		Export("random_bytes")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logger := r.logger
			if logger == nil {
				return
			}
			switch level {
			case 0:
				logger.Debug(string(msg), zap.String("source", "module"))
			case 2:
				logger.Warn(string(msg), zap.String("source", "module"))
			case 3:
				logger.Error(string(msg), zap.String("source", "module"))
			default:
				logger.Info(string(msg), zap.String("source", "module"))
			}
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen uint32) uint64 {
			path, ok := mod.Memory().Read(pathPtr, pathLen)
			if !ok {
				return 0
			}
			resolved, err := resolveScopedPath(capabilitiesFrom(ctx), string(path))
			if err != nil {
				return 0
			}
			data, err := readScopedFile(resolved)
			if err != nil {
				return 0
			}
			return packedWrite(ctx, mod, data)
		}).
		Export("fs_read")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
			path, ok := mod.Memory().Read(pathPtr, pathLen)
			if !ok {
				return 1
			}
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			resolved, err := resolveScopedPath(capabilitiesFrom(ctx), string(path))
			if err != nil {
				return 1
			}
			if err := writeScopedFile(resolved, data); err != nil {
				return 1
			}
			return 0
		}).
		Export("fs_write")

	_, err := builder.Instantiate(r.ctx)
	return err
}

// packedWrite allocates a buffer in the guest via its own alloc export and
// writes data into it, returning the (ptr<<32|len) pair the guest expects
// from fs_read. Host functions may call back into the calling module's
// other exports, which is how guest-owned allocation stays guest-owned
// even for host-originated data.
func packedWrite(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		return 0
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

func resolveScopedPath(caps Capabilities, requested string) (string, error) {
	if caps.FSRoot == "" {
		return "", fmt.Errorf("sandbox: filesystem capability not granted")
	}
	cleaned := filepath.Clean("/" + requested)
	if strings.Contains(requested, "..") {
		return "", fmt.Errorf("sandbox: invalid scoped path %q", requested)
	}
	return filepath.Join(caps.FSRoot, cleaned), nil
}
