package wasm

import (
	"context"
	"math/rand"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// buildHostModule registers the `spear` host-call module against rt,
// backed by inst's fd table and exec clock. Memory access follows spec.md
// §4.8: pointers are i32 linear-memory offsets, length-out parameters are
// 4-byte little-endian u32 at the caller pointer, return codes are i32
// (0/bytes-written on success, negative errno on failure).
func buildHostModule(ctx context.Context, rt wazero.Runtime, table *fdTable) (api.Module, error) {
	b := rt.NewHostModuleBuilder("spear")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		return time.Now().UnixMilli()
	}).Export("time_now_ms")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		return time.Now().Unix()
	}).Export("wall_time_s")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		return rand.Int63()
	}).Export("random_i64")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ms int32) {
		if ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}).Export("sleep_ms")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int32 {
		return table.createChat()
	}).Export("cchat_create")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, rolePtr, roleLen, contentPtr, contentLen int32) int32 {
		role, ok := readString(mod, rolePtr, roleLen)
		if !ok {
			return errFault
		}
		content, ok := readString(mod, contentPtr, contentLen)
		if !ok {
			return errFault
		}
		return table.writeMsg(fd, role, content)
	}).Export("cchat_write_msg")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, fnOffset, jsonPtr, jsonLen int32) int32 {
		schema, ok := readBytes(mod, jsonPtr, jsonLen)
		if !ok {
			return errFault
		}
		return table.writeFn(fd, fnOffset, schema)
	}).Export("cchat_write_fn")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLenPtr int32) int32 {
		argLen, ok := readU32(mod, argLenPtr)
		if !ok {
			return errFault
		}
		arg, ok := readBytes(mod, argPtr, int32(argLen))
		if !ok {
			return errFault
		}
		reply, rc := table.ctl(fd, cmd, arg)
		if rc != 0 {
			return rc
		}
		return writeLenOut(mod, argPtr, argLenPtr, reply)
	}).Export("cchat_ctl")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, fd, flags int32) int32 {
		respFD, rc := table.send(ctx, fd, flags)
		if rc != 0 {
			return rc
		}
		return respFD
	}).Export("cchat_send")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, responseFD, outPtr, outLenPtr int32) int32 {
		payload, rc := table.recv(responseFD)
		if rc != 0 {
			return rc
		}
		return writeLenOut(mod, outPtr, outLenPtr, payload)
	}).Export("cchat_recv")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, fd int32) int32 {
		return table.close(fd)
	}).Export("cchat_close")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int32 {
		return table.alloc(fdEpoll)
	}).Export("spear_epoll_create")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, epfd, op, fd, events int32) int32 {
		if _, ok := table.kinds[epfd]; !ok {
			return errBadFD
		}
		return 0
	}).Export("spear_epoll_ctl")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, epfd, outPtr, outLenPtr, timeoutMS int32) int32 {
		if _, ok := table.kinds[epfd]; !ok {
			return errBadFD
		}
		return writeLenOut(mod, outPtr, outLenPtr, nil)
	}).Export("spear_epoll_wait")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, epfd int32) int32 {
		return table.close(epfd)
	}).Export("spear_epoll_close")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLenPtr int32) int32 {
		if _, ok := table.kinds[fd]; !ok {
			return errBadFD
		}
		return writeLenOut(mod, argPtr, argLenPtr, nil)
	}).Export("spear_fd_ctl")

	registerStreamFamily(b, table, fdRTASR, "rtasr")
	registerStreamFamily(b, table, fdMic, "mic")

	return b.Instantiate(ctx)
}

// registerStreamFamily registers the create/ctl/write/read/close host
// calls for one of the rtasr_*/mic_* families, mirroring the cchat_*
// pattern per spec.md §4.8.
func registerStreamFamily(b wazero.HostModuleBuilder, table *fdTable, kind fdKind, prefix string) {
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int32 {
		return table.createStream(kind)
	}).Export(prefix + "_create")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLenPtr int32) int32 {
		argLen, ok := readU32(mod, argLenPtr)
		if !ok {
			return errFault
		}
		arg, ok := readBytes(mod, argPtr, int32(argLen))
		if !ok {
			return errFault
		}
		reply, rc := table.streamCtl(fd, cmd, arg)
		if rc != 0 {
			return rc
		}
		return writeLenOut(mod, argPtr, argLenPtr, reply)
	}).Export(prefix + "_ctl")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, dataPtr, dataLen int32) int32 {
		data, ok := readBytes(mod, dataPtr, dataLen)
		if !ok {
			return errFault
		}
		return table.streamWrite(fd, data)
	}).Export(prefix + "_write")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, fd, outPtr, outLenPtr int32) int32 {
		cap32, ok := readU32(mod, outLenPtr)
		if !ok {
			return errFault
		}
		data, rc := table.streamRead(fd, int32(cap32))
		if rc != 0 {
			return rc
		}
		return writeLenOut(mod, outPtr, outLenPtr, data)
	}).Export(prefix + "_read")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, fd int32) int32 {
		return table.close(fd)
	}).Export(prefix + "_close")
}

// readString reads len bytes at ptr from mod's memory as a UTF-8 string.
func readString(mod api.Module, ptr, length int32) (string, bool) {
	data, ok := readBytes(mod, ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func readBytes(mod api.Module, ptr, length int32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func readU32(mod api.Module, ptr int32) (uint32, bool) {
	return mod.Memory().ReadUint32Le(uint32(ptr))
}

// writeLenOut writes data into the buffer at ptr (whose capacity is read
// from lenPtr) and updates lenPtr to the bytes written, per spec.md §4.8's
// length-out convention. Returns 0 (or bytes written) on success, -ENOSPC
// if the buffer is too small (after writing the required length).
func writeLenOut(mod api.Module, ptr, lenPtr int32, data []byte) int32 {
	cap32, ok := readU32(mod, lenPtr)
	if !ok {
		return errFault
	}
	cap := int(cap32)
	if len(data) > cap {
		mod.Memory().WriteUint32Le(uint32(lenPtr), uint32(len(data)))
		return errNoSpace
	}
	if len(data) > 0 {
		if !mod.Memory().Write(uint32(ptr), data) {
			return errFault
		}
	}
	mod.Memory().WriteUint32Le(uint32(lenPtr), uint32(len(data)))
	return int32(len(data))
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

// invokeGuestTool lays argsJSON into the guest's tool arena and calls fn
// with the (args_ptr, args_len, out_ptr, out_cap) -> rc signature spec.md
// §4.8 mandates, reading back up to outCap bytes of output on success.
// Args and the output region are placed 8-byte aligned from the arena's
// base, per the same section's arena layout.
func invokeGuestTool(ctx context.Context, mod api.Module, fn api.Function, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
	if arena.len == 0 {
		return nil, errFault
	}
	argsPtr := alignUp(arena.ptr, 8)
	outPtr := alignUp(argsPtr+uint32(len(argsJSON)), 8)
	if outCap > arena.maxOut && arena.maxOut > 0 {
		outCap = arena.maxOut
	}
	if outPtr+outCap > arena.ptr+arena.len {
		return nil, errNoSpace
	}
	if len(argsJSON) > 0 && !mod.Memory().Write(argsPtr, argsJSON) {
		return nil, errFault
	}

	results, err := fn.Call(ctx, uint64(argsPtr), uint64(len(argsJSON)), uint64(outPtr), uint64(outCap))
	if err != nil || len(results) != 1 {
		return nil, errIO
	}

	rc := api.DecodeI32(results[0])
	if rc < 0 {
		return nil, rc
	}
	out, ok := mod.Memory().Read(outPtr, uint32(rc))
	if !ok {
		return nil, errFault
	}
	return append([]byte(nil), out...), 0
}
