package wasm

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
)

// errno-style negative return codes, per spec.md §4.8.
const (
	errBadFD   = -9  // EBADF
	errFault   = -14 // EFAULT
	errNoSpace = -28 // ENOSPC
	errInval   = -22 // EINVAL
	errIO      = -5  // EIO
)

// ctl commands shared by the chat/ASR/mic families.
const (
	ctlSetParam   = 1
	ctlGetMetrics = 2
)

const autoToolCall = 2

// SET_PARAM keys a guest uses to configure its tool-callback arena, per
// spec.md §4.8's tool-callback protocol.
const (
	paramToolArenaPtr       = "TOOL_ARENA_PTR"
	paramToolArenaLen       = "TOOL_ARENA_LEN"
	paramMaxToolOutputBytes = "MAX_TOOL_OUTPUT_BYTES"
)

// defaultToolOutputBytes bounds the first invocation attempt's output
// window before an -ENOSPC-triggered retry grows it, per spec.md §4.8.
const defaultToolOutputBytes = 4096

// fdKind distinguishes descriptor families sharing one table.
type fdKind int

const (
	fdChat fdKind = iota
	fdChatResponse
	fdEpoll
	fdRTASR
	fdMic
)

// toolArena is the guest-provided scratch region in linear memory used to
// pass a tool call's args in and read its output back, set via
// cchat_ctl(SET_PARAM) keys TOOL_ARENA_PTR/TOOL_ARENA_LEN/
// MAX_TOOL_OUTPUT_BYTES per spec.md §4.8's tool-callback protocol.
type toolArena struct {
	ptr    uint32
	len    uint32
	maxOut uint32
}

// toolFunc invokes a guest-registered tool callback resolved by table
// offset, laying args into arena and reading up to outCap bytes of output
// back out of it.
type toolFunc func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) (out []byte, errno int32)

// chatSession models one cchat_create() descriptor's accumulated state.
type chatSession struct {
	messages []chatMessage
	params   map[string]string
	tools    map[int32]toolRegistration
	metrics  chatMetrics
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolRegistration struct {
	tableOffset int32
	schemaJSON  []byte
}

type chatMetrics struct {
	MessagesWritten int `json:"messages_written"`
	ToolCalls       int `json:"tool_calls"`
}

// chatResponse is the descriptor returned by cchat_send; cchat_recv reads
// from it once the (possibly tool-augmented) reply is ready.
type chatResponse struct {
	payload []byte
	read    bool
}

// streamSession models one rtasr_create()/mic_create() descriptor: a
// buffered byte stream plus the same SET_PARAM/GET_METRICS surface chat
// sessions have, per spec.md §4.8's "rtasr_*, mic_* families mirroring the
// chat pattern".
type streamSession struct {
	mu      sync.Mutex
	params  map[string]string
	buf     []byte
	metrics streamMetrics
}

type streamMetrics struct {
	BytesWritten int `json:"bytes_written"`
	BytesRead    int `json:"bytes_read"`
}

// fdTable is the per-instance descriptor table backing the chat/ASR/mic/
// epoll host calls. One table per VM instance, matching spec.md's
// "process-wide or per-instance numbered descriptors" (SPEAR scopes it
// per-instance).
type fdTable struct {
	mu      sync.Mutex
	next    int32
	kinds   map[int32]fdKind
	chats   map[int32]*chatSession
	resps   map[int32]*chatResponse
	streams map[int32]*streamSession

	// resolveTool looks up a guest tool callback by its registered table
	// offset; wired by the instance to the wazero module's function table.
	resolveTool func(offset int32) (toolFunc, bool)
}

func newFDTable() *fdTable {
	return &fdTable{
		kinds:   make(map[int32]fdKind),
		chats:   make(map[int32]*chatSession),
		resps:   make(map[int32]*chatResponse),
		streams: make(map[int32]*streamSession),
	}
}

func (t *fdTable) alloc(kind fdKind) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	fd := t.next
	t.kinds[fd] = kind
	return fd
}

func (t *fdTable) createChat() int32 {
	fd := t.alloc(fdChat)
	t.mu.Lock()
	t.chats[fd] = &chatSession{params: make(map[string]string), tools: make(map[int32]toolRegistration)}
	t.mu.Unlock()
	return fd
}

func (t *fdTable) chat(fd int32) (*chatSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[fd]
	return s, ok
}

func (t *fdTable) writeMsg(fd int32, role, content string) int32 {
	s, ok := t.chat(fd)
	if !ok {
		return errBadFD
	}
	t.mu.Lock()
	s.messages = append(s.messages, chatMessage{Role: role, Content: content})
	s.metrics.MessagesWritten++
	t.mu.Unlock()
	return 0
}

func (t *fdTable) writeFn(fd int32, tableOffset int32, schemaJSON []byte) int32 {
	s, ok := t.chat(fd)
	if !ok {
		return errBadFD
	}
	t.mu.Lock()
	s.tools[tableOffset] = toolRegistration{tableOffset: tableOffset, schemaJSON: append([]byte(nil), schemaJSON...)}
	t.mu.Unlock()
	return 0
}

// ctl dispatches CTL_SET_PARAM / CTL_GET_METRICS against a chat fd.
func (t *fdTable) ctl(fd int32, cmd int32, arg []byte) (reply []byte, rc int32) {
	s, ok := t.chat(fd)
	if !ok {
		return nil, errBadFD
	}
	switch cmd {
	case ctlSetParam:
		var kv struct{ Key, Value string }
		if err := json.Unmarshal(arg, &kv); err != nil {
			return nil, errInval
		}
		t.mu.Lock()
		s.params[kv.Key] = kv.Value
		t.mu.Unlock()
		return nil, 0
	case ctlGetMetrics:
		data, err := json.Marshal(s.metrics)
		if err != nil {
			return nil, errIO
		}
		return data, 0
	default:
		return nil, errInval
	}
}

// send builds the reply for cchat_send, invoking at most one registered
// tool when flags requests AUTO_TOOL_CALL, a tool is registered, and the
// guest has configured a tool arena via cchat_ctl(SET_PARAM). The result
// is parked under a fresh response fd for cchat_recv.
func (t *fdTable) send(ctx context.Context, fd int32, flags int32) (responseFD int32, rc int32) {
	s, ok := t.chat(fd)
	if !ok {
		return 0, errBadFD
	}

	t.mu.Lock()
	tools := make(map[int32]toolRegistration, len(s.tools))
	for k, v := range s.tools {
		tools[k] = v
	}
	arena, haveArena := arenaFromParams(s.params)
	t.mu.Unlock()

	var reply []byte
	if flags&autoToolCall != 0 && t.resolveTool != nil {
		for offset, reg := range tools {
			fn, found := t.resolveTool(offset)
			if !found {
				continue
			}
			switch {
			case !haveArena:
				reply = []byte(`{"error":"tool arena not configured"}`)
			default:
				out, errno := t.invokeToolWithRetry(ctx, fn, reg, arena)
				if errno != 0 {
					reply = []byte(`{"error":"tool invocation failed"}`)
				} else {
					reply = out
				}
			}
			t.mu.Lock()
			s.metrics.ToolCalls++
			t.mu.Unlock()
			break
		}
	}
	if reply == nil {
		reply = t.defaultReply(s)
	}

	respFD := t.alloc(fdChatResponse)
	t.mu.Lock()
	t.resps[respFD] = &chatResponse{payload: reply}
	t.mu.Unlock()
	return respFD, 0
}

// invokeToolWithRetry calls fn with an initial output window, doubling it
// (bounded by arena.maxOut) and retrying once on -ENOSPC, per spec.md
// §4.8's "at most two attempts".
func (t *fdTable) invokeToolWithRetry(ctx context.Context, fn toolFunc, reg toolRegistration, arena toolArena) ([]byte, int32) {
	outCap := arena.maxOut
	if outCap == 0 || outCap > defaultToolOutputBytes {
		outCap = defaultToolOutputBytes
	}
	out, errno := fn(ctx, reg.schemaJSON, arena, outCap)
	if errno == errNoSpace {
		grown := outCap * 2
		if arena.maxOut > 0 && grown > arena.maxOut {
			grown = arena.maxOut
		}
		out, errno = fn(ctx, reg.schemaJSON, arena, grown)
	}
	return out, errno
}

// arenaFromParams reads the TOOL_ARENA_PTR/TOOL_ARENA_LEN/
// MAX_TOOL_OUTPUT_BYTES keys a guest sets via cchat_ctl(SET_PARAM).
func arenaFromParams(params map[string]string) (toolArena, bool) {
	ptr, ok := parseArenaUint(params[paramToolArenaPtr])
	if !ok {
		return toolArena{}, false
	}
	length, ok := parseArenaUint(params[paramToolArenaLen])
	if !ok {
		return toolArena{}, false
	}
	maxOut, ok := parseArenaUint(params[paramMaxToolOutputBytes])
	if !ok {
		return toolArena{}, false
	}
	return toolArena{ptr: ptr, len: length, maxOut: maxOut}, true
}

func parseArenaUint(v string) (uint32, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (t *fdTable) defaultReply(s *chatSession) []byte {
	data, _ := json.Marshal(s.messages)
	return data
}

func (t *fdTable) recv(responseFD int32) ([]byte, int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, ok := t.resps[responseFD]
	if !ok {
		return nil, errBadFD
	}
	if resp.read {
		return nil, 0
	}
	resp.read = true
	return resp.payload, 0
}

func (t *fdTable) close(fd int32) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.kinds[fd]; !ok {
		return errBadFD
	}
	delete(t.kinds, fd)
	delete(t.chats, fd)
	delete(t.resps, fd)
	delete(t.streams, fd)
	return 0
}

// createStream allocates an rtasr_create()/mic_create() descriptor.
func (t *fdTable) createStream(kind fdKind) int32 {
	fd := t.alloc(kind)
	t.mu.Lock()
	t.streams[fd] = &streamSession{params: make(map[string]string)}
	t.mu.Unlock()
	return fd
}

func (t *fdTable) stream(fd int32) (*streamSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[fd]
	return s, ok
}

// streamCtl dispatches CTL_SET_PARAM / CTL_GET_METRICS against an
// rtasr/mic fd, mirroring fdTable.ctl for the chat family.
func (t *fdTable) streamCtl(fd int32, cmd int32, arg []byte) (reply []byte, rc int32) {
	s, ok := t.stream(fd)
	if !ok {
		return nil, errBadFD
	}
	switch cmd {
	case ctlSetParam:
		var kv struct{ Key, Value string }
		if err := json.Unmarshal(arg, &kv); err != nil {
			return nil, errInval
		}
		s.mu.Lock()
		s.params[kv.Key] = kv.Value
		s.mu.Unlock()
		return nil, 0
	case ctlGetMetrics:
		s.mu.Lock()
		data, err := json.Marshal(s.metrics)
		s.mu.Unlock()
		if err != nil {
			return nil, errIO
		}
		return data, 0
	default:
		return nil, errInval
	}
}

// streamWrite appends data (an audio frame for mic, a transcript chunk for
// rtasr) to the session's buffer.
func (t *fdTable) streamWrite(fd int32, data []byte) int32 {
	s, ok := t.stream(fd)
	if !ok {
		return errBadFD
	}
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.metrics.BytesWritten += len(data)
	s.mu.Unlock()
	return int32(len(data))
}

// streamRead drains up to maxLen buffered bytes in FIFO order.
func (t *fdTable) streamRead(fd int32, maxLen int32) ([]byte, int32) {
	s, ok := t.stream(fd)
	if !ok {
		return nil, errBadFD
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buf)
	if maxLen >= 0 && int(maxLen) < n {
		n = int(maxLen)
	}
	out := append([]byte(nil), s.buf[:n]...)
	s.buf = s.buf[n:]
	s.metrics.BytesRead += n
	return out, 0
}
