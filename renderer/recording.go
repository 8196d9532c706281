package renderer

import (
	"sync/atomic"
)

var resourceID atomic.Uint64

func nextResourceID() ResourceID {
	return ResourceID(resourceID.Add(1))
}

type ResourceID uint64

// Recording is an ordered batch of device commands. Engines execute the
// commands in order; a dispatch observes every write of the commands that
// precede it.
type Recording struct {
	Commands []Command
}

func (rec *Recording) push(cmd Command) {
	rec.Commands = append(rec.Commands, cmd)
}

// Upload copies data into buf. data may be shorter than the buffer; the
// rest of the buffer keeps its contents. data must not be modified until the
// recording has finished executing.
func (rec *Recording) Upload(buf BufferProxy, data []byte) {
	if uint64(len(data)) > buf.Size {
		panic("upload larger than buffer")
	}
	rec.push(&Upload{buf, data})
}

func (rec *Recording) UploadUniform(buf BufferProxy, data []byte) {
	if uint64(len(data)) > buf.Size {
		panic("upload larger than buffer")
	}
	rec.push(&UploadUniform{buf, data})
}

func (rec *Recording) Dispatch(shader ShaderID, wgSize WorkgroupSize, resources []BufferProxy) {
	rec.push(&Dispatch{shader, wgSize, resources})
}

// DispatchIndirect dispatches shader with the workgroup counts stored as an
// IndirectCount at offset in buf.
func (rec *Recording) DispatchIndirect(
	shader ShaderID,
	buf BufferProxy,
	offset uint64,
	resources []BufferProxy,
) {
	rec.push(&DispatchIndirect{shader, buf, offset, resources})
}

func (rec *Recording) Download(buf BufferProxy) {
	rec.push(&Download{buf})
}

func (rec *Recording) FreeBuffer(buf BufferProxy) {
	rec.push(&FreeBuffer{buf})
}

func NewBufferProxy(size uint64, name string) BufferProxy {
	id := nextResourceID()
	return BufferProxy{size, id, name}
}

func newBuffer[T any](size BufferSize[T], name string) BufferProxy {
	return NewBufferProxy(size.sizeInBytes(), name)
}

type BufferProxy struct {
	Size uint64
	ID   ResourceID
	Name string
}

type ShaderID int

type Command interface {
	isCommand()
}

func (*Upload) isCommand()           {}
func (*UploadUniform) isCommand()    {}
func (*Dispatch) isCommand()         {}
func (*DispatchIndirect) isCommand() {}
func (*Download) isCommand()         {}
func (*FreeBuffer) isCommand()       {}

type BindType int

const (
	BindTypeBuffer BindType = iota + 1
	BindTypeBufReadOnly
	BindTypeUniform
)

type Upload struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadUniform struct {
	Buffer BufferProxy
	Data   []byte
}

type Dispatch struct {
	Shader        ShaderID
	WorkgroupSize WorkgroupSize
	Bindings      []BufferProxy
}

type DispatchIndirect struct {
	Shader   ShaderID
	Buffer   BufferProxy
	Offset   uint64
	Bindings []BufferProxy
}

type Download struct {
	Buffer BufferProxy
}

type FreeBuffer struct {
	Buffer BufferProxy
}
