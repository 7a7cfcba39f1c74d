package loadsvc

import "fmt"

// Wire messages for the prism.Loadsvc service.
//
// These are hand-written protobuf-tagged structs rather than generated
// stubs; the service surface is one unary method and the messages are
// flat, so the proto toolchain would add more than it removes.

// CheckRequest asks whether an image's embedded bundles would load on
// the server's agents. Exactly one of ImageBytes and ImagePath is set;
// ImagePath names a file local to the server.
type CheckRequest struct {
	ImageBytes []byte `protobuf:"bytes,1,opt,name=image_bytes"`
	ImagePath  string `protobuf:"bytes,2,opt,name=image_path"`
}

func (x *CheckRequest) Reset()         { *x = CheckRequest{} }
func (x *CheckRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *CheckRequest) ProtoMessage()  {}

// ObjectReport is the preflight result for one code object on one agent.
type ObjectReport struct {
	// ObjectId is the code object's content digest, base58.
	ObjectId string `protobuf:"bytes,1,opt,name=object_id"`

	// EntryId is the bundle entry ID the object came from.
	EntryId string `protobuf:"bytes,2,opt,name=entry_id"`

	// SizeBytes is the code object's size.
	SizeBytes uint64 `protobuf:"varint,3,opt,name=size_bytes"`

	// Loadable reports whether the full create/link/load/freeze
	// sequence succeeded.
	Loadable bool `protobuf:"varint,4,opt,name=loadable"`

	// Kernels lists the kernel entry points the frozen executable
	// exposed.
	Kernels []string `protobuf:"bytes,5,rep,name=kernels"`

	// MissingGlobals lists device-referenced globals with no host
	// definition on the server.
	MissingGlobals []string `protobuf:"bytes,6,rep,name=missing_globals"`

	// Error carries the failing operation when Loadable is false and
	// the cause was not a missing global.
	Error string `protobuf:"bytes,7,opt,name=error"`
}

func (x *ObjectReport) Reset()         { *x = ObjectReport{} }
func (x *ObjectReport) String() string { return fmt.Sprintf("%+v", *x) }
func (x *ObjectReport) ProtoMessage()  {}

// AgentReport groups object reports per agent.
type AgentReport struct {
	Name    string          `protobuf:"bytes,1,opt,name=name"`
	Isa     string          `protobuf:"bytes,2,opt,name=isa"`
	Objects []*ObjectReport `protobuf:"bytes,3,rep,name=objects"`
}

func (x *AgentReport) Reset()         { *x = AgentReport{} }
func (x *AgentReport) String() string { return fmt.Sprintf("%+v", *x) }
func (x *AgentReport) ProtoMessage()  {}

// CheckReply is the preflight report for one image.
type CheckReply struct {
	// Containers and Entries count what the extractor found.
	Containers int32 `protobuf:"varint,1,opt,name=containers"`
	Entries    int32 `protobuf:"varint,2,opt,name=entries"`

	// Unsupported lists entry IDs that resolved to no known ISA.
	Unsupported []string `protobuf:"bytes,3,rep,name=unsupported"`

	// Agents holds one report per backed agent.
	Agents []*AgentReport `protobuf:"bytes,4,rep,name=agents"`
}

func (x *CheckReply) Reset()         { *x = CheckReply{} }
func (x *CheckReply) String() string { return fmt.Sprintf("%+v", *x) }
func (x *CheckReply) ProtoMessage()  {}
