package engine

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// GetVersionMethod is the engine's parameterless version RPC.
const GetVersionMethod = "/rips.App/GetVersion"

// Version is the engine's reported release.
type Version struct {
	Major int32 `json:"major"`
	Minor int32 `json:"minor"`
	Patch int32 `json:"patch"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// The engine's messages are described at runtime so no generated code is
// needed for the single RPC the supervisor issues:
//
//	package rips;
//	message Empty {}
//	message Version { int32 major_version = 1; int32 minor_version = 2; int32 patch_version = 3; }
var (
	descOnce    sync.Once
	descErr     error
	emptyDesc   protoreflect.MessageDescriptor
	versionDesc protoreflect.MessageDescriptor
)

func int32Field(name, json string, num int32) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(json),
		Number:   proto.Int32(num),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
	}
}

func loadDescriptors() error {
	descOnce.Do(func() {
		fdp := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("gridvisor/rips_version.proto"),
			Package: proto.String("rips"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{Name: proto.String("Empty")},
				{
					Name: proto.String("Version"),
					Field: []*descriptorpb.FieldDescriptorProto{
						int32Field("major_version", "majorVersion", 1),
						int32Field("minor_version", "minorVersion", 2),
						int32Field("patch_version", "patchVersion", 3),
					},
				},
			},
		}
		fd, err := protodesc.NewFile(fdp, nil)
		if err != nil {
			descErr = fmt.Errorf("build engine descriptors: %w", err)
			return
		}
		emptyDesc = fd.Messages().ByName("Empty")
		versionDesc = fd.Messages().ByName("Version")
	})
	return descErr
}

// NewEmpty returns an empty request message.
func NewEmpty() (*dynamicpb.Message, error) {
	if err := loadDescriptors(); err != nil {
		return nil, err
	}
	return dynamicpb.NewMessage(emptyDesc), nil
}

// NewVersionMessage returns a Version message, populated from v.
func NewVersionMessage(v Version) (*dynamicpb.Message, error) {
	if err := loadDescriptors(); err != nil {
		return nil, err
	}
	m := dynamicpb.NewMessage(versionDesc)
	fields := versionDesc.Fields()
	m.Set(fields.ByNumber(1), protoreflect.ValueOfInt32(v.Major))
	m.Set(fields.ByNumber(2), protoreflect.ValueOfInt32(v.Minor))
	m.Set(fields.ByNumber(3), protoreflect.ValueOfInt32(v.Patch))
	return m, nil
}

// VersionFromMessage reads a Version message.
func VersionFromMessage(m protoreflect.ProtoMessage) Version {
	r := m.ProtoReflect()
	fields := r.Descriptor().Fields()
	get := func(n protoreflect.FieldNumber) int32 {
		fd := fields.ByNumber(n)
		if fd == nil {
			return 0
		}
		return int32(r.Get(fd).Int())
	}
	return Version{Major: get(1), Minor: get(2), Patch: get(3)}
}
