package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// grpcArgs is the evaluated with-block of a call: grpc task. Proto.Endpoint
// names a compiled descriptor set (protoc --descriptor_set_out), not a raw
// .proto source.
type grpcArgs struct {
	Proto     grpcProto      `json:"proto"`
	Service   grpcService    `json:"service"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

type grpcProto struct {
	Endpoint string `json:"endpoint"`
}

type grpcService struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// descSet is a parsed descriptor registry, cached per endpoint so repeated
// calls skip the file load.
type descSet struct {
	files *protoregistry.Files
}

func (v *Invoker) callGRPC(ctx context.Context, args map[string]any) (any, error) {
	var a grpcArgs
	if err := decodeWith(args, &a); err != nil {
		return nil, err
	}
	if a.Proto.Endpoint == "" {
		return nil, configError("grpc call has no proto endpoint")
	}
	if a.Service.Name == "" || a.Service.Host == "" || a.Service.Port == 0 {
		return nil, configError("grpc call needs service name, host and port")
	}
	if a.Method == "" {
		return nil, configError("grpc call has no method")
	}

	ds, err := v.descriptors(a.Proto.Endpoint)
	if err != nil {
		return nil, err
	}
	desc, err := ds.files.FindDescriptorByName(protoreflect.FullName(a.Service.Name))
	if err != nil {
		return nil, configError("service %q not found in descriptor set %s",
			a.Service.Name, a.Proto.Endpoint)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, configError("%q names a %s, not a service", a.Service.Name, descKind(desc))
	}
	method := svc.Methods().ByName(protoreflect.Name(a.Method))
	if method == nil {
		return nil, configError("method %q not found on service %q", a.Method, a.Service.Name)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, configError("method %q is streaming; only unary calls are supported", a.Method)
	}

	req := dynamicpb.NewMessage(method.Input())
	if len(a.Arguments) > 0 {
		raw, merr := json.Marshal(a.Arguments)
		if merr != nil {
			return nil, configError("encode grpc arguments: %v", merr)
		}
		if uerr := protojson.Unmarshal(raw, req); uerr != nil {
			return nil, configError("grpc arguments do not match %s: %v",
				method.Input().FullName(), uerr)
		}
	}

	addr := fmt.Sprintf("%s:%d", a.Service.Host, a.Service.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, commError("grpc dial %s: %v", addr, err)
	}
	defer conn.Close()

	fullMethod := fmt.Sprintf("/%s/%s", a.Service.Name, a.Method)
	reply := dynamicpb.NewMessage(method.Output())
	if err := conn.Invoke(ctx, fullMethod, req, reply); err != nil {
		return nil, grpcCallError(fullMethod, err)
	}

	out, err := protojson.Marshal(reply)
	if err != nil {
		return nil, runtimeError("decode grpc response: %v", err)
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, runtimeError("decode grpc response: %v", err)
	}
	return result, nil
}

// descriptors loads and caches the descriptor set behind one proto endpoint.
func (v *Invoker) descriptors(endpoint string) (*descSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ds, ok := v.descSets[endpoint]; ok {
		return ds, nil
	}
	path := strings.TrimPrefix(endpoint, "file://")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("read descriptor set %s: %v", endpoint, err)
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &fds); err != nil {
		return nil, configError("parse descriptor set %s: %v", endpoint, err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, configError("build descriptor registry from %s: %v", endpoint, err)
	}
	ds := &descSet{files: files}
	v.descSets[endpoint] = ds
	return ds, nil
}

func descKind(d protoreflect.Descriptor) string {
	switch d.(type) {
	case protoreflect.MessageDescriptor:
		return "message"
	case protoreflect.EnumDescriptor:
		return "enum"
	case protoreflect.FieldDescriptor:
		return "field"
	default:
		return "descriptor"
	}
}

// grpcCallError maps an invoke failure onto the workflow error taxonomy.
// Deadline faults keep their context identity so the caller classifies them
// as timeouts.
func grpcCallError(fullMethod string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return commError("grpc %s: %v", fullMethod, err)
	}
	if st.Code() == codes.DeadlineExceeded {
		return timeoutError("grpc %s deadline exceeded", fullMethod)
	}
	return commError("grpc %s failed: %s (%s)", fullMethod, st.Message(), st.Code())
}
