package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes generated messages. Register the pointer type:
//
//	fastcache.MustRegister[*pb.User](reg, "user.v1", codec.NewProtobuf(func() *pb.User { return new(pb.User) }))
type Protobuf[T proto.Message] struct {
	new func() T
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
