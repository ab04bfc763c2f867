package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the instrumented components.
const (
	AttrBackend      = "chat.backend"
	AttrModel        = "chat.model"
	AttrGenerationID = "chat.generation_id"
	AttrMessageID    = "chat.message_id"

	AttrToolName = "tool.name"

	AttrCallRole  = "call.role"
	AttrCallPeer  = "call.peer"
	AttrCallState = "call.state"

	AttrLiveModel = "live.model"

	AttrSignalingOp  = "signaling.op"
	AttrSignalingKey = "signaling.key"
)

// GenerationAttrs describes a generation request.
func GenerationAttrs(backend, model string, generationID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBackend, backend),
		attribute.String(AttrModel, model),
		attribute.Int64(AttrGenerationID, int64(generationID)),
	}
}

// CallAttrs describes one side of a call.
func CallAttrs(role, peer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCallRole, role),
		attribute.String(AttrCallPeer, peer),
	}
}
