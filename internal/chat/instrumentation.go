package chat

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/normanking/cortexcompanion/internal/chat"

var tracer = otel.Tracer(scopeName)
