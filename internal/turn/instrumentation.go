package turn

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/normanking/cortexcompanion/internal/turn"

var tracer = otel.Tracer(scopeName)
