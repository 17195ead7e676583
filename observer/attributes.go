package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for host metrics.
var (
	AttrGroup     = attribute.Key("group.folder")
	AttrLane      = attribute.Key("group.lane")
	AttrRunState  = attribute.Key("run.state")
	AttrTaskType  = attribute.Key("run.task_type")
	AttrKillCause = attribute.Key("container.kill_reason")
)
