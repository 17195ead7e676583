package nanoclaw

// AuthorizeDispatch enforces the cross-lane delegation matrix:
//
//	main                 → any group
//	controller-developer → worker groups only
//	controller-observer  → nothing
//	worker               → nothing (self-scoped)
//
// A dispatch targeted at its own group is always refused; that is the
// self-chat leak a controller produces when it echoes its own dispatch
// payload back into its lane.
func AuthorizeDispatch(fromGroup string, fromLane Lane, targetGroup string) error {
	if targetGroup == fromGroup {
		return &PolicyError{FromGroup: fromGroup, FromLane: fromLane, TargetGroup: targetGroup}
	}
	switch fromLane {
	case LaneMain:
		return nil
	case LaneDeveloper:
		if LaneForFolder(targetGroup) == LaneWorker {
			return nil
		}
	}
	return &PolicyError{FromGroup: fromGroup, FromLane: fromLane, TargetGroup: targetGroup}
}
